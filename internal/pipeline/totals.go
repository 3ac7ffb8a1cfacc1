package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
)

// TotalsStage recomputes cached aggregate spend for exactly the entities
// touched by the run's asset, keeping cost proportional to the asset's
// footprint rather than total history.
type TotalsStage struct {
	st store.Store
}

// NewTotalsStage builds the totals refresh stage.
func NewTotalsStage(st store.Store) *TotalsStage {
	return &TotalsStage{st: st}
}

// ID implements Stage.
func (s *TotalsStage) ID() string { return StageTotals }

// Validate implements Stage.
func (s *TotalsStage) Validate(in *Input) error {
	if in.Run.AssetID <= 0 {
		return eris.Errorf("pipeline: invalid asset id %d", in.Run.AssetID)
	}
	return nil
}

// Execute implements Stage.
func (s *TotalsStage) Execute(ctx context.Context, in *Input) (*Result, error) {
	if in.Run.DryRun {
		return &Result{Status: model.StageSkipped, Metrics: map[string]any{"reason": "dry_run"}}, nil
	}

	n, err := s.st.RefreshTotalsForAsset(ctx, in.Run.AssetID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: refresh totals for asset %d", in.Run.AssetID)
	}

	zap.L().Info("pipeline: totals refreshed",
		zap.String("run_id", in.Run.ID),
		zap.Int64("asset_id", in.Run.AssetID),
		zap.Int64("entities", n))

	return &Result{
		Status:  model.StageSucceeded,
		Metrics: map[string]any{"entitiesRefreshed": int(n)},
	}, nil
}
