package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/runlog"
	"github.com/openspend/spend-cli/internal/store"
)

// Runner executes the fixed stage list for one run, honoring an inclusive
// stage-range restriction. Stages outside the range are skipped entirely,
// with no lifecycle callbacks and their status left queued. The runner holds
// no transaction scope; each stage manages its own.
type Runner struct {
	st     store.Store
	rl     *runlog.Logger
	stages []Stage

	// Lifecycle callbacks, fired only for in-range stages. All optional.
	OnStageStart  func(stageID string)
	OnStageFinish func(stageID string, res *Result)
	OnStageError  func(stageID string, err error)
}

// NewRunner builds a runner over an ordered stage list.
func NewRunner(st store.Store, rl *runlog.Logger, stages ...Stage) *Runner {
	return &Runner{st: st, rl: rl, stages: stages}
}

// StageIDs lists the runner's stage ids in execution order.
func (r *Runner) StageIDs() []string {
	ids := make([]string, len(r.stages))
	for i, s := range r.stages {
		ids[i] = s.ID()
	}
	return ids
}

// stageRange resolves the run's inclusive from/to bounds against the stage
// list. Both bounds must name existing stages and must not invert.
func (r *Runner) stageRange(run *model.Run) (int, int, error) {
	from, to := 0, len(r.stages)-1

	indexOf := func(id string) int {
		for i, s := range r.stages {
			if s.ID() == id {
				return i
			}
		}
		return -1
	}

	if run.FromStage != "" {
		if from = indexOf(run.FromStage); from < 0 {
			return 0, 0, eris.Errorf("pipeline: unknown from stage %q", run.FromStage)
		}
	}
	if run.ToStage != "" {
		if to = indexOf(run.ToStage); to < 0 {
			return 0, 0, eris.Errorf("pipeline: unknown to stage %q", run.ToStage)
		}
	}
	if from > to {
		return 0, 0, eris.Errorf("pipeline: stage range %q..%q is inverted", run.FromStage, run.ToStage)
	}
	return from, to, nil
}

// Execute runs the in-range stages sequentially, failing fast. The run's
// terminal status is persisted before returning.
func (r *Runner) Execute(ctx context.Context, in *Input) error {
	run := in.Run

	from, to, err := r.stageRange(run)
	if err != nil {
		if uerr := r.st.UpdateRunStatus(ctx, run.ID, model.RunFailed, err.Error()); uerr != nil {
			zap.L().Error("pipeline: update run status failed", zap.String("run_id", run.ID), zap.Error(uerr))
		}
		return err
	}

	if err := r.st.UpdateRunStatus(ctx, run.ID, model.RunRunning, ""); err != nil {
		return eris.Wrapf(err, "pipeline: mark run %s running", run.ID)
	}
	r.rl.Info(ctx, run.ID, "", "run started", map[string]any{
		"source_kind": string(run.SourceKind),
		"asset_id":    run.AssetID,
		"dry_run":     run.DryRun,
	})

	records := make([]*model.RunStage, len(r.stages))
	for i, stage := range r.stages {
		rec, cerr := r.st.CreateRunStage(ctx, run.ID, stage.ID())
		if cerr != nil {
			return eris.Wrapf(cerr, "pipeline: create stage record %s", stage.ID())
		}
		records[i] = rec
	}

	for i, stage := range r.stages {
		if i < from || i > to {
			continue
		}
		if err := r.runStage(ctx, in, stage, records[i]); err != nil {
			r.failRun(ctx, run.ID, err)
			return err
		}
	}

	if err := r.st.UpdateRunStatus(ctx, run.ID, model.RunSucceeded, ""); err != nil {
		return eris.Wrapf(err, "pipeline: mark run %s succeeded", run.ID)
	}
	r.rl.Info(ctx, run.ID, "", "run succeeded", nil)
	return nil
}

func (r *Runner) runStage(ctx context.Context, in *Input, stage Stage, rec *model.RunStage) error {
	id := stage.ID()

	if err := stage.Validate(in); err != nil {
		r.reportError(ctx, in.Run.ID, id, rec, err)
		return err
	}

	if r.OnStageStart != nil {
		r.OnStageStart(id)
	}
	if err := r.st.CompleteRunStage(ctx, rec.ID, model.StageRunning, nil, ""); err != nil {
		return eris.Wrapf(err, "pipeline: mark stage %s running", id)
	}
	r.rl.Info(ctx, in.Run.ID, id, "stage started", nil)

	res, err := stage.Execute(ctx, in)
	if err != nil {
		r.reportError(ctx, in.Run.ID, id, rec, err)
		return err
	}
	if res == nil {
		res = &Result{Status: model.StageSucceeded}
	}

	if err := r.st.CompleteRunStage(ctx, rec.ID, res.Status, res.Metrics, ""); err != nil {
		return eris.Wrapf(err, "pipeline: complete stage %s", id)
	}
	if r.OnStageFinish != nil {
		r.OnStageFinish(id, res)
	}
	r.rl.Info(ctx, in.Run.ID, id, "stage finished", res.Metrics)

	if res.Status == model.StageFailed {
		return eris.Errorf("pipeline: stage %s reported failure", id)
	}
	return nil
}

// reportError persists a stage failure and fires the error callback. The
// original error is returned by the caller; bookkeeping failures are only
// logged.
func (r *Runner) reportError(ctx context.Context, runID, stageID string, rec *model.RunStage, err error) {
	if r.OnStageError != nil {
		r.OnStageError(stageID, err)
	}
	r.rl.Error(ctx, runID, stageID, "stage failed", map[string]any{"error": err.Error()})
	if serr := r.st.CompleteRunStage(ctx, rec.ID, model.StageFailed, nil, err.Error()); serr != nil {
		zap.L().Error("pipeline: persist stage failure",
			zap.String("run_id", runID), zap.String("stage", stageID), zap.Error(serr))
	}
}

func (r *Runner) failRun(ctx context.Context, runID string, err error) {
	if uerr := r.st.UpdateRunStatus(ctx, runID, model.RunFailed, err.Error()); uerr != nil {
		zap.L().Error("pipeline: update run status failed",
			zap.String("run_id", runID), zap.Error(uerr))
	}
	r.rl.Error(ctx, runID, "", "run failed", map[string]any{"error": err.Error()})
}
