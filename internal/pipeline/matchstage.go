package pipeline

import (
	"context"

	"github.com/openspend/spend-cli/internal/match"
	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/internal/store"
)

// MatchStage sweeps the pending buyer/supplier backlog left by the import.
type MatchStage struct {
	st   store.Store
	res  *resolver.Resolver
	opts []match.Option
}

// NewMatchStage builds the matching stage. Options are forwarded to the
// per-run Matcher (cooldown, batch limit).
func NewMatchStage(st store.Store, res *resolver.Resolver, opts ...match.Option) *MatchStage {
	return &MatchStage{st: st, res: res, opts: opts}
}

// ID implements Stage.
func (s *MatchStage) ID() string { return StageMatch }

// Validate implements Stage.
func (s *MatchStage) Validate(_ *Input) error { return nil }

// Execute implements Stage.
func (s *MatchStage) Execute(ctx context.Context, in *Input) (*Result, error) {
	if in.Run.DryRun {
		return &Result{Status: model.StageSkipped, Metrics: map[string]any{"reason": "dry_run"}}, nil
	}

	m := match.New(s.st, s.res, in.Source.EntityType, s.opts...)
	metrics, err := m.Sweep(ctx, in.RC)
	if err != nil {
		return nil, err
	}
	return &Result{Status: model.StageSucceeded, Metrics: metrics.Map()}, nil
}
