// Package pipeline implements the run orchestrator and its stages: workbook
// import, backlog matching, cached-total refresh and location enrichment.
package pipeline

import (
	"context"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
)

// Stage ids, in execution order.
const (
	StageImport = "import"
	StageMatch  = "matchSuppliers"
	StageTotals = "refreshTotals"
	StageEnrich = "enrichLocations"
)

// Input is the shared stage input for one run.
type Input struct {
	Run    *model.Run
	Source SourceType
	// Truncate deletes all prior data for the source kind before import.
	Truncate bool
	// RC is the run-scoped resolution cache, owned by the executing stage.
	RC *resolver.Context
}

// Result is one stage's outcome.
type Result struct {
	Status  model.StageStatus
	Metrics map[string]any
}

// Stage is one step of the fixed pipeline. Validate runs before any side
// effect; Execute owns its own transaction scope.
type Stage interface {
	ID() string
	Validate(in *Input) error
	Execute(ctx context.Context, in *Input) (*Result, error)
}
