// Package store defines the persistence interface for the ingestion pipeline
// and its Postgres and SQLite implementations.
package store

import (
	"context"

	"github.com/openspend/spend-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	AssetID int64           `json:"asset_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// EntityName is a light projection used by the fuzzy-match pass.
type EntityName struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	NameKey string `json:"name_key" db:"name_key"`
}

// Store is the persistence interface for the ingestion pipeline. Lookup
// methods return (nil, nil) when no row matches.
type Store interface {
	// Canonical entities
	GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error)
	// GetEntityByNameKey matches an already-resolved entity by normalized
	// name, excluding placeholder registry ids.
	GetEntityByNameKey(ctx context.Context, t model.EntityType, nameKey string) (*model.Entity, error)
	ListEntityNames(ctx context.Context, t model.EntityType) ([]EntityName, error)
	// CreateEntity inserts the entity and its type-detail record atomically.
	CreateEntity(ctx context.Context, e *model.Entity, detail *model.EntityDetail) error
	UpdateEntityLocation(ctx context.Context, id int64, lat, lon float64, region, country string) error
	EntitiesNeedingLocation(ctx context.Context, limit int) ([]model.Entity, error)

	// Cached totals
	RefreshTotalsForAsset(ctx context.Context, assetID int64) (int64, error)

	// Buyers and suppliers
	GetBuyerByName(ctx context.Context, name string) (*model.Buyer, error)
	CreateBuyer(ctx context.Context, b *model.Buyer) error
	UpdateBuyerMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error
	ListPendingBuyers(ctx context.Context, limit int) ([]model.Buyer, error)
	GetSupplierByName(ctx context.Context, name string) (*model.Supplier, error)
	// InsertSuppliersPending bulk-inserts unseen supplier names as pending;
	// existing names are left untouched. Returns the number created.
	InsertSuppliersPending(ctx context.Context, names []string) (int64, error)
	UpdateSupplierMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error
	ListPendingSuppliers(ctx context.Context, limit int) ([]model.Supplier, error)

	// Spend entries
	// InsertSpendEntries dedups on (asset_id, sheet_name, row_number) so a
	// re-import of the same asset is a no-op. Returns rows actually written.
	InsertSpendEntries(ctx context.Context, entries []model.SpendEntry) (int64, error)
	CountSpendForAsset(ctx context.Context, assetID int64) (int64, error)
	DeleteSpendForAsset(ctx context.Context, assetID int64) error
	// TruncateSource removes spend entries, buyers and type-specific
	// entities for a full reimport of one source kind.
	TruncateSource(ctx context.Context, kind model.SourceKind) error

	// Runs and stages
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errText string) error
	// DeleteRun cascades the run's imported data and marks it deleted.
	// Fails if the run is currently running.
	DeleteRun(ctx context.Context, id string) error
	CreateRunStage(ctx context.Context, runID, stageID string) (*model.RunStage, error)
	CompleteRunStage(ctx context.Context, id string, status model.StageStatus, metrics map[string]any, errText string) error
	ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error)

	// Diagnostics
	AppendRunLog(ctx context.Context, entry *model.RunLog) error
	ListRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]model.RunLog, error)
	InsertSkippedRows(ctx context.Context, rows []model.SkippedRow) (int64, error)
	AppendAudit(ctx context.Context, entry *model.AuditLog) error

	// Lifecycle
	// InTx runs fn against a transaction-scoped Store. The import stage
	// relies on this for its all-or-nothing write semantics.
	InTx(ctx context.Context, fn func(Store) error) error
	Migrate(ctx context.Context) error
	Close() error
}
