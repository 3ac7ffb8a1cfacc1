package model

import "time"

// AuditLog is an append-only before/after change record. Actor is either a
// pipeline run+stage ("run:<id>/<stage>") or a human operator identifier.
type AuditLog struct {
	ID        int64          `json:"id" db:"id"`
	TableName string         `json:"table_name" db:"table_name"`
	RecordID  int64          `json:"record_id" db:"record_id"`
	Action    string         `json:"action" db:"action"`
	Before    map[string]any `json:"before,omitempty" db:"before"`
	After     map[string]any `json:"after,omitempty" db:"after"`
	Actor     string         `json:"actor" db:"actor"`
	RunID     *string        `json:"run_id,omitempty" db:"run_id"`
	Stage     string         `json:"stage,omitempty" db:"stage"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Audit actions.
const (
	AuditCreate = "create"
	AuditUpdate = "update"
	AuditDelete = "delete"
)

// RunActor formats a pipeline actor string for audit attribution.
func RunActor(runID, stage string) string {
	return "run:" + runID + "/" + stage
}
