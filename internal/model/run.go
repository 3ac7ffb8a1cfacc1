package model

import "time"

// SourceKind identifies which import variant a run executes.
type SourceKind string

// Source kinds.
const (
	SourceHealth  SourceKind = "health"
	SourceCouncil SourceKind = "council"
	SourceCentral SourceKind = "central_government"
)

// RunStatus is the lifecycle of a pipeline run.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunDeleted   RunStatus = "deleted"
)

// Run is one pipeline execution instance.
type Run struct {
	ID         string         `json:"id" db:"id"`
	AssetID    int64          `json:"asset_id" db:"asset_id"`
	SourceKind SourceKind     `json:"source_kind" db:"source_kind"`
	DryRun     bool           `json:"dry_run" db:"dry_run"`
	FromStage  string         `json:"from_stage,omitempty" db:"from_stage"`
	ToStage    string         `json:"to_stage,omitempty" db:"to_stage"`
	Status     RunStatus      `json:"status" db:"status"`
	Params     map[string]any `json:"params,omitempty" db:"params"`
	Error      string         `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// StageStatus is the lifecycle of one stage within a run.
type StageStatus string

// Stage statuses.
const (
	StageQueued    StageStatus = "queued"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// RunStage records one stage's execution within a run. (RunID, StageID) is
// unique.
type RunStage struct {
	ID         string         `json:"id" db:"id"`
	RunID      string         `json:"run_id" db:"run_id"`
	StageID    string         `json:"stage_id" db:"stage_id"`
	Status     StageStatus    `json:"status" db:"status"`
	Metrics    map[string]any `json:"metrics,omitempty" db:"metrics"`
	Error      string         `json:"error,omitempty" db:"error"`
	StartedAt  *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// LogLevel for run log entries.
type LogLevel string

// Log levels.
const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// RunLog is one durable, structured log entry scoped to a run.
type RunLog struct {
	ID        int64          `json:"id" db:"id"`
	RunID     string         `json:"run_id" db:"run_id"`
	Stage     string         `json:"stage,omitempty" db:"stage"`
	Level     LogLevel       `json:"level" db:"level"`
	Message   string         `json:"message" db:"message"`
	Fields    map[string]any `json:"fields,omitempty" db:"fields"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
