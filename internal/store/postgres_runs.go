package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

// ErrRunActive is returned when deleting a run that is still executing.
var ErrRunActive = eris.New("store: run is currently running")

const runColumns = `id, asset_id, source_kind, dry_run, from_stage, to_stage,
	status, params, error, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var params []byte
	err := row.Scan(&r.ID, &r.AssetID, &r.SourceKind, &r.DryRun, &r.FromStage,
		&r.ToStage, &r.Status, &params, &r.Error, &r.CreatedAt, &r.StartedAt,
		&r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if r.Params, err = unmarshalJSON(params); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a queued run, assigning its id.
func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	run.CreatedAt = time.Now().UTC()

	params, err := marshalJSON(run.Params)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO pipeline_runs (id, asset_id, source_kind, dry_run, from_stage, to_stage, status, params, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		run.ID, run.AssetID, run.SourceKind, run.DryRun, run.FromStage,
		run.ToStage, run.Status, params, run.CreatedAt)
	return eris.Wrap(err, "postgres: create run")
}

// GetRun fetches one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return scanRun(s.q.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
}

// ListRuns lists runs matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	sql := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.AssetID > 0 {
		args = append(args, filter.AssetID)
		sql += fmt.Sprintf(" AND asset_id = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var params []byte
		if err := rows.Scan(&r.ID, &r.AssetID, &r.SourceKind, &r.DryRun, &r.FromStage,
			&r.ToStage, &r.Status, &params, &r.Error, &r.CreatedAt, &r.StartedAt,
			&r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if r.Params, err = unmarshalJSON(params); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// UpdateRunStatus transitions a run, stamping start/finish times.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errText string) error {
	_, err := s.q.Exec(ctx, "update_run_status", status, errText, time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: update run status %s", id)
}

// DeleteRun marks the run deleted and removes the spend entries and skip
// diagnostics its asset produced. Refuses while the run is mid-flight.
func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return eris.Errorf("postgres: run %s not found", id)
	}
	if run.Status == model.RunRunning {
		return ErrRunActive
	}

	if _, err := s.q.Exec(ctx, `DELETE FROM spend_entries WHERE asset_id = $1`, run.AssetID); err != nil {
		return eris.Wrapf(err, "postgres: delete run %s spend", id)
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM skipped_rows WHERE run_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete run %s skips", id)
	}
	_, err = s.q.Exec(ctx, `UPDATE pipeline_runs SET status = $1, finished_at = $2 WHERE id = $3`,
		model.RunDeleted, time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: mark run %s deleted", id)
}

// CreateRunStage inserts a queued stage record for the run.
func (s *PostgresStore) CreateRunStage(ctx context.Context, runID, stageID string) (*model.RunStage, error) {
	st := &model.RunStage{
		ID:      uuid.NewString(),
		RunID:   runID,
		StageID: stageID,
		Status:  model.StageQueued,
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO run_stages (id, run_id, stage_id, status) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (run_id, stage_id) DO NOTHING`,
		st.ID, st.RunID, st.StageID, st.Status)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create run stage %s/%s", runID, stageID)
	}
	return st, nil
}

// CompleteRunStage finalizes a stage with status, metrics and error text.
func (s *PostgresStore) CompleteRunStage(ctx context.Context, id string, status model.StageStatus, metrics map[string]any, errText string) error {
	m, err := marshalJSON(metrics)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.q.Exec(ctx,
		`UPDATE run_stages SET status = $1, metrics = $2, error = $3,
			started_at = COALESCE(started_at, $4),
			finished_at = CASE WHEN $1 IN ('succeeded','failed','skipped') THEN $4 ELSE finished_at END
		 WHERE id = $5`,
		status, m, errText, now, id)
	return eris.Wrapf(err, "postgres: complete run stage %s", id)
}

// ListRunStages lists stage records for a run in creation order.
func (s *PostgresStore) ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, run_id, stage_id, status, metrics, error, started_at, finished_at
		 FROM run_stages WHERE run_id = $1 ORDER BY started_at NULLS LAST, stage_id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run stages")
	}
	defer rows.Close()

	var out []model.RunStage
	for rows.Next() {
		var st model.RunStage
		var metrics []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.StageID, &st.Status, &metrics,
			&st.Error, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stage")
		}
		if st.Metrics, err = unmarshalJSON(metrics); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate run stages")
}

// AppendRunLog writes one durable log entry.
func (s *PostgresStore) AppendRunLog(ctx context.Context, entry *model.RunLog) error {
	fields, err := marshalJSON(entry.Fields)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err = s.q.QueryRow(ctx, "append_run_log",
		entry.RunID, entry.Stage, entry.Level, entry.Message, fields, entry.CreatedAt).
		Scan(&entry.ID)
	return eris.Wrap(err, "postgres: append run log")
}

// ListRunLogs pages a run's log entries after the given id.
func (s *PostgresStore) ListRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]model.RunLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, run_id, stage, level, message, fields, created_at
		 FROM run_logs WHERE run_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		runID, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run logs")
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		var l model.RunLog
		var fields []byte
		if err := rows.Scan(&l.ID, &l.RunID, &l.Stage, &l.Level, &l.Message, &fields, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run log")
		}
		if l.Fields, err = unmarshalJSON(fields); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate run logs")
}
