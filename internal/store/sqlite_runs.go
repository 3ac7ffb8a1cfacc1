package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

func scanRunSQLite(row interface{ Scan(...any) error }) (*model.Run, error) {
	var r model.Run
	var params sql.NullString
	err := row.Scan(&r.ID, &r.AssetID, &r.SourceKind, &r.DryRun, &r.FromStage,
		&r.ToStage, &r.Status, &params, &r.Error, &r.CreatedAt, &r.StartedAt,
		&r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if r.Params, err = jsonFromText(params); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a queued run, assigning its id.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	run.CreatedAt = time.Now().UTC()

	params, err := jsonText(run.Params)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, asset_id, source_kind, dry_run, from_stage, to_stage, status, params, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.AssetID, run.SourceKind, run.DryRun, run.FromStage,
		run.ToStage, run.Status, params, run.CreatedAt)
	return eris.Wrap(err, "sqlite: create run")
}

// GetRun fetches one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return scanRunSQLite(s.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
}

// ListRuns lists runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AssetID > 0 {
		query += ` AND asset_id = ?`
		args = append(args, filter.AssetID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var params sql.NullString
		if err := rows.Scan(&r.ID, &r.AssetID, &r.SourceKind, &r.DryRun, &r.FromStage,
			&r.ToStage, &r.Status, &params, &r.Error, &r.CreatedAt, &r.StartedAt,
			&r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if r.Params, err = jsonFromText(params); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// UpdateRunStatus transitions a run, stamping start/finish times.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errText string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, error = ?,
			started_at = CASE WHEN ? = 'running' THEN COALESCE(started_at, ?) ELSE started_at END,
			finished_at = CASE WHEN ? IN ('succeeded','failed','cancelled') THEN ? ELSE finished_at END
		 WHERE id = ?`,
		status, errText, status, time.Now().UTC(), status, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: update run status %s", id)
}

// DeleteRun marks the run deleted and removes the spend entries and skip
// diagnostics its asset produced. Refuses while the run is mid-flight.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return eris.Errorf("sqlite: run %s not found", id)
	}
	if run.Status == model.RunRunning {
		return ErrRunActive
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM spend_entries WHERE asset_id = ?`, run.AssetID); err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s spend", id)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM skipped_rows WHERE run_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s skips", id)
	}
	_, err = s.q.ExecContext(ctx, `UPDATE pipeline_runs SET status = ?, finished_at = ? WHERE id = ?`,
		model.RunDeleted, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: mark run %s deleted", id)
}

// CreateRunStage inserts a queued stage record for the run.
func (s *SQLiteStore) CreateRunStage(ctx context.Context, runID, stageID string) (*model.RunStage, error) {
	st := &model.RunStage{
		ID:      uuid.NewString(),
		RunID:   runID,
		StageID: stageID,
		Status:  model.StageQueued,
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_stages (id, run_id, stage_id, status) VALUES (?,?,?,?)`,
		st.ID, st.RunID, st.StageID, st.Status)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create run stage %s/%s", runID, stageID)
	}
	return st, nil
}

// CompleteRunStage finalizes a stage with status, metrics and error text.
func (s *SQLiteStore) CompleteRunStage(ctx context.Context, id string, status model.StageStatus, metrics map[string]any, errText string) error {
	m, err := jsonText(metrics)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.q.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, metrics = ?, error = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = CASE WHEN ? IN ('succeeded','failed','skipped') THEN ? ELSE finished_at END
		 WHERE id = ?`,
		status, m, errText, now, status, now, id)
	return eris.Wrapf(err, "sqlite: complete run stage %s", id)
}

// ListRunStages lists stage records for a run.
func (s *SQLiteStore) ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, run_id, stage_id, status, metrics, error, started_at, finished_at
		 FROM run_stages WHERE run_id = ?
		 ORDER BY started_at IS NULL, started_at, stage_id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run stages")
	}
	defer rows.Close()

	var out []model.RunStage
	for rows.Next() {
		var st model.RunStage
		var metrics sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.StageID, &st.Status, &metrics,
			&st.Error, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stage")
		}
		if st.Metrics, err = jsonFromText(metrics); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run stages")
}

// AppendRunLog writes one durable log entry.
func (s *SQLiteStore) AppendRunLog(ctx context.Context, entry *model.RunLog) error {
	fields, err := jsonText(entry.Fields)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, stage, level, message, fields, created_at)
		 VALUES (?,?,?,?,?,?)`,
		entry.RunID, entry.Stage, entry.Level, entry.Message, fields, entry.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: append run log")
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: run log insert id")
	}
	return nil
}

// ListRunLogs pages a run's log entries after the given id.
func (s *SQLiteStore) ListRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]model.RunLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, run_id, stage, level, message, fields, created_at
		 FROM run_logs WHERE run_id = ? AND id > ? ORDER BY id LIMIT ?`,
		runID, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run logs")
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		var l model.RunLog
		var fields sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &l.Stage, &l.Level, &l.Message, &fields, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run log")
		}
		if l.Fields, err = jsonFromText(fields); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run logs")
}
