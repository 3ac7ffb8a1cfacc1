package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

// InsertSpendEntries inserts transaction rows one by one with INSERT OR
// IGNORE, deduplicating on (asset_id, sheet_name, row_number).
func (s *SQLiteStore) InsertSpendEntries(ctx context.Context, entries []model.SpendEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var written int64
	for _, e := range entries {
		res, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO spend_entries
				(asset_id, buyer_id, supplier_id, buyer_name, supplier_name,
				 raw_amount, raw_date, amount, payment_date, sheet_name, row_number, created_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.AssetID, e.BuyerID, e.SupplierID, e.BuyerName, e.SupplierName,
			e.RawAmount, e.RawDate, e.Amount, e.PaymentDate, e.SheetName,
			e.RowNumber, now)
		if err != nil {
			return written, eris.Wrap(err, "sqlite: insert spend entry")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return written, eris.Wrap(err, "sqlite: spend rows affected")
		}
		written += affected
	}
	return written, nil
}

// CountSpendForAsset returns the number of spend entries for one asset.
func (s *SQLiteStore) CountSpendForAsset(ctx context.Context, assetID int64) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM spend_entries WHERE asset_id = ?`, assetID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count spend for asset %d", assetID)
}

// DeleteSpendForAsset removes all spend entries imported from one asset.
func (s *SQLiteStore) DeleteSpendForAsset(ctx context.Context, assetID int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM spend_entries WHERE asset_id = ?`, assetID)
	return eris.Wrapf(err, "sqlite: delete spend for asset %d", assetID)
}

// TruncateSource removes spend entries, buyers and the source's type-specific
// entities ahead of a full reimport.
func (s *SQLiteStore) TruncateSource(ctx context.Context, kind model.SourceKind) error {
	types := sourceEntityTypes(kind)
	if types == nil {
		return eris.Errorf("sqlite: unknown source kind %q", kind)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
	}

	for _, sql := range []string{
		`DELETE FROM spend_entries`,
		`DELETE FROM buyers`,
	} {
		if _, err := s.q.ExecContext(ctx, sql); err != nil {
			return eris.Wrapf(err, "sqlite: truncate source %s", kind)
		}
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type IN (`+placeholders+`)`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: truncate source %s", kind)
	}
	return nil
}

// InsertSkippedRows flushes a batch of skip diagnostics.
func (s *SQLiteStore) InsertSkippedRows(ctx context.Context, skipped []model.SkippedRow) (int64, error) {
	if len(skipped) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for _, r := range skipped {
		raw, err := json.Marshal(r.RawRow)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal raw row")
		}
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO skipped_rows (run_id, asset_id, sheet_name, row_number, reason, raw_row, created_at)
			 VALUES (?,?,?,?,?,?,?)`,
			r.RunID, r.AssetID, r.SheetName, r.RowNumber, r.Reason, string(raw), now)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert skipped row")
		}
	}
	return int64(len(skipped)), nil
}

// AppendAudit records one before/after change.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	before, err := jsonText(entry.Before)
	if err != nil {
		return err
	}
	after, err := jsonText(entry.After)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO audit_logs (table_name, record_id, action, before, after, actor, run_id, stage, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		entry.TableName, entry.RecordID, entry.Action, before, after,
		entry.Actor, entry.RunID, entry.Stage, time.Now().UTC())
	return eris.Wrap(err, "sqlite: append audit")
}
