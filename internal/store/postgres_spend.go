package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/db"
	"github.com/openspend/spend-cli/internal/model"
)

var spendColumns = []string{
	"asset_id", "buyer_id", "supplier_id", "buyer_name", "supplier_name",
	"raw_amount", "raw_date", "amount", "payment_date", "sheet_name",
	"row_number", "created_at",
}

// InsertSpendEntries batch-inserts transaction rows, deduplicating on
// (asset_id, sheet_name, row_number) so re-imports are idempotent.
func (s *PostgresStore) InsertSpendEntries(ctx context.Context, entries []model.SpendEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.AssetID, e.BuyerID, e.SupplierID, e.BuyerName, e.SupplierName,
			e.RawAmount, e.RawDate, e.Amount, e.PaymentDate, e.SheetName,
			e.RowNumber, now,
		})
	}
	n, err := db.BulkInsert(ctx, s.q, db.InsertConfig{
		Table:        "spend_entries",
		Columns:      spendColumns,
		ConflictKeys: []string{"asset_id", "sheet_name", "row_number"},
	}, rows)
	return n, eris.Wrap(err, "postgres: insert spend entries")
}

// CountSpendForAsset returns the number of spend entries for one asset.
func (s *PostgresStore) CountSpendForAsset(ctx context.Context, assetID int64) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM spend_entries WHERE asset_id = $1`, assetID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count spend for asset %d", assetID)
}

// DeleteSpendForAsset removes all spend entries imported from one asset.
func (s *PostgresStore) DeleteSpendForAsset(ctx context.Context, assetID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM spend_entries WHERE asset_id = $1`, assetID)
	return eris.Wrapf(err, "postgres: delete spend for asset %d", assetID)
}

// sourceEntityTypes maps a source kind to the entity types its truncate-all
// mode removes.
func sourceEntityTypes(kind model.SourceKind) []model.EntityType {
	switch kind {
	case model.SourceHealth:
		return []model.EntityType{model.TypeHealthTrust, model.TypeHealthICB, model.TypeHealthGP}
	case model.SourceCouncil:
		return []model.EntityType{model.TypeCouncil}
	case model.SourceCentral:
		return []model.EntityType{model.TypeGovDepartment}
	default:
		return nil
	}
}

// TruncateSource removes spend entries, buyers and the source's type-specific
// entities ahead of a full reimport.
func (s *PostgresStore) TruncateSource(ctx context.Context, kind model.SourceKind) error {
	types := sourceEntityTypes(kind)
	if types == nil {
		return eris.Errorf("postgres: unknown source kind %q", kind)
	}
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	statements := []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM spend_entries`, nil},
		{`DELETE FROM buyers`, nil},
		{`DELETE FROM entities WHERE entity_type = ANY($1)`, []any{typeNames}},
	}
	for _, st := range statements {
		if _, err := s.q.Exec(ctx, st.sql, st.args...); err != nil {
			return eris.Wrapf(err, "postgres: truncate source %s", kind)
		}
	}
	return nil
}

// InsertSkippedRows flushes a batch of skip diagnostics.
func (s *PostgresStore) InsertSkippedRows(ctx context.Context, skipped []model.SkippedRow) (int64, error) {
	if len(skipped) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(skipped))
	for _, r := range skipped {
		raw, err := json.Marshal(r.RawRow)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal raw row")
		}
		rows = append(rows, []any{r.RunID, r.AssetID, r.SheetName, r.RowNumber, r.Reason, raw, now})
	}
	n, err := db.CopyFrom(ctx, s.q, "skipped_rows",
		[]string{"run_id", "asset_id", "sheet_name", "row_number", "reason", "raw_row", "created_at"},
		rows)
	return n, eris.Wrap(err, "postgres: insert skipped rows")
}

// AppendAudit records one before/after change.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	before, err := marshalJSON(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalJSON(entry.After)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO audit_logs (table_name, record_id, action, before, after, actor, run_id, stage, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.TableName, entry.RecordID, entry.Action, before, after,
		entry.Actor, entry.RunID, entry.Stage, time.Now().UTC())
	return eris.Wrap(err, "postgres: append audit")
}
