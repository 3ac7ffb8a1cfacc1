package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/db"
	"github.com/openspend/spend-cli/internal/model"
)

const partyColumns = `id, name, entity_id, match_status, confidence,
	manually_verified, last_match_attempt, created_at, updated_at`

func scanBuyer(row pgx.Row) (*model.Buyer, error) {
	var b model.Buyer
	err := row.Scan(&b.ID, &b.Name, &b.EntityID, &b.MatchStatus, &b.Confidence,
		&b.ManuallyVerified, &b.LastMatchAttempt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan buyer")
	}
	return &b, nil
}

// GetBuyerByName fetches a buyer by its unique name.
func (s *PostgresStore) GetBuyerByName(ctx context.Context, name string) (*model.Buyer, error) {
	row := s.q.QueryRow(ctx, `SELECT `+partyColumns+` FROM buyers WHERE name = $1`, name)
	return scanBuyer(row)
}

// CreateBuyer inserts a buyer record.
func (s *PostgresStore) CreateBuyer(ctx context.Context, b *model.Buyer) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.MatchStatus == "" {
		b.MatchStatus = model.MatchPending
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO buyers (name, entity_id, match_status, confidence, manually_verified, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		b.Name, b.EntityID, b.MatchStatus, b.Confidence, b.ManuallyVerified, now, now).Scan(&b.ID)
	return eris.Wrapf(err, "postgres: create buyer %q", b.Name)
}

// UpdateBuyerMatch records a match disposition and stamps the attempt time.
func (s *PostgresStore) UpdateBuyerMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx,
		`UPDATE buyers SET match_status = $1, entity_id = $2, confidence = $3,
			last_match_attempt = $4, updated_at = $4 WHERE id = $5`,
		status, entityID, confidence, now, id)
	return eris.Wrapf(err, "postgres: update buyer match %d", id)
}

// ListPendingBuyers returns the oldest pending buyers up to limit.
func (s *PostgresStore) ListPendingBuyers(ctx context.Context, limit int) ([]model.Buyer, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+partyColumns+` FROM buyers WHERE match_status = $1 ORDER BY id LIMIT $2`,
		model.MatchPending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending buyers")
	}
	defer rows.Close()

	var out []model.Buyer
	for rows.Next() {
		var b model.Buyer
		if err := rows.Scan(&b.ID, &b.Name, &b.EntityID, &b.MatchStatus, &b.Confidence,
			&b.ManuallyVerified, &b.LastMatchAttempt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan buyer")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate buyers")
}

// GetSupplierByName fetches a supplier by its unique name.
func (s *PostgresStore) GetSupplierByName(ctx context.Context, name string) (*model.Supplier, error) {
	var sp model.Supplier
	err := s.q.QueryRow(ctx, `SELECT `+partyColumns+` FROM suppliers WHERE name = $1`, name).
		Scan(&sp.ID, &sp.Name, &sp.EntityID, &sp.MatchStatus, &sp.Confidence,
			&sp.ManuallyVerified, &sp.LastMatchAttempt, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan supplier")
	}
	return &sp, nil
}

// InsertSuppliersPending bulk-inserts unseen supplier names as pending
// records via COPY + ON CONFLICT DO NOTHING.
func (s *PostgresStore) InsertSuppliersPending(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(names))
	for _, n := range names {
		rows = append(rows, []any{n, string(model.MatchPending), false, now, now})
	}
	n, err := db.BulkInsert(ctx, s.q, db.InsertConfig{
		Table:        "suppliers",
		Columns:      []string{"name", "match_status", "manually_verified", "created_at", "updated_at"},
		ConflictKeys: []string{"name"},
	}, rows)
	return n, eris.Wrap(err, "postgres: insert pending suppliers")
}

// UpdateSupplierMatch records a match disposition and stamps the attempt time.
func (s *PostgresStore) UpdateSupplierMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx,
		`UPDATE suppliers SET match_status = $1, entity_id = $2, confidence = $3,
			last_match_attempt = $4, updated_at = $4 WHERE id = $5`,
		status, entityID, confidence, now, id)
	return eris.Wrapf(err, "postgres: update supplier match %d", id)
}

// ListPendingSuppliers returns the oldest pending suppliers up to limit.
func (s *PostgresStore) ListPendingSuppliers(ctx context.Context, limit int) ([]model.Supplier, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+partyColumns+` FROM suppliers WHERE match_status = $1 ORDER BY id LIMIT $2`,
		model.MatchPending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending suppliers")
	}
	defer rows.Close()

	var out []model.Supplier
	for rows.Next() {
		var sp model.Supplier
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.EntityID, &sp.MatchStatus, &sp.Confidence,
			&sp.ManuallyVerified, &sp.LastMatchAttempt, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan supplier")
		}
		out = append(out, sp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate suppliers")
}
