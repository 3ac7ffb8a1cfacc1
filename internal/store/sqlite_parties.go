package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

// GetBuyerByName fetches a buyer by its unique name.
func (s *SQLiteStore) GetBuyerByName(ctx context.Context, name string) (*model.Buyer, error) {
	var b model.Buyer
	err := s.q.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM buyers WHERE name = ?`, name).
		Scan(&b.ID, &b.Name, &b.EntityID, &b.MatchStatus, &b.Confidence,
			&b.ManuallyVerified, &b.LastMatchAttempt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan buyer")
	}
	return &b, nil
}

// CreateBuyer inserts a buyer record.
func (s *SQLiteStore) CreateBuyer(ctx context.Context, b *model.Buyer) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.MatchStatus == "" {
		b.MatchStatus = model.MatchPending
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO buyers (name, entity_id, match_status, confidence, manually_verified, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		b.Name, b.EntityID, b.MatchStatus, b.Confidence, b.ManuallyVerified, now, now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create buyer %q", b.Name)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: buyer insert id")
	}
	return nil
}

// UpdateBuyerMatch records a match disposition and stamps the attempt time.
func (s *SQLiteStore) UpdateBuyerMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE buyers SET match_status = ?, entity_id = ?, confidence = ?,
			last_match_attempt = ?, updated_at = ? WHERE id = ?`,
		status, entityID, confidence, now, now, id)
	return eris.Wrapf(err, "sqlite: update buyer match %d", id)
}

// ListPendingBuyers returns the oldest pending buyers up to limit.
func (s *SQLiteStore) ListPendingBuyers(ctx context.Context, limit int) ([]model.Buyer, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+partyColumns+` FROM buyers WHERE match_status = ? ORDER BY id LIMIT ?`,
		model.MatchPending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending buyers")
	}
	defer rows.Close()

	var out []model.Buyer
	for rows.Next() {
		var b model.Buyer
		if err := rows.Scan(&b.ID, &b.Name, &b.EntityID, &b.MatchStatus, &b.Confidence,
			&b.ManuallyVerified, &b.LastMatchAttempt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan buyer")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate buyers")
}

// GetSupplierByName fetches a supplier by its unique name.
func (s *SQLiteStore) GetSupplierByName(ctx context.Context, name string) (*model.Supplier, error) {
	var sp model.Supplier
	err := s.q.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM suppliers WHERE name = ?`, name).
		Scan(&sp.ID, &sp.Name, &sp.EntityID, &sp.MatchStatus, &sp.Confidence,
			&sp.ManuallyVerified, &sp.LastMatchAttempt, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan supplier")
	}
	return &sp, nil
}

// InsertSuppliersPending inserts unseen supplier names as pending records.
// Existing names are left untouched.
func (s *SQLiteStore) InsertSuppliersPending(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var created int64
	for _, n := range names {
		res, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO suppliers (name, match_status, manually_verified, created_at, updated_at)
			 VALUES (?,?,?,?,?)`,
			n, model.MatchPending, false, now, now)
		if err != nil {
			return created, eris.Wrapf(err, "sqlite: insert pending supplier %q", n)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return created, eris.Wrap(err, "sqlite: supplier rows affected")
		}
		created += affected
	}
	return created, nil
}

// UpdateSupplierMatch records a match disposition and stamps the attempt time.
func (s *SQLiteStore) UpdateSupplierMatch(ctx context.Context, id int64, status model.MatchStatus, entityID *int64, confidence *float64) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE suppliers SET match_status = ?, entity_id = ?, confidence = ?,
			last_match_attempt = ?, updated_at = ? WHERE id = ?`,
		status, entityID, confidence, now, now, id)
	return eris.Wrapf(err, "sqlite: update supplier match %d", id)
}

// ListPendingSuppliers returns the oldest pending suppliers up to limit.
func (s *SQLiteStore) ListPendingSuppliers(ctx context.Context, limit int) ([]model.Supplier, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+partyColumns+` FROM suppliers WHERE match_status = ? ORDER BY id LIMIT ?`,
		model.MatchPending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending suppliers")
	}
	defer rows.Close()

	var out []model.Supplier
	for rows.Next() {
		var sp model.Supplier
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.EntityID, &sp.MatchStatus, &sp.Confidence,
			&sp.ManuallyVerified, &sp.LastMatchAttempt, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan supplier")
		}
		out = append(out, sp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate suppliers")
}
