package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

func scanEntitySQLite(row interface{ Scan(...any) error }) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.EntityType, &e.RegistryID, &e.Name, &e.NameKey,
		&e.Status, &e.Street, &e.Locality, &e.Postcode, &e.Region, &e.Country,
		&e.Latitude, &e.Longitude, &e.TotalSpent, &e.TotalReceived,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}
	return &e, nil
}

// GetEntityByRegistryID fetches the canonical entity for (type, registry id).
func (s *SQLiteStore) GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND registry_id = ?`,
		t, registryID)
	return scanEntitySQLite(row)
}

// GetEntityByNameKey matches on normalized name, skipping placeholder ids so
// a later import with a real registry code is not shadowed.
func (s *SQLiteStore) GetEntityByNameKey(ctx context.Context, t model.EntityType, nameKey string) (*model.Entity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE entity_type = ? AND name_key = ? AND registry_id NOT LIKE ?
		 ORDER BY id LIMIT 1`,
		t, nameKey, model.PlaceholderPrefix+"%")
	return scanEntitySQLite(row)
}

// ListEntityNames returns id/name projections for the fuzzy-match pass.
func (s *SQLiteStore) ListEntityNames(ctx context.Context, t model.EntityType) ([]EntityName, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, name_key FROM entities
		 WHERE entity_type = ? AND registry_id NOT LIKE ?`,
		t, model.PlaceholderPrefix+"%")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entity names")
	}
	defer rows.Close()

	var out []EntityName
	for rows.Next() {
		var n EntityName
		if err := rows.Scan(&n.ID, &n.Name, &n.NameKey); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity name")
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entity names")
}

// CreateEntity inserts the entity and its type-detail record. The caller's
// transaction (via InTx) makes the pair atomic.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity, detail *model.EntityDetail) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO entities (entity_type, registry_id, name, name_key, status,
			street, locality, postcode, region, country, latitude, longitude,
			total_spent, total_received, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntityType, e.RegistryID, e.Name, e.NameKey, e.Status,
		e.Street, e.Locality, e.Postcode, e.Region, e.Country,
		e.Latitude, e.Longitude, e.TotalSpent, e.TotalReceived,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create entity %s/%s", e.EntityType, e.RegistryID)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: entity insert id")
	}

	if detail == nil {
		return nil
	}

	switch {
	case detail.Company != nil:
		d := detail.Company
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO companies (entity_id, company_number, company_status, company_type, sic_codes, previous_names, created_at)
			 VALUES (?,?,?,?,?,?,?)`,
			e.ID, d.CompanyNumber, d.CompanyStatus, d.CompanyType, d.SICCodes, d.PreviousNames, now)
	case detail.HealthOrg != nil:
		d := detail.HealthOrg
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO health_organisations (entity_id, ods_code, org_sub_type, parent_code, created_at)
			 VALUES (?,?,?,?,?)`,
			e.ID, d.ODSCode, d.OrgSubType, d.ParentCode, now)
	case detail.Council != nil:
		d := detail.Council
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO councils (entity_id, gss_code, tier, parent_gss, created_at)
			 VALUES (?,?,?,?,?)`,
			e.ID, d.GSSCode, d.Tier, d.ParentGSS, now)
	case detail.Department != nil:
		d := detail.Department
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO government_departments (entity_id, slug, abbreviation, format, created_at)
			 VALUES (?,?,?,?,?)`,
			e.ID, d.Slug, d.Abbreviation, d.Format, now)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: create entity detail for %d", e.ID)
	}
	return nil
}

// UpdateEntityLocation writes geocoding results.
func (s *SQLiteStore) UpdateEntityLocation(ctx context.Context, id int64, lat, lon float64, region, country string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE entities SET latitude = ?, longitude = ?, region = ?, country = ?, updated_at = ?
		 WHERE id = ?`,
		lat, lon, region, country, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: update entity location %d", id)
}

// EntitiesNeedingLocation lists entities with a postcode but no coordinates.
func (s *SQLiteStore) EntitiesNeedingLocation(ctx context.Context, limit int) ([]model.Entity, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE postcode <> '' AND latitude IS NULL
		 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: entities needing location")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.EntityType, &e.RegistryID, &e.Name, &e.NameKey,
			&e.Status, &e.Street, &e.Locality, &e.Postcode, &e.Region, &e.Country,
			&e.Latitude, &e.Longitude, &e.TotalSpent, &e.TotalReceived,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

// RefreshTotalsForAsset recomputes cached totals for exactly the entities
// touched by one asset's spend entries. SQLite stores amounts as TEXT, so the
// sums are computed over CAST REAL values and written back as text.
func (s *SQLiteStore) RefreshTotalsForAsset(ctx context.Context, assetID int64) (int64, error) {
	const touched = `
		SELECT b.entity_id AS id FROM spend_entries se
			JOIN buyers b ON b.id = se.buyer_id
			WHERE se.asset_id = ? AND b.entity_id IS NOT NULL
		UNION
		SELECT sp.entity_id FROM spend_entries se
			JOIN suppliers sp ON sp.id = se.supplier_id
			WHERE se.asset_id = ? AND sp.entity_id IS NOT NULL`

	res, err := s.q.ExecContext(ctx, `
		UPDATE entities SET
			total_spent = CAST(COALESCE((
				SELECT ROUND(SUM(CAST(se.amount AS REAL)), 2) FROM spend_entries se
				JOIN buyers b ON b.id = se.buyer_id
				WHERE b.entity_id = entities.id), 0) AS TEXT),
			total_received = CAST(COALESCE((
				SELECT ROUND(SUM(CAST(se.amount AS REAL)), 2) FROM spend_entries se
				JOIN suppliers sp ON sp.id = se.supplier_id
				WHERE sp.entity_id = entities.id), 0) AS TEXT),
			updated_at = ?
		WHERE entities.id IN (`+touched+`)`,
		time.Now().UTC(), assetID, assetID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: refresh totals for asset %d", assetID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: refresh totals rows affected")
}
