package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/model"
)

const entityColumns = `id, entity_type, registry_id, name, name_key, status,
	street, locality, postcode, region, country, latitude, longitude,
	total_spent, total_received, created_at, updated_at`

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.EntityType, &e.RegistryID, &e.Name, &e.NameKey,
		&e.Status, &e.Street, &e.Locality, &e.Postcode, &e.Region, &e.Country,
		&e.Latitude, &e.Longitude, &e.TotalSpent, &e.TotalReceived,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan entity")
	}
	return &e, nil
}

// GetEntityByRegistryID fetches the canonical entity for (type, registry id).
func (s *PostgresStore) GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = $1 AND registry_id = $2`,
		t, registryID)
	return scanEntity(row)
}

// GetEntityByNameKey matches on normalized name, skipping placeholder ids so
// a later import with a real registry code is not shadowed.
func (s *PostgresStore) GetEntityByNameKey(ctx context.Context, t model.EntityType, nameKey string) (*model.Entity, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE entity_type = $1 AND name_key = $2 AND registry_id NOT LIKE $3
		 ORDER BY id LIMIT 1`,
		t, nameKey, model.PlaceholderPrefix+"%")
	return scanEntity(row)
}

// ListEntityNames returns id/name projections for the fuzzy-match pass.
func (s *PostgresStore) ListEntityNames(ctx context.Context, t model.EntityType) ([]EntityName, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, name, name_key FROM entities
		 WHERE entity_type = $1 AND registry_id NOT LIKE $2`,
		t, model.PlaceholderPrefix+"%")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entity names")
	}
	defer rows.Close()

	var out []EntityName
	for rows.Next() {
		var n EntityName
		if err := rows.Scan(&n.ID, &n.Name, &n.NameKey); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity name")
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entity names")
}

// CreateEntity inserts the entity and its type-detail record. The caller's
// transaction (via InTx) makes the pair atomic.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity, detail *model.EntityDetail) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	err := s.q.QueryRow(ctx,
		`INSERT INTO entities (entity_type, registry_id, name, name_key, status,
			street, locality, postcode, region, country, latitude, longitude,
			total_spent, total_received, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING id`,
		e.EntityType, e.RegistryID, e.Name, e.NameKey, e.Status,
		e.Street, e.Locality, e.Postcode, e.Region, e.Country,
		e.Latitude, e.Longitude, e.TotalSpent, e.TotalReceived,
		e.CreatedAt, e.UpdatedAt).Scan(&e.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: create entity %s/%s", e.EntityType, e.RegistryID)
	}

	if detail == nil {
		return nil
	}

	switch {
	case detail.Company != nil:
		d := detail.Company
		_, err = s.q.Exec(ctx,
			`INSERT INTO companies (entity_id, company_number, company_status, company_type, sic_codes, previous_names, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.ID, d.CompanyNumber, d.CompanyStatus, d.CompanyType, d.SICCodes, d.PreviousNames, now)
	case detail.HealthOrg != nil:
		d := detail.HealthOrg
		_, err = s.q.Exec(ctx,
			`INSERT INTO health_organisations (entity_id, ods_code, org_sub_type, parent_code, created_at)
			 VALUES ($1,$2,$3,$4,$5)`,
			e.ID, d.ODSCode, d.OrgSubType, d.ParentCode, now)
	case detail.Council != nil:
		d := detail.Council
		_, err = s.q.Exec(ctx,
			`INSERT INTO councils (entity_id, gss_code, tier, parent_gss, created_at)
			 VALUES ($1,$2,$3,$4,$5)`,
			e.ID, d.GSSCode, d.Tier, d.ParentGSS, now)
	case detail.Department != nil:
		d := detail.Department
		_, err = s.q.Exec(ctx,
			`INSERT INTO government_departments (entity_id, slug, abbreviation, format, created_at)
			 VALUES ($1,$2,$3,$4,$5)`,
			e.ID, d.Slug, d.Abbreviation, d.Format, now)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: create entity detail for %d", e.ID)
	}
	return nil
}

// UpdateEntityLocation writes geocoding results.
func (s *PostgresStore) UpdateEntityLocation(ctx context.Context, id int64, lat, lon float64, region, country string) error {
	_, err := s.q.Exec(ctx,
		`UPDATE entities SET latitude = $1, longitude = $2, region = $3, country = $4, updated_at = $5
		 WHERE id = $6`,
		lat, lon, region, country, time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: update entity location %d", id)
}

// EntitiesNeedingLocation lists entities with a postcode but no coordinates.
func (s *PostgresStore) EntitiesNeedingLocation(ctx context.Context, limit int) ([]model.Entity, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE postcode <> '' AND latitude IS NULL
		 ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: entities needing location")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.EntityType, &e.RegistryID, &e.Name, &e.NameKey,
			&e.Status, &e.Street, &e.Locality, &e.Postcode, &e.Region, &e.Country,
			&e.Latitude, &e.Longitude, &e.TotalSpent, &e.TotalReceived,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

// RefreshTotalsForAsset recomputes cached totals for exactly the entities
// touched by one asset's spend entries. Cost stays proportional to the
// asset's footprint, not total history size.
func (s *PostgresStore) RefreshTotalsForAsset(ctx context.Context, assetID int64) (int64, error) {
	const touched = `
		SELECT b.entity_id AS id FROM spend_entries se
			JOIN buyers b ON b.id = se.buyer_id
			WHERE se.asset_id = $1 AND b.entity_id IS NOT NULL
		UNION
		SELECT sp.entity_id FROM spend_entries se
			JOIN suppliers sp ON sp.id = se.supplier_id
			WHERE se.asset_id = $1 AND sp.entity_id IS NOT NULL`

	tag, err := s.q.Exec(ctx, `
		UPDATE entities e SET
			total_spent = COALESCE((
				SELECT SUM(se.amount) FROM spend_entries se
				JOIN buyers b ON b.id = se.buyer_id
				WHERE b.entity_id = e.id), 0),
			total_received = COALESCE((
				SELECT SUM(se.amount) FROM spend_entries se
				JOIN suppliers sp ON sp.id = se.supplier_id
				WHERE sp.entity_id = e.id), 0),
			updated_at = now()
		WHERE e.id IN (`+touched+`)`, assetID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: refresh totals for asset %d", assetID)
	}
	return tag.RowsAffected(), nil
}
