package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	q       db.Pool       // pool or transaction
	pool    *pgxpool.Pool // nil when transaction-scoped
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest run-bookkeeping operations.
var preparedStatements = map[string]string{
	"append_run_log": `INSERT INTO run_logs (run_id, stage, level, message, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
	"update_run_status": `UPDATE pipeline_runs SET status = $1, error = $2,
		started_at = COALESCE(started_at, CASE WHEN $1 = 'running' THEN $3 END),
		finished_at = CASE WHEN $1 IN ('succeeded','failed','cancelled') THEN $3 ELSE finished_at END
		WHERE id = $4`,
	"get_buyer_by_name":    `SELECT id, name, entity_id, match_status, confidence, manually_verified, last_match_attempt, created_at, updated_at FROM buyers WHERE name = $1`,
	"get_supplier_by_name": `SELECT id, name, entity_id, match_status, confidence, manually_verified, last_match_attempt, created_at, updated_at FROM suppliers WHERE name = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{q: pool, pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id             BIGSERIAL PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	registry_id    TEXT NOT NULL,
	name           TEXT NOT NULL,
	name_key       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT '',
	street         TEXT NOT NULL DEFAULT '',
	locality       TEXT NOT NULL DEFAULT '',
	postcode       TEXT NOT NULL DEFAULT '',
	region         TEXT NOT NULL DEFAULT '',
	country        TEXT NOT NULL DEFAULT '',
	latitude       DOUBLE PRECISION,
	longitude      DOUBLE PRECISION,
	total_spent    NUMERIC(15,2) NOT NULL DEFAULT 0,
	total_received NUMERIC(15,2) NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_type, registry_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_name_key ON entities(entity_type, name_key);

CREATE TABLE IF NOT EXISTS companies (
	entity_id      BIGINT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	company_number TEXT NOT NULL,
	company_status TEXT NOT NULL DEFAULT '',
	company_type   TEXT NOT NULL DEFAULT '',
	sic_codes      TEXT NOT NULL DEFAULT '',
	previous_names TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS health_organisations (
	entity_id    BIGINT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	ods_code     TEXT NOT NULL,
	org_sub_type TEXT NOT NULL DEFAULT '',
	parent_code  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS councils (
	entity_id  BIGINT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	gss_code   TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT '',
	parent_gss TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS government_departments (
	entity_id    BIGINT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	slug         TEXT NOT NULL,
	abbreviation TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS buyers (
	id                BIGSERIAL PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	entity_id         BIGINT REFERENCES entities(id),
	match_status      TEXT NOT NULL DEFAULT 'pending',
	confidence        DOUBLE PRECISION,
	manually_verified BOOLEAN NOT NULL DEFAULT false,
	last_match_attempt TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suppliers (
	id                BIGSERIAL PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	entity_id         BIGINT REFERENCES entities(id),
	match_status      TEXT NOT NULL DEFAULT 'pending',
	confidence        DOUBLE PRECISION,
	manually_verified BOOLEAN NOT NULL DEFAULT false,
	last_match_attempt TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_suppliers_status ON suppliers(match_status);
CREATE INDEX IF NOT EXISTS idx_buyers_status ON buyers(match_status);

CREATE TABLE IF NOT EXISTS spend_entries (
	id            BIGSERIAL PRIMARY KEY,
	asset_id      BIGINT NOT NULL,
	buyer_id      BIGINT NOT NULL REFERENCES buyers(id),
	supplier_id   BIGINT REFERENCES suppliers(id),
	buyer_name    TEXT NOT NULL,
	supplier_name TEXT NOT NULL DEFAULT '',
	raw_amount    TEXT NOT NULL DEFAULT '',
	raw_date      TEXT NOT NULL DEFAULT '',
	amount        NUMERIC(15,2) NOT NULL,
	payment_date  DATE NOT NULL,
	sheet_name    TEXT NOT NULL,
	row_number    INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (asset_id, sheet_name, row_number)
);
CREATE INDEX IF NOT EXISTS idx_spend_asset ON spend_entries(asset_id);
CREATE INDEX IF NOT EXISTS idx_spend_buyer ON spend_entries(buyer_id);
CREATE INDEX IF NOT EXISTS idx_spend_supplier ON spend_entries(supplier_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	asset_id    BIGINT NOT NULL,
	source_kind TEXT NOT NULL,
	dry_run     BOOLEAN NOT NULL DEFAULT false,
	from_stage  TEXT NOT NULL DEFAULT '',
	to_stage    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'queued',
	params      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);

CREATE TABLE IF NOT EXISTS run_stages (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	stage_id    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	metrics     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	UNIQUE (run_id, stage_id)
);

CREATE TABLE IF NOT EXISTS run_logs (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	stage      TEXT NOT NULL DEFAULT '',
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	fields     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, id);

CREATE TABLE IF NOT EXISTS skipped_rows (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	asset_id   BIGINT NOT NULL,
	sheet_name TEXT NOT NULL DEFAULT '',
	row_number INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL,
	raw_row    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_skipped_run ON skipped_rows(run_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id  BIGINT NOT NULL,
	action     TEXT NOT NULL,
	before     JSONB,
	after      JSONB,
	actor      TEXT NOT NULL,
	run_id     TEXT,
	stage      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_table_record ON audit_logs(table_name, record_id);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn against a transaction-scoped store. Calling InTx on an
// already transaction-scoped store reuses the open transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	scoped := &PostgresStore{q: tx}
	if err := fn(scoped); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit tx")
	}
	return nil
}

// marshalJSON encodes a map for a JSONB column, nil for empty.
func marshalJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return b, nil
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal json")
	}
	return m, nil
}
