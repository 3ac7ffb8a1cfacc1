package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the shared store test suite.
type SQLiteStore struct {
	db *sql.DB
	q  sqliteQ
	tx *sql.Tx
}

// sqliteQ is the query surface shared by *sql.DB and *sql.Tx.
type sqliteQ interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
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
	latitude       REAL,
	longitude      REAL,
	total_spent    TEXT NOT NULL DEFAULT '0',
	total_received TEXT NOT NULL DEFAULT '0',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (entity_type, registry_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_name_key ON entities(entity_type, name_key);

CREATE TABLE IF NOT EXISTS companies (
	entity_id      INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	company_number TEXT NOT NULL,
	company_status TEXT NOT NULL DEFAULT '',
	company_type   TEXT NOT NULL DEFAULT '',
	sic_codes      TEXT NOT NULL DEFAULT '',
	previous_names TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS health_organisations (
	entity_id    INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	ods_code     TEXT NOT NULL,
	org_sub_type TEXT NOT NULL DEFAULT '',
	parent_code  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS councils (
	entity_id  INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	gss_code   TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT '',
	parent_gss TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS government_departments (
	entity_id    INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
	slug         TEXT NOT NULL,
	abbreviation TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS buyers (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	entity_id          INTEGER REFERENCES entities(id),
	match_status       TEXT NOT NULL DEFAULT 'pending',
	confidence         REAL,
	manually_verified  INTEGER NOT NULL DEFAULT 0,
	last_match_attempt DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS suppliers (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	entity_id          INTEGER REFERENCES entities(id),
	match_status       TEXT NOT NULL DEFAULT 'pending',
	confidence         REAL,
	manually_verified  INTEGER NOT NULL DEFAULT 0,
	last_match_attempt DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suppliers_status ON suppliers(match_status);
CREATE INDEX IF NOT EXISTS idx_buyers_status ON buyers(match_status);

CREATE TABLE IF NOT EXISTS spend_entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id      INTEGER NOT NULL,
	buyer_id      INTEGER NOT NULL REFERENCES buyers(id),
	supplier_id   INTEGER REFERENCES suppliers(id),
	buyer_name    TEXT NOT NULL,
	supplier_name TEXT NOT NULL DEFAULT '',
	raw_amount    TEXT NOT NULL DEFAULT '',
	raw_date      TEXT NOT NULL DEFAULT '',
	amount        TEXT NOT NULL,
	payment_date  DATETIME NOT NULL,
	sheet_name    TEXT NOT NULL,
	row_number    INTEGER NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE (asset_id, sheet_name, row_number)
);
CREATE INDEX IF NOT EXISTS idx_spend_asset ON spend_entries(asset_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	asset_id    INTEGER NOT NULL,
	source_kind TEXT NOT NULL,
	dry_run     INTEGER NOT NULL DEFAULT 0,
	from_stage  TEXT NOT NULL DEFAULT '',
	to_stage    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'queued',
	params      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);

CREATE TABLE IF NOT EXISTS run_stages (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	stage_id    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	metrics     TEXT,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME,
	finished_at DATETIME,
	UNIQUE (run_id, stage_id)
);

CREATE TABLE IF NOT EXISTS run_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	stage      TEXT NOT NULL DEFAULT '',
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	fields     TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, id);

CREATE TABLE IF NOT EXISTS skipped_rows (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	asset_id   INTEGER NOT NULL,
	sheet_name TEXT NOT NULL DEFAULT '',
	row_number INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL,
	raw_row    TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_skipped_run ON skipped_rows(run_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_id  INTEGER NOT NULL,
	action     TEXT NOT NULL,
	before     TEXT,
	after      TEXT,
	actor      TEXT NOT NULL,
	run_id     TEXT,
	stage      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
`

// Migrate applies the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InTx runs fn against a transaction-scoped store. Calling InTx on an
// already transaction-scoped store reuses the open transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	scoped := &SQLiteStore{q: tx, tx: tx}
	if err := fn(scoped); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

// jsonText encodes a map for a TEXT column; nil maps stay NULL.
func jsonText(m map[string]any) (any, error) {
	b, err := marshalJSON(m)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return string(b), nil
}

func jsonFromText(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	return unmarshalJSON([]byte(raw.String))
}
