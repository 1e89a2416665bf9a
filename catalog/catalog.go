// Package catalog is the durable record of users, tokens, datasets, and
// upload sessions. All higher components go through the repository
// operations defined here; every write to a dataset status field is a
// compare-and-set so that state-machine transitions stay linearizable.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scivault/ingestd/dbopen"
)

// Catalog wraps the SQLite database holding the three collections.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog at path, applies the production
// pragmas, and runs migrations.
func Open(path string) (*Catalog, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return c, nil
}

// OpenTemp opens a throwaway catalog backed by a temp file for tests.
func OpenTemp(t testing.TB) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("catalog.OpenTemp: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// DB returns the underlying *sql.DB for sharing with the observability layer.
func (c *Catalog) DB() *sql.DB { return c.db }

// Close closes the underlying database connection.
func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
    user_id        TEXT PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    name           TEXT NOT NULL DEFAULT '',
    team_id        TEXT NOT NULL DEFAULT '',
    email_verified INTEGER NOT NULL DEFAULT 0,
    is_active      INTEGER NOT NULL DEFAULT 1,
    password_hash  TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    last_login     TEXT NOT NULL DEFAULT '',
    last_activity  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tokens (
    token_id   TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
    kind       TEXT NOT NULL,
    token_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    revoked    INTEGER NOT NULL DEFAULT 0,
    last_used  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS datasets (
    uuid                TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    slug                TEXT NOT NULL UNIQUE,
    numeric_id          INTEGER NOT NULL UNIQUE,
    owner_email         TEXT NOT NULL,
    team_id             TEXT NOT NULL DEFAULT '',
    sensor              TEXT NOT NULL,
    convert             INTEGER NOT NULL DEFAULT 1,
    is_public           TEXT NOT NULL DEFAULT 'only_owner',
    is_downloadable     TEXT NOT NULL DEFAULT 'only_owner',
    status              TEXT NOT NULL,
    folder              TEXT NOT NULL DEFAULT '',
    tags                TEXT NOT NULL DEFAULT '[]',
    description         TEXT NOT NULL DEFAULT '',
    files               TEXT NOT NULL DEFAULT '[]',
    source              TEXT NOT NULL DEFAULT '',
    params              TEXT NOT NULL DEFAULT '',
    data_size_gb        REAL NOT NULL DEFAULT 0,
    conversion_attempts INTEGER NOT NULL DEFAULT 0,
    conversion_error    TEXT NOT NULL DEFAULT '',
    claimed_at          TEXT NOT NULL DEFAULT '',
    cancel_requested    INTEGER NOT NULL DEFAULT 0,
    conversion_seconds  REAL NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    deleted_at          TEXT NOT NULL DEFAULT '',
    UNIQUE (owner_email, name)
);

CREATE TABLE IF NOT EXISTS upload_sessions (
    session_id   TEXT PRIMARY KEY,
    dataset_uuid TEXT NOT NULL REFERENCES datasets(uuid) ON DELETE CASCADE,
    filename     TEXT NOT NULL,
    total_bytes  INTEGER NOT NULL,
    chunk_size   INTEGER NOT NULL,
    total_chunks INTEGER NOT NULL,
    overall_hash TEXT NOT NULL DEFAULT '',
    owner_email  TEXT NOT NULL,
    state        TEXT NOT NULL DEFAULT 'open',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    expires_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_chunks (
    session_id    TEXT NOT NULL REFERENCES upload_sessions(session_id) ON DELETE CASCADE,
    idx           INTEGER NOT NULL,
    expected_hash TEXT NOT NULL DEFAULT '',
    actual_hash   TEXT NOT NULL DEFAULT '',
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    received      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS counters (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tokens_user     ON tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_tokens_hash     ON tokens(token_hash);
CREATE INDEX IF NOT EXISTS idx_datasets_status ON datasets(status);
CREATE INDEX IF NOT EXISTS idx_datasets_owner  ON datasets(owner_email);
CREATE INDEX IF NOT EXISTS idx_sessions_owner  ON upload_sessions(owner_email);
CREATE INDEX IF NOT EXISTS idx_sessions_state  ON upload_sessions(state);
`
	_, err := c.db.Exec(ddl)
	return err
}

// RunTx executes fn inside a transaction with automatic retry on SQLITE_BUSY.
func (c *Catalog) RunTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return dbopen.RunTx(ctx, c.db, fn)
}

// Exec executes a statement with automatic retry on SQLITE_BUSY.
func (c *Catalog) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return dbopen.Exec(ctx, c.db, query, args...)
}

// nowRFC3339 is the single timestamp format used across the catalog.
// RFC3339 UTC strings compare lexicographically in time order.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// FormatTime renders t in the catalog's timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
