// Package observability provides SQLite-native monitoring for the ingest
// services: an ingest event trail, worker liveness heartbeats, and HTTP
// request logs.
//
// Everything writes to a dedicated observability database, separate from
// the catalog to keep monitoring writes off the coordination lock. Open it
// with Open(), which applies the schema, then pass the *sql.DB to the
// individual constructors. Writers never propagate errors to the caller:
// a failing observability store must not block an ingest.
package observability

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/scivault/ingestd/dbopen"
)

// Schema contains the complete DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS ingest_events (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    dataset_uuid TEXT NOT NULL DEFAULT '',
    session_id   TEXT NOT NULL DEFAULT '',
    user_email   TEXT NOT NULL DEFAULT '',
    detail       TEXT NOT NULL DEFAULT '',
    success      INTEGER NOT NULL DEFAULT 1,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_events_type_time
    ON ingest_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_dataset
    ON ingest_events(dataset_uuid, created_at DESC);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id     TEXT PRIMARY KEY,
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    memory_sys_mb    REAL,
    gc_count         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS http_request_logs (
    log_id      TEXT PRIMARY KEY,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status_code INTEGER,
    duration_ms INTEGER,
    user_email  TEXT NOT NULL DEFAULT '',
    remote_addr TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_http_logs_time ON http_request_logs(created_at DESC);
`

// Open opens (or creates) the observability database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
}

// Init applies the observability schema to an already-open database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
