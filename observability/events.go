package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/scivault/ingestd/idgen"
)

// Event types written by the ingest services.
const (
	EventLogin            = "auth.login"
	EventLogout           = "auth.logout"
	EventIngestAccepted   = "ingest.accepted"
	EventSessionInitiated = "ingest.session_initiated"
	EventSessionCompleted = "ingest.session_completed"
	EventSessionAborted   = "ingest.session_aborted"
	EventFetchDone        = "fetch.done"
	EventFetchFailed      = "fetch.failed"
	EventConversionDone   = "conversion.done"
	EventConversionFailed = "conversion.failed"
	EventCancelRequested  = "ingest.cancel_requested"
)

// Event is one domain-level record in the ingest event trail.
type Event struct {
	Type        string
	DatasetUUID string
	SessionID   string
	UserEmail   string
	Detail      string
	Success     bool
	Duration    time.Duration
	At          time.Time
}

// EventLogger writes ingest events. A nil *EventLogger is a valid no-op, so
// callers never need to guard their Log calls.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB) *EventLogger {
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.Default)}
}

// Log records an event. Errors are logged via slog and swallowed.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ingest_events (
			event_id, event_type, dataset_uuid, session_id,
			user_email, detail, success, duration_ms, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), e.Type, e.DatasetUUID, e.SessionID,
		e.UserEmail, e.Detail, e.Success, e.Duration.Milliseconds(), at.Unix())
	if err != nil {
		slog.Error("ingest event log failed", "err", err, "event_type", e.Type)
	}
}

// Recent returns the newest events for a dataset, most recent first. Pass an
// empty uuid for all datasets.
func (l *EventLogger) Recent(ctx context.Context, datasetUUID string, limit int) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_type, dataset_uuid, session_id, user_email, detail,
		success, duration_ms, created_at FROM ingest_events`
	args := []any{}
	if datasetUUID != "" {
		q += ` WHERE dataset_uuid = ?`
		args = append(args, datasetUUID)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var durMs, at int64
		if err := rows.Scan(&e.Type, &e.DatasetUUID, &e.SessionID, &e.UserEmail,
			&e.Detail, &e.Success, &durMs, &at); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Duration = time.Duration(durMs) * time.Millisecond
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
