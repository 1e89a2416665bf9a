package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionState is the lifecycle of a chunked upload session.
type SessionState string

const (
	SessionOpen       SessionState = "open"
	SessionCompleting SessionState = "completing"
	SessionCompleted  SessionState = "completed"
	SessionAborted    SessionState = "aborted"
	SessionExpired    SessionState = "expired"
)

// UploadSession tracks one resumable chunked upload of a single file into
// a dataset.
type UploadSession struct {
	SessionID   string       `json:"session_id"`
	DatasetUUID string       `json:"dataset_uuid"`
	Filename    string       `json:"filename"`
	TotalBytes  int64        `json:"total_bytes"`
	ChunkSize   int64        `json:"chunk_size"`
	TotalChunks int          `json:"total_chunks"`
	OverallHash string       `json:"overall_hash,omitempty"`
	OwnerEmail  string       `json:"owner_email"`
	State       SessionState `json:"state"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
	ExpiresAt   string       `json:"expires_at"`
}

// Chunk is one slot of a chunked upload. expected_hash is what the client
// declared at initiation (may be empty); actual_hash is what the server
// computed on receipt.
type Chunk struct {
	Idx          int    `json:"idx"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	Received     bool   `json:"received"`
}

// CreateSession inserts a session together with its chunk slots. The slot
// rows exist from the start so receipt is a plain per-row update.
func (c *Catalog) CreateSession(ctx context.Context, s *UploadSession, declaredHashes []string) error {
	now := nowRFC3339()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.State == "" {
		s.State = SessionOpen
	}
	return c.RunTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_sessions (session_id, dataset_uuid, filename, total_bytes,
				chunk_size, total_chunks, overall_hash, owner_email, state, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.SessionID, s.DatasetUUID, s.Filename, s.TotalBytes, s.ChunkSize, s.TotalChunks,
			s.OverallHash, s.OwnerEmail, string(s.State), now, now, s.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("create session: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO session_chunks (session_id, idx, expected_hash) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := 0; i < s.TotalChunks; i++ {
			declared := ""
			if i < len(declaredHashes) {
				declared = declaredHashes[i]
			}
			if _, err := stmt.ExecContext(ctx, s.SessionID, i, declared); err != nil {
				return err
			}
		}
		return nil
	})
}

const sessionCols = `session_id, dataset_uuid, filename, total_bytes, chunk_size,
	total_chunks, overall_hash, owner_email, state, created_at, updated_at, expires_at`

func scanSession(row interface{ Scan(...any) error }) (*UploadSession, error) {
	s := &UploadSession{}
	var state string
	err := row.Scan(&s.SessionID, &s.DatasetUUID, &s.Filename, &s.TotalBytes, &s.ChunkSize,
		&s.TotalChunks, &s.OverallHash, &s.OwnerEmail, &state, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.State = SessionState(state)
	return s, nil
}

// GetSession returns the session record, or ErrNotFound.
func (c *Catalog) GetSession(ctx context.Context, sessionID string) (*UploadSession, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM upload_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// MarkChunkReceived records a verified chunk. Re-receiving an already
// received chunk overwrites the slot with identical values, which keeps the
// operation idempotent.
func (c *Catalog) MarkChunkReceived(ctx context.Context, sessionID string, idx int, actualHash string, size int64) error {
	return c.RunTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE session_chunks SET actual_hash = ?, size_bytes = ?, received = 1
			WHERE session_id = ? AND idx = ?`, actualHash, size, sessionID, idx)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE upload_sessions SET updated_at = ? WHERE session_id = ?`,
			nowRFC3339(), sessionID)
		return err
	})
}

// Chunks returns all slots of a session in index order.
func (c *Catalog) Chunks(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT idx, expected_hash, actual_hash, size_bytes, received
		FROM session_chunks WHERE session_id = ? ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var ch Chunk
		var received int
		if err := rows.Scan(&ch.Idx, &ch.ExpectedHash, &ch.ActualHash, &ch.SizeBytes, &received); err != nil {
			return nil, err
		}
		ch.Received = received == 1
		out = append(out, ch)
	}
	return out, rows.Err()
}

// MissingChunks returns the indexes not yet received, in order.
func (c *Catalog) MissingChunks(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT idx FROM session_chunks
		WHERE session_id = ? AND received = 0 ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// ReceivedCount returns how many chunk slots are filled.
func (c *Catalog) ReceivedCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_chunks
		WHERE session_id = ? AND received = 1`, sessionID).Scan(&n)
	return n, err
}

// CASSessionState atomically advances a session from→to. ErrStaleState
// means another request got there first; the caller decides whether that
// is fatal (for completion it means a concurrent complete won the race).
func (c *Catalog) CASSessionState(ctx context.Context, sessionID string, from, to SessionState) error {
	res, err := c.Exec(ctx, `
		UPDATE upload_sessions SET state = ?, updated_at = ?
		WHERE session_id = ? AND state = ?`,
		string(to), nowRFC3339(), sessionID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}

// ListSessionsByOwner returns an owner's sessions, newest first.
func (c *Catalog) ListSessionsByOwner(ctx context.Context, owner string, limit, offset int) ([]*UploadSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM upload_sessions
		WHERE owner_email = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ExpireSessions marks open sessions past their deadline expired and
// returns them so the caller can reclaim spool space.
func (c *Catalog) ExpireSessions(ctx context.Context, now time.Time) ([]*UploadSession, error) {
	cutoff := FormatTime(now)
	var expired []*UploadSession
	err := c.RunTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+sessionCols+` FROM upload_sessions
			WHERE state = ? AND expires_at < ?`, string(SessionOpen), cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return err
			}
			expired = append(expired, s)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, s := range expired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE upload_sessions SET state = ?, updated_at = ?
				WHERE session_id = ?`, string(SessionExpired), nowRFC3339(), s.SessionID); err != nil {
				return err
			}
			s.State = SessionExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ResetCompletingSessions returns sessions stuck mid-assembly to open.
// Run at boot: a crash between the completing CAS and the completed mark
// leaves the spool intact, so the client may simply retry complete.
func (c *Catalog) ResetCompletingSessions(ctx context.Context) (int64, error) {
	res, err := c.Exec(ctx, `
		UPDATE upload_sessions SET state = ?, updated_at = ?
		WHERE state = ?`, string(SessionOpen), nowRFC3339(), string(SessionCompleting))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
