package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/scivault/ingestd/idgen"
)

// RequestLogger persists one row per HTTP request. A nil *RequestLogger is
// a valid no-op middleware source.
type RequestLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	userFn func(*http.Request) string
}

// NewRequestLogger creates a request logger. userFn extracts the acting
// user from the request for attribution; it may be nil.
func NewRequestLogger(db *sql.DB, userFn func(*http.Request) string) *RequestLogger {
	return &RequestLogger{
		db:     db,
		newID:  idgen.Prefixed("hrl_", idgen.Default),
		userFn: userFn,
	}
}

// Middleware returns an http middleware that records method, path, status
// and latency for every request. Writes happen after the response is sent.
func (rl *RequestLogger) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		user := ""
		if rl.userFn != nil {
			user = rl.userFn(r)
		}
		rl.record(r.Context(), r.Method, r.URL.Path, sw.status, time.Since(start), user, r.RemoteAddr)
	})
}

func (rl *RequestLogger) record(ctx context.Context, method, path string, status int, dur time.Duration, user, remote string) {
	// Detach from the request context so a client disconnect does not lose
	// the log row.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := rl.db.ExecContext(ctx, `
		INSERT INTO http_request_logs (
			log_id, method, path, status_code, duration_ms, user_email, remote_addr
		) VALUES (?,?,?,?,?,?,?)`,
		rl.newID(), method, path, status, dur.Milliseconds(), user, remote)
	if err != nil {
		slog.Error("http request log failed", "err", err, "path", path)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
