package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Cleanup deletes observability rows older than retentionDays across all
// tables and returns the total count removed.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	var total int64
	for table, col := range map[string]string{
		"ingest_events":     "created_at",
		"worker_heartbeats": "timestamp",
		"http_request_logs": "created_at",
	} {
		res, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, col), threshold)
		if err != nil {
			return total, fmt.Errorf("observability: cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// RunRetention sweeps once a day until ctx is cancelled.
func RunRetention(ctx context.Context, db *sql.DB, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := Cleanup(ctx, db, retentionDays); err != nil {
				slog.Error("observability retention failed", "err", err)
			} else if n > 0 {
				slog.Info("observability rows purged", "count", n)
			}
		}
	}
}
