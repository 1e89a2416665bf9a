package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/scivault/ingestd/idgen"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness probes to worker_heartbeats.
type HeartbeatWriter struct {
	db         *sql.DB
	newID      idgen.Generator
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		newID:      idgen.Prefixed("hb_", idgen.Default),
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
	}
}

// Run writes one heartbeat immediately, then repeats at the configured
// interval until ctx is cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		slog.Error("heartbeat write failed", "err", err, "worker", hw.workerName)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(ctx); err != nil {
				slog.Error("heartbeat write failed", "err", err, "worker", hw.workerName)
			}
		}
	}
}

// WriteHeartbeat writes a single heartbeat row with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			heartbeat_id, worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.newID(), hw.workerName, hw.hostname, hw.workerPID, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat for a worker, enriched with a
// staleness check so callers don't have to compute it themselves.
type HeartbeatStatus struct {
	WorkerName      string    `json:"worker_name"`
	Hostname        string    `json:"hostname"`
	PID             int       `json:"pid"`
	Timestamp       time.Time `json:"timestamp"`
	GoroutinesCount int       `json:"goroutines_count"`
	MemoryAllocMB   float64   `json:"memory_alloc_mb"`
	MemorySysMB     float64   `json:"memory_sys_mb"`
	GCCount         int       `json:"gc_count"`
	Alive           bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for the given worker.
// staleness controls the alive boundary (typically 3x the heartbeat
// interval). Returns nil, nil if no heartbeat has been recorded yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleness time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleness
	return &hs, nil
}
