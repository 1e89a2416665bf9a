package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/remote"
	"github.com/scivault/ingestd/upload"
)

// cancelPollInterval is how often a running worker re-reads the dataset's
// cancel flag.
const cancelPollInterval = 5 * time.Second

// Dispatcher holds W long-running workers that coordinate exclusively
// through status compare-and-set in the catalog: a claim either wins the
// CAS or finds nothing to do.
type Dispatcher struct {
	cat     *catalog.Catalog
	layout  config.Layout
	reg     *Registry
	cfg     *config.Config
	log     *slog.Logger
	events  *observability.EventLogger
	workers int
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(cat *catalog.Catalog, layout config.Layout, reg *Registry, cfg *config.Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cat:     cat,
		layout:  layout,
		reg:     reg,
		cfg:     cfg,
		log:     log.With("component", "dispatcher"),
		workers: cfg.Workers,
	}
}

// WithEvents attaches an event trail. A nil logger is a no-op.
func (dp *Dispatcher) WithEvents(ev *observability.EventLogger) *Dispatcher {
	dp.events = ev
	return dp
}

// Start runs the worker pool until ctx is cancelled.
func (dp *Dispatcher) Start(ctx context.Context) {
	dp.log.Info("dispatcher starting", "workers", dp.workers)
	var wg sync.WaitGroup
	for i := 0; i < dp.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			dp.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	dp.log.Info("dispatcher stopped")
}

// workerLoop claims work until the queues run dry, then backs off
// exponentially from the configured initial interval up to the cap.
func (dp *Dispatcher) workerLoop(ctx context.Context, id int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(dp.cfg.ClaimBackoffSeconds) * time.Second
	bo.MaxInterval = time.Duration(dp.cfg.ClaimBackoffCapSec) * time.Second
	bo.MaxElapsedTime = 0
	log := dp.log.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if dp.claimAndRun(ctx, log) {
			bo.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// claimAndRun tries each queue in priority order and reports whether any
// work was done.
func (dp *Dispatcher) claimAndRun(ctx context.Context, log *slog.Logger) bool {
	if d, ok := dp.claim(ctx, catalog.StatusConversionQueued, catalog.StatusConverting); ok {
		dp.runConversion(ctx, log, d)
		return true
	}
	if d, ok := dp.claim(ctx, catalog.StatusUploadQueued, catalog.StatusUploading); ok {
		dp.runFetch(ctx, log, d, catalog.StatusUploading, catalog.StatusUploadError, dp.layout.UploadDir(d.UUID))
		return true
	}
	if d, ok := dp.claim(ctx, catalog.StatusSyncQueued, catalog.StatusSyncing); ok {
		dp.runFetch(ctx, log, d, catalog.StatusSyncing, catalog.StatusSyncError, dp.layout.SyncDir(d.UUID))
		return true
	}
	return false
}

// claim takes the oldest dataset in from. Losing the row to another worker
// is not an empty queue: the next candidate is tried immediately instead of
// backing off.
func (dp *Dispatcher) claim(ctx context.Context, from, to catalog.Status) (*catalog.Dataset, bool) {
	for {
		d, err := dp.cat.ClaimOne(ctx, from, to)
		if err == nil {
			return d, true
		}
		if !errors.Is(err, catalog.ErrStaleState) {
			return nil, false
		}
	}
}

// runConversion executes the sensor's converter subprocess against the
// dataset's upload area. Errors never propagate to a client synchronously;
// they are recorded on the dataset and read via the status endpoint.
func (dp *Dispatcher) runConversion(ctx context.Context, log *slog.Logger, d *catalog.Dataset) {
	start := time.Now()
	attempts := d.ConversionAttempts + 1
	log = log.With("dataset", d.UUID, "sensor", d.Sensor, "attempt", attempts)

	if dp.cancelled(ctx, d.UUID) {
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, catalog.StatusCancelled, attempts, "cancelled", start)
		return
	}
	conv, ok := dp.reg.Lookup(d.Sensor)
	if !ok {
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, catalog.StatusConversionError, attempts,
			fmt.Sprintf("no converter registered for sensor %q", d.Sensor), start)
		return
	}
	inDir := dp.layout.UploadDir(d.UUID)
	outDir := dp.layout.ConvertedDir(d.UUID)
	if _, err := os.Stat(inDir); err != nil {
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, catalog.StatusConversionError, attempts,
			fmt.Sprintf("input area missing: %v", err), start)
		return
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, catalog.StatusConversionError, attempts,
			fmt.Sprintf("create output area: %v", err), start)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, conv.Timeout)
	defer cancel()
	stopPoll := dp.pollCancel(runCtx, cancel, d.UUID)
	defer stopPoll()

	args := []string{"--input", inDir, "--output", outDir, "--sensor", d.Sensor}
	if conv.WantsParams && d.Params != "" {
		args = append(args, "--params", d.Params)
	}
	cmd := exec.CommandContext(runCtx, conv.Executable, args...)

	// The log lives outside the output area so a clean run with no output
	// is detectable as such.
	logPath := dp.convertLogPath(d.UUID)
	logFile, err := os.Create(logPath)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	log.Info("conversion starting", "executable", conv.Executable, "timeout", conv.Timeout)
	runErr := cmd.Run()
	if runErr == nil && !dirHasEntries(outDir) {
		runErr = errNoOutput
	}
	seconds := time.Since(start).Seconds()

	switch {
	case runErr == nil:
		dp.finishOK(ctx, log, d, attempts, start)
	case dp.cancelled(ctx, d.UUID):
		if err := os.RemoveAll(outDir); err != nil {
			log.Warn("partial output cleanup failed", "err", err)
		}
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, catalog.StatusCancelled, attempts, "cancelled", start)
	default:
		msg := runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("timed out after %s", conv.Timeout)
		}
		if tail := logTail(logPath); tail != "" {
			msg = msg + ": " + tail
		}
		target := catalog.StatusConversionQueued
		if attempts >= conv.MaxAttempts {
			target = catalog.StatusConversionFailed
		}
		log.Warn("conversion failed", "err", msg, "seconds", seconds, "next", target)
		dp.finish(ctx, log, d.UUID, catalog.StatusConverting, target, attempts, msg, start)
		dp.events.Log(ctx, observability.Event{
			Type:        observability.EventConversionFailed,
			DatasetUUID: d.UUID,
			UserEmail:   d.OwnerEmail,
			Detail:      msg,
			Duration:    time.Since(start),
		})
	}
}

func (dp *Dispatcher) finishOK(ctx context.Context, log *slog.Logger, d *catalog.Dataset, attempts int, start time.Time) {
	seconds := time.Since(start).Seconds()
	err := dp.cat.RecordConversionResult(ctx, d.UUID, catalog.StatusConverting, catalog.StatusDone, attempts, "", seconds)
	if err != nil {
		log.Error("finish transition lost", "err", err)
		return
	}
	log.Info("conversion done", "seconds", seconds)
	dp.events.Log(ctx, observability.Event{
		Type:        observability.EventConversionDone,
		DatasetUUID: d.UUID,
		UserEmail:   d.OwnerEmail,
		Success:     true,
		Duration:    time.Since(start),
	})
}

func (dp *Dispatcher) finish(ctx context.Context, log *slog.Logger, uuid string, from, to catalog.Status, attempts int, msg string, start time.Time) {
	err := dp.cat.RecordConversionResult(ctx, uuid, from, to, attempts, msg, time.Since(start).Seconds())
	if err != nil {
		log.Error("finish transition lost", "from", from, "to", to, "err", err)
	}
}

// runFetch pulls a remote source into the dataset's file area. Vendor
// sources land in the sync directory first and are promoted into the
// upload area on success.
func (dp *Dispatcher) runFetch(ctx context.Context, log *slog.Logger, d *catalog.Dataset, running, errStatus catalog.Status, landDir string) {
	start := time.Now()
	attempts := d.ConversionAttempts + 1
	log = log.With("dataset", d.UUID, "attempt", attempts)

	if dp.cancelled(ctx, d.UUID) {
		dp.finish(ctx, log, d.UUID, running, catalog.StatusCancelled, attempts, "cancelled", start)
		return
	}
	src, err := remote.DecodeSource(d.Source)
	if err != nil {
		dp.finish(ctx, log, d.UUID, running, errStatus, attempts, err.Error(), start)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, dp.cfg.FetchTimeout())
	defer cancel()
	stopPoll := dp.pollCancel(fetchCtx, cancel, d.UUID)
	defer stopPoll()

	log.Info("fetch starting", "source", src.Kind())
	entry, err := src.Fetch(fetchCtx, landDir, dp.cfg.MaxFileBytes())
	if err != nil {
		if dp.cancelled(ctx, d.UUID) {
			dp.finish(ctx, log, d.UUID, running, catalog.StatusCancelled, attempts, "cancelled", start)
			return
		}
		log.Warn("fetch failed", "source", src.Kind(), "err", err)
		dp.finish(ctx, log, d.UUID, running, errStatus, attempts, err.Error(), start)
		dp.events.Log(ctx, observability.Event{
			Type:        observability.EventFetchFailed,
			DatasetUUID: d.UUID,
			UserEmail:   d.OwnerEmail,
			Detail:      err.Error(),
			Duration:    time.Since(start),
		})
		return
	}

	// Promote a sync landing into the upload area so the converter finds it.
	uploadDir := dp.layout.UploadDir(d.UUID)
	if landDir != uploadDir {
		if err := os.MkdirAll(uploadDir, 0o755); err == nil {
			err = os.Rename(filepath.Join(landDir, entry.RelativePath), filepath.Join(uploadDir, entry.RelativePath))
		}
		if err != nil {
			dp.finish(ctx, log, d.UUID, running, errStatus, attempts, fmt.Sprintf("promote landing: %v", err), start)
			return
		}
	}

	if err := dp.cat.AppendFile(ctx, d.UUID, entry); err != nil {
		dp.finish(ctx, log, d.UUID, running, errStatus, attempts, err.Error(), start)
		return
	}
	if _, err := upload.AdvanceAfterIngest(ctx, dp.cat, dp.layout, d.UUID, dp.log); err != nil {
		log.Error("post-fetch advance lost", "err", err)
		return
	}
	log.Info("fetch done", "source", src.Kind(), "bytes", entry.SizeBytes, "seconds", time.Since(start).Seconds())
	dp.events.Log(ctx, observability.Event{
		Type:        observability.EventFetchDone,
		DatasetUUID: d.UUID,
		UserEmail:   d.OwnerEmail,
		Success:     true,
		Duration:    time.Since(start),
	})
}

// errNoOutput marks a converter run that exited clean without writing
// anything into the output area.
var errNoOutput = errors.New("converter produced no output")

// convertLogPath is where the converter subprocess's stdout and stderr land.
func (dp *Dispatcher) convertLogPath(uuid string) string {
	return filepath.Join(dp.layout.TmpDir(), uuid+".convert.log")
}

// dirHasEntries reports whether dir exists and contains at least one entry.
func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// cancelled reads the cancel flag, treating lookup failures as false.
func (dp *Dispatcher) cancelled(ctx context.Context, uuid string) bool {
	flag, err := dp.cat.CancelRequested(ctx, uuid)
	return err == nil && flag
}

// pollCancel cancels the running subprocess when the dataset's cancel flag
// is raised mid-run. Returns a stop function.
func (dp *Dispatcher) pollCancel(ctx context.Context, cancel context.CancelFunc, uuid string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if dp.cancelled(ctx, uuid) {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// logTail returns the last few lines of the converter log for the error
// record.
func logTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	const maxTail = 512
	if len(data) > maxTail {
		data = data[len(data)-maxTail:]
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
