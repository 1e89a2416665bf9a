// Entry point for the ingest service: HTTP API, conversion worker pool,
// reconciler, and the observability sidecar DB.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/convert"
	"github.com/scivault/ingestd/httpapi"
	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/resolve"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

const sessionSweepInterval = time.Hour

func main() {
	cfgPath := env("INGESTD_CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		slog.Error("catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	obsDB, err := observability.Open(cfg.ObservabilityPath)
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	events := observability.NewEventLogger(obsDB)

	layout := config.NewLayout(cfg.IngestRoot)
	if err := layout.Ensure(); err != nil {
		slog.Error("ingest root", "error", err)
		os.Exit(1)
	}

	// A crash between the completing CAS and the completed mark leaves
	// sessions stuck; reopen them so clients can retry complete.
	if n, err := cat.ResetCompletingSessions(ctx); err != nil {
		slog.Warn("session recovery", "error", err)
	} else if n > 0 {
		slog.Info("sessions recovered", "count", n)
	}

	tokens := token.NewService(cat, []byte(cfg.SigningKey), cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
	resolver := resolve.New(cat)
	mgr := upload.NewManager(cat, layout, cfg, logger)
	router := upload.NewRouter(cat, resolver, mgr, layout, cfg, logger)
	reg := convert.NewRegistry(cfg)

	dispatcher := convert.NewDispatcher(cat, layout, reg, cfg, logger).WithEvents(events)
	// Start blocks until ctx is cancelled; the pool runs beside the API.
	go dispatcher.Start(ctx)

	reconciler := convert.NewReconciler(cat, layout, reg, cfg, mgr, logger)
	go reconciler.Run(ctx)

	heartbeat := observability.NewHeartbeatWriter(obsDB, "dispatcher", 15*time.Second)
	go heartbeat.Run(ctx)
	go observability.RunRetention(ctx, obsDB, 90)
	go sweepSessions(ctx, mgr, logger)

	reqlog := observability.NewRequestLogger(obsDB, func(r *http.Request) string {
		if id := token.FromContext(r.Context()); id != nil {
			return id.Email
		}
		return ""
	})

	srv := httpapi.NewServer(cat, cfg, tokens, router, resolver, reg, logger).
		WithObservability(events, reqlog, obsDB)
	if err := srv.Serve(ctx, cfg.Listen); err != nil {
		slog.Error("serve", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// sweepSessions drops expired upload sessions and their spool directories.
func sweepSessions(ctx context.Context, mgr *upload.Manager, log *slog.Logger) {
	t := time.NewTicker(sessionSweepInterval)
	defer t.Stop()
	for {
		n, err := mgr.SweepExpired(ctx)
		if err != nil {
			log.Warn("session sweep", "error", err)
		} else if n > 0 {
			log.Info("sessions expired", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
