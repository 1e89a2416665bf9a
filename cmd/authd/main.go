// Entry point for the standalone auth service. It shares the catalog DB
// with ingestd and exposes only the token endpoints, for deployments that
// terminate auth separately from the data path.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/convert"
	"github.com/scivault/ingestd/httpapi"
	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/resolve"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(env("INGESTD_CONFIG", ""))
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
	tokens := token.NewService(cat, []byte(cfg.SigningKey), cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
	resolver := resolve.New(cat)
	mgr := upload.NewManager(cat, layout, cfg, logger)
	router := upload.NewRouter(cat, resolver, mgr, layout, cfg, logger)

	srv := httpapi.NewServer(cat, cfg, tokens, router, resolver, convert.NewRegistry(cfg), logger).
		WithObservability(events, nil, obsDB)
	if err := srv.ServeHandler(ctx, cfg.AuthListen, srv.AuthRoutes()); err != nil {
		slog.Error("serve", "error", err)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
