package convert

import (
	"context"
	"log/slog"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/upload"
)

// Reconciler is the periodic janitor: it rescues claims abandoned by dead
// workers, re-queues retryable error states, expires stale upload
// sessions, purges expired tokens, and recomputes aggregate dataset
// sizes. Every pass is idempotent; running two reconcilers is wasteful
// but harmless.
type Reconciler struct {
	cat    *catalog.Catalog
	layout config.Layout
	reg    *Registry
	cfg    *config.Config
	mgr    *upload.Manager
	log    *slog.Logger
}

// NewReconciler wires the reconciler.
func NewReconciler(cat *catalog.Catalog, layout config.Layout, reg *Registry, cfg *config.Config, mgr *upload.Manager, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cat:    cat,
		layout: layout,
		reg:    reg,
		cfg:    cfg,
		mgr:    mgr,
		log:    log.With("component", "reconciler"),
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) {
	rc.Sweep(ctx)
	ticker := time.NewTicker(rc.cfg.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (rc *Reconciler) Sweep(ctx context.Context) {
	if n, err := rc.cat.ReleaseStaleClaims(ctx, time.Now().Add(-rc.cfg.StaleClaimThreshold())); err != nil {
		rc.log.Error("stale claim sweep failed", "err", err)
	} else if n > 0 {
		rc.log.Info("stale claims released", "count", n)
	}

	rc.requeueErrors(ctx)

	if n, err := rc.mgr.SweepExpired(ctx); err != nil {
		rc.log.Error("session sweep failed", "err", err)
	} else if n > 0 {
		rc.log.Info("sessions expired", "count", n)
	}

	if n, err := rc.cat.DeleteExpiredTokens(ctx, time.Now()); err != nil {
		rc.log.Error("token purge failed", "err", err)
	} else if n > 0 {
		rc.log.Info("expired tokens purged", "count", n)
	}

	rc.recomputeSizes(ctx)
}

const sweepBatch = 100

// requeueErrors resets retryable error states back to their queues while
// attempts remain. Exhausted datasets stay put: conversion moves to its
// terminal failed state from the worker, fetch errors wait for manual
// retry.
func (rc *Reconciler) requeueErrors(ctx context.Context) {
	rc.requeue(ctx, catalog.StatusUploadError, catalog.StatusUploadQueued, rc.cfg.Sources.MaxAttempts)
	rc.requeue(ctx, catalog.StatusSyncError, catalog.StatusSyncQueued, rc.cfg.Sources.MaxAttempts)
	rc.requeue(ctx, catalog.StatusConversionError, catalog.StatusConversionQueued, 0)
}

func (rc *Reconciler) requeue(ctx context.Context, from, to catalog.Status, maxAttempts int) {
	ds, err := rc.cat.FindByStatus(ctx, from, sweepBatch)
	if err != nil {
		rc.log.Error("requeue scan failed", "status", from, "err", err)
		return
	}
	for _, d := range ds {
		limit := maxAttempts
		if limit == 0 {
			// Conversion retry budget comes from the sensor's converter.
			conv, ok := rc.reg.Lookup(d.Sensor)
			if !ok {
				continue
			}
			limit = conv.MaxAttempts
		}
		if d.ConversionAttempts >= limit {
			continue
		}
		if err := rc.cat.CompareAndSetStatus(ctx, d.UUID, from, to); err != nil {
			continue
		}
		rc.log.Info("requeued", "dataset", d.UUID, "from", from, "to", to, "attempt", d.ConversionAttempts)
	}
}

// recomputeSizes refreshes data_size_gb for recently finished datasets.
// Size is a derived aggregate, never updated inline during upload.
func (rc *Reconciler) recomputeSizes(ctx context.Context) {
	ds, err := rc.cat.FindByStatus(ctx, catalog.StatusDone, sweepBatch)
	if err != nil {
		rc.log.Error("size scan failed", "err", err)
		return
	}
	for _, d := range ds {
		bytes, err := config.DirSize(rc.layout.UploadDir(d.UUID))
		if err != nil {
			continue
		}
		gb := float64(bytes) / (1024 * 1024 * 1024)
		if gb == d.DataSizeGB {
			continue
		}
		if err := rc.cat.UpdateDataSize(ctx, d.UUID, gb); err != nil {
			rc.log.Error("size update failed", "dataset", d.UUID, "err", err)
		}
	}
}
