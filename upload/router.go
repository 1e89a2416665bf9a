package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/guard"
	"github.com/scivault/ingestd/remote"
	"github.com/scivault/ingestd/resolve"
	"github.com/scivault/ingestd/token"
)

var (
	// ErrUseChunked means the payload is too large for a single request
	// and must go through the chunked flow.
	ErrUseChunked = errors.New("upload: file exceeds direct upload limit, use chunked upload")

	// ErrUnknownSensor means no converter is registered for the sensor.
	ErrUnknownSensor = errors.New("upload: unknown sensor kind")

	// ErrEmptyFile rejects zero-byte payloads.
	ErrEmptyFile = errors.New("upload: empty file")
)

// IngestRequest carries the cross-cutting inputs common to all three
// ingestion modes.
type IngestRequest struct {
	DatasetName       string             `json:"dataset_name" validate:"required,min=1,max=256"`
	Sensor            string             `json:"sensor" validate:"required"`
	Convert           bool               `json:"convert"`
	IsPublic          catalog.Visibility `json:"is_public" validate:"omitempty,oneof=only_owner only_team public"`
	IsDownloadable    catalog.Visibility `json:"is_downloadable" validate:"omitempty,oneof=only_owner only_team public"`
	Folder            string             `json:"folder" validate:"omitempty,max=256"`
	Tags              []string           `json:"tags"`
	Description       string             `json:"description" validate:"omitempty,max=4096"`
	Params            string             `json:"params,omitempty"`
	DatasetIdentifier string             `json:"dataset_identifier"`
	AddToExisting     bool               `json:"add_to_existing"`
	TeamID            string             `json:"team_id"`
}

// Router accepts ingestion requests, creates or resolves the target
// dataset, and hands off to the matching mode.
type Router struct {
	cat      *catalog.Catalog
	resolver *resolve.Resolver
	mgr      *Manager
	layout   config.Layout
	cfg      *config.Config
	validate *validator.Validate
	log      *slog.Logger
}

// NewRouter wires the router.
func NewRouter(cat *catalog.Catalog, resolver *resolve.Resolver, mgr *Manager, layout config.Layout, cfg *config.Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cat:      cat,
		resolver: resolver,
		mgr:      mgr,
		layout:   layout,
		cfg:      cfg,
		validate: validator.New(),
		log:      log.With("component", "ingest"),
	}
}

// Manager exposes the session manager for the HTTP layer.
func (rt *Router) Manager() *Manager { return rt.mgr }

const insertRetries = 3

// PrepareTarget validates the request and returns the dataset to ingest
// into: an existing one (add_to_existing, with a write-access check) or a
// freshly created record with minted uuid, slug, and numeric id.
func (rt *Router) PrepareTarget(ctx context.Context, id *token.Identity, req *IngestRequest) (*catalog.Dataset, bool, error) {
	if err := rt.validate.Struct(req); err != nil {
		return nil, false, fmt.Errorf("upload: invalid request: %w", err)
	}
	if _, ok := rt.cfg.Converters[req.Sensor]; !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownSensor, req.Sensor)
	}
	if req.IsPublic == "" {
		req.IsPublic = catalog.VisibilityOwner
	}
	if req.IsDownloadable == "" {
		req.IsDownloadable = catalog.VisibilityOwner
	}

	if req.AddToExisting {
		if req.DatasetIdentifier == "" {
			return nil, false, fmt.Errorf("upload: add_to_existing requires dataset_identifier")
		}
		d, err := rt.resolver.Resolve(ctx, req.DatasetIdentifier, id.Email)
		if err != nil {
			return nil, false, err
		}
		u, err := rt.cat.GetUserByID(ctx, id.UserID)
		if err != nil {
			return nil, false, err
		}
		if !d.CanWrite(u) {
			return nil, false, ErrForbidden
		}
		return d, false, nil
	}

	now := time.Now()
	for attempt := 0; attempt < insertRetries; attempt++ {
		slug, err := rt.resolver.MintSlug(ctx, id.Email, req.DatasetName, now)
		if err != nil {
			return nil, false, err
		}
		numericID, err := rt.resolver.MintNumericID(ctx)
		if err != nil {
			return nil, false, err
		}
		d := &catalog.Dataset{
			UUID:           resolve.NewDatasetUUID(),
			Name:           req.DatasetName,
			Slug:           slug,
			NumericID:      numericID,
			OwnerEmail:     id.Email,
			TeamID:         req.TeamID,
			Sensor:         req.Sensor,
			Convert:        req.Convert,
			IsPublic:       req.IsPublic,
			IsDownloadable: req.IsDownloadable,
			Folder:         req.Folder,
			Tags:           req.Tags,
			Description:    req.Description,
			Params:         req.Params,
			Status:         catalog.StatusSubmitted,
		}
		err = rt.cat.InsertDataset(ctx, d)
		if err == nil {
			rt.log.Info("dataset created",
				"dataset", d.UUID, "slug", d.Slug, "numeric_id", d.NumericID,
				"owner", d.OwnerEmail, "sensor", d.Sensor)
			return d, true, nil
		}
		if !errors.Is(err, catalog.ErrDuplicate) || attempt == insertRetries-1 {
			return nil, false, err
		}
		// A concurrent create took the slug or numeric id; remint and retry.
	}
	return nil, false, catalog.ErrDuplicate
}

// IngestDirect handles whole-file uploads: one multipart request carrying
// the full payload. Payloads above the direct limit are redirected to the
// chunked flow.
func (rt *Router) IngestDirect(ctx context.Context, id *token.Identity, req *IngestRequest, filename string, size int64, r io.Reader) (*catalog.Dataset, error) {
	if size <= 0 {
		return nil, ErrEmptyFile
	}
	if size > rt.cfg.DirectUploadBytes() {
		return nil, ErrUseChunked
	}
	if size > rt.cfg.MaxFileBytes() {
		return nil, ErrTooLarge
	}
	if err := guard.ValidateIdentifier(filename); err != nil {
		return nil, fmt.Errorf("upload: filename: %w", err)
	}
	d, created, err := rt.PrepareTarget(ctx, id, req)
	if err != nil {
		return nil, err
	}

	dest, err := guard.SafeJoin(rt.layout.UploadDir(d.UUID), filename)
	if err != nil {
		return nil, err
	}
	n, err := writeFileAtomic(dest, r)
	if err != nil {
		if created {
			rt.log.Warn("direct ingest failed after create", "dataset", d.UUID, "err", err)
		}
		return nil, err
	}
	entry := catalog.FileEntry{
		Filename:     filename,
		SizeBytes:    n,
		UploadedAt:   catalog.FormatTime(time.Now()),
		RelativePath: filename,
	}
	if err := rt.cat.AppendFile(ctx, d.UUID, entry); err != nil {
		return nil, err
	}
	return AdvanceAfterIngest(ctx, rt.cat, rt.layout, d.UUID, rt.log)
}

// InitiateChunked prepares the target dataset, marks it uploading, and
// opens the session.
func (rt *Router) InitiateChunked(ctx context.Context, id *token.Identity, req *IngestRequest, filename string, totalBytes int64, overallHash string, chunkHashes []string) (*catalog.Dataset, *catalog.UploadSession, error) {
	d, _, err := rt.PrepareTarget(ctx, id, req)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != catalog.StatusUploading {
		if err := rt.cat.CompareAndSetStatus(ctx, d.UUID, d.Status, catalog.StatusUploading); err != nil {
			return nil, nil, err
		}
		d.Status = catalog.StatusUploading
	}
	s, err := rt.mgr.Initiate(ctx, id.Email, d, filename, totalBytes, overallHash, chunkHashes, 0)
	if err != nil {
		return nil, nil, err
	}
	return d, s, nil
}

// IngestRemote records a remote-source pull for the worker pool. URL
// sources queue for a direct pull; vendor-backed sources (S3, Drive) go
// through the sync landing path.
func (rt *Router) IngestRemote(ctx context.Context, id *token.Identity, req *IngestRequest, sourceType string, sourceConfig map[string]any) (*catalog.Dataset, error) {
	src, err := remote.ParseSource(sourceType, sourceConfig)
	if err != nil {
		return nil, err
	}
	blob, err := remote.EncodeSource(src)
	if err != nil {
		return nil, err
	}
	d, _, err := rt.PrepareTarget(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if err := rt.cat.SetSource(ctx, d.UUID, blob); err != nil {
		return nil, err
	}
	target := catalog.StatusUploadQueued
	if sourceType != remote.SourceURL {
		target = catalog.StatusSyncQueued
	}
	if err := rt.cat.CompareAndSetStatus(ctx, d.UUID, d.Status, target); err != nil {
		return nil, err
	}
	d.Status = target
	d.Source = blob
	rt.log.Info("remote ingest queued", "dataset", d.UUID, "source", sourceType, "status", target)
	return d, nil
}

// EstimateDuration gives a coarse upload-plus-processing estimate for the
// response body. Assumes ~25 MiB/s effective throughput.
func EstimateDuration(totalBytes int64) time.Duration {
	const throughput = 25 * 1024 * 1024
	d := time.Duration(totalBytes/throughput) * time.Second
	if d < time.Minute {
		return time.Minute
	}
	return d.Round(time.Minute)
}

// writeFileAtomic streams r into path via temp file and rename.
func writeFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("upload: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("upload: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("upload: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("upload: commit: %w", err)
	}
	return n, nil
}
