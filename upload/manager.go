// Package upload implements the ingest surface: the resumable chunked
// upload session manager and the router that accepts whole-file, chunked,
// and remote-source ingestion requests.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/chunker"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/guard"
	"github.com/scivault/ingestd/idgen"
)

var (
	// ErrChunkHashMismatch means a chunk's bytes did not match its declared
	// or previously received hash. The chunk is not marked received.
	ErrChunkHashMismatch = errors.New("upload: chunk hash mismatch")

	// ErrOverallHashMismatch means the assembled file's sha256 did not
	// match what the client declared at initiation. The session is dead;
	// the client must start a fresh one.
	ErrOverallHashMismatch = errors.New("upload: overall hash mismatch")

	// ErrSessionClosed means the session is no longer open (completed,
	// aborted, expired, or mid-completion).
	ErrSessionClosed = errors.New("upload: session closed")

	// ErrChunksMissing means complete was called before every chunk
	// arrived.
	ErrChunksMissing = errors.New("upload: chunks missing")

	// ErrChunkOutOfRange means the chunk index is outside [0, total).
	ErrChunkOutOfRange = errors.New("upload: chunk index out of range")

	// ErrForbidden means the caller does not own the session or dataset.
	ErrForbidden = errors.New("upload: forbidden")

	// ErrTooLarge means the declared size exceeds the configured maximum.
	ErrTooLarge = errors.New("upload: file too large")
)

// Manager tracks chunked upload sessions: one spool directory per session,
// session and per-chunk state in the catalog.
type Manager struct {
	cat       *catalog.Catalog
	layout    config.Layout
	chunkSize int64
	maxFile   int64
	ttl       time.Duration
	newID     idgen.Generator
	log       *slog.Logger
}

// NewManager returns a Manager using cfg's chunk size, file size cap, and
// session TTL.
func NewManager(cat *catalog.Catalog, layout config.Layout, cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cat:       cat,
		layout:    layout,
		chunkSize: cfg.ChunkSizeBytes(),
		maxFile:   cfg.MaxFileBytes(),
		ttl:       cfg.SessionTTL(),
		newID:     idgen.Prefixed("ses_", idgen.Default),
		log:       log.With("component", "upload"),
	}
}

// ChunkSize returns the server's chunk size in bytes.
func (m *Manager) ChunkSize() int64 { return m.chunkSize }

// MaxFileBytes returns the maximum accepted file size.
func (m *Manager) MaxFileBytes() int64 { return m.maxFile }

// Initiate opens a session for one file of the dataset. chunkHashes are
// the client-declared per-chunk sha256 values; empty means verify only on
// explicit per-chunk declarations. A zero chunkSize takes the server
// default.
func (m *Manager) Initiate(ctx context.Context, owner string, d *catalog.Dataset, filename string, totalBytes int64, overallHash string, chunkHashes []string, chunkSize int64) (*catalog.UploadSession, error) {
	if err := guard.ValidateIdentifier(filename); err != nil {
		return nil, fmt.Errorf("upload: filename: %w", err)
	}
	if totalBytes <= 0 {
		return nil, fmt.Errorf("upload: total_bytes must be positive")
	}
	if totalBytes > m.maxFile {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, totalBytes, m.maxFile)
	}
	if chunkSize <= 0 {
		chunkSize = m.chunkSize
	}
	totalChunks := int((totalBytes + chunkSize - 1) / chunkSize)
	if len(chunkHashes) > 0 && len(chunkHashes) != totalChunks {
		return nil, fmt.Errorf("upload: %d chunk hashes declared for %d chunks", len(chunkHashes), totalChunks)
	}
	s := &catalog.UploadSession{
		SessionID:   m.newID(),
		DatasetUUID: d.UUID,
		Filename:    filename,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		OverallHash: overallHash,
		OwnerEmail:  owner,
		ExpiresAt:   catalog.FormatTime(time.Now().Add(m.ttl)),
	}
	if err := m.cat.CreateSession(ctx, s, chunkHashes); err != nil {
		return nil, err
	}
	m.log.Info("session opened",
		"session_id", s.SessionID, "dataset", d.UUID,
		"filename", filename, "chunks", totalChunks, "bytes", totalBytes)
	return s, nil
}

// openSession loads a session, enforces ownership, and lazily expires it
// when past its deadline.
func (m *Manager) openSession(ctx context.Context, owner, sessionID string) (*catalog.UploadSession, error) {
	s, err := m.cat.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.OwnerEmail != owner {
		return nil, ErrForbidden
	}
	if s.State == catalog.SessionOpen && s.ExpiresAt < catalog.FormatTime(time.Now()) {
		if err := m.cat.CASSessionState(ctx, sessionID, catalog.SessionOpen, catalog.SessionExpired); err == nil {
			m.removeSpool(sessionID)
		}
		return nil, fmt.Errorf("%w: expired", ErrSessionClosed)
	}
	return s, nil
}

// PutChunk receives one chunk body. Verification order: an explicit
// declaredHash wins, else the hash declared at initiation. Re-uploading a
// received chunk with identical bytes is a no-op; different bytes are
// rejected without touching the committed slot.
func (m *Manager) PutChunk(ctx context.Context, owner, sessionID string, idx int, declaredHash string, r io.Reader) (received, total int, err error) {
	s, err := m.openSession(ctx, owner, sessionID)
	if err != nil {
		return 0, 0, err
	}
	if s.State != catalog.SessionOpen {
		return 0, 0, ErrSessionClosed
	}
	if idx < 0 || idx >= s.TotalChunks {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, idx, s.TotalChunks)
	}
	chunks, err := m.cat.Chunks(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	slot := chunks[idx]

	expected := declaredHash
	if expected == "" {
		expected = slot.ExpectedHash
	}
	if slot.Received {
		// Idempotent re-upload: the bytes must equal what is already
		// committed.
		if expected != "" && expected != slot.ActualHash {
			return 0, 0, fmt.Errorf("%w: chunk %d re-uploaded with different hash", ErrChunkHashMismatch, idx)
		}
		expected = slot.ActualHash
	}

	spool, err := chunker.OpenSpool(m.layout.SpoolDir(sessionID))
	if err != nil {
		return 0, 0, err
	}
	size, actual, err := spool.WriteSlotVerified(idx, r, expected)
	if err != nil {
		if errors.Is(err, chunker.ErrHashMismatch) {
			return 0, 0, fmt.Errorf("%w: chunk %d", ErrChunkHashMismatch, idx)
		}
		return 0, 0, err
	}
	if !slot.Received {
		if err := m.cat.MarkChunkReceived(ctx, sessionID, idx, actual, size); err != nil {
			return 0, 0, err
		}
	}
	n, err := m.cat.ReceivedCount(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	return n, s.TotalChunks, nil
}

// ResumeInfo reports which chunks are still missing.
func (m *Manager) ResumeInfo(ctx context.Context, owner, sessionID string) (missing []int, total int, expiresAt string, err error) {
	s, err := m.openSession(ctx, owner, sessionID)
	if err != nil {
		return nil, 0, "", err
	}
	missing, err = m.cat.MissingChunks(ctx, sessionID)
	if err != nil {
		return nil, 0, "", err
	}
	return missing, s.TotalChunks, s.ExpiresAt, nil
}

// Progress reports byte-level progress for the status endpoint.
func (m *Manager) Progress(ctx context.Context, sessionID string) (bytesUploaded, bytesTotal int64, received, total int, err error) {
	s, err := m.cat.GetSession(ctx, sessionID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	chunks, err := m.cat.Chunks(ctx, sessionID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	for _, ch := range chunks {
		if ch.Received {
			bytesUploaded += ch.SizeBytes
			received++
		}
	}
	return bytesUploaded, s.TotalBytes, received, s.TotalChunks, nil
}

// Complete assembles the session into the dataset's file area, verifies
// the overall hash, appends the file entry, and advances the dataset
// status. The open→completing compare-and-set makes double completion
// impossible: the loser of a race gets ErrSessionClosed.
func (m *Manager) Complete(ctx context.Context, owner, sessionID string) (*catalog.Dataset, error) {
	s, err := m.openSession(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.cat.CASSessionState(ctx, sessionID, catalog.SessionOpen, catalog.SessionCompleting); err != nil {
		if errors.Is(err, catalog.ErrStaleState) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	missing, err := m.cat.MissingChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		// Reopen so the client can upload the rest and retry.
		if casErr := m.cat.CASSessionState(ctx, sessionID, catalog.SessionCompleting, catalog.SessionOpen); casErr != nil {
			m.log.Warn("reopen after incomplete complete failed", "session_id", sessionID, "err", casErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrChunksMissing, missing)
	}

	spool, err := chunker.OpenSpool(m.layout.SpoolDir(sessionID))
	if err != nil {
		return nil, err
	}
	dest, err := guard.SafeJoin(m.layout.UploadDir(s.DatasetUUID), s.Filename)
	if err != nil {
		return nil, err
	}
	overall, err := spool.Assemble(dest, s.TotalChunks)
	if err != nil {
		if casErr := m.cat.CASSessionState(ctx, sessionID, catalog.SessionCompleting, catalog.SessionOpen); casErr != nil {
			m.log.Warn("reopen after assembly failure failed", "session_id", sessionID, "err", casErr)
		}
		return nil, err
	}
	if s.OverallHash != "" && overall != s.OverallHash {
		removeFile(dest)
		m.removeSpool(sessionID)
		if casErr := m.cat.CASSessionState(ctx, sessionID, catalog.SessionCompleting, catalog.SessionAborted); casErr != nil {
			m.log.Warn("abort after hash mismatch failed", "session_id", sessionID, "err", casErr)
		}
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrOverallHashMismatch, s.OverallHash, overall)
	}

	entry := catalog.FileEntry{
		Filename:     s.Filename,
		SizeBytes:    s.TotalBytes,
		UploadedAt:   catalog.FormatTime(time.Now()),
		RelativePath: s.Filename,
	}
	if err := m.cat.AppendFile(ctx, s.DatasetUUID, entry); err != nil {
		return nil, err
	}
	m.removeSpool(sessionID)
	if err := m.cat.CASSessionState(ctx, sessionID, catalog.SessionCompleting, catalog.SessionCompleted); err != nil {
		return nil, err
	}

	d, err := AdvanceAfterIngest(ctx, m.cat, m.layout, s.DatasetUUID, m.log)
	if err != nil {
		return nil, err
	}
	m.log.Info("session completed",
		"session_id", sessionID, "dataset", d.UUID, "status", d.Status)
	return d, nil
}

// Abort cancels an open session and discards its spool.
func (m *Manager) Abort(ctx context.Context, owner, sessionID string) error {
	if _, err := m.openSession(ctx, owner, sessionID); err != nil {
		return err
	}
	if err := m.cat.CASSessionState(ctx, sessionID, catalog.SessionOpen, catalog.SessionAborted); err != nil {
		if errors.Is(err, catalog.ErrStaleState) {
			return ErrSessionClosed
		}
		return err
	}
	m.removeSpool(sessionID)
	m.log.Info("session aborted", "session_id", sessionID)
	return nil
}

// SweepExpired expires stale open sessions and reclaims their spool
// space. Returns the number expired.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.cat.ExpireSessions(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, s := range expired {
		m.removeSpool(s.SessionID)
	}
	return len(expired), nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("file removal failed", "path", path, "err", err)
	}
}

func (m *Manager) removeSpool(sessionID string) {
	spool, err := chunker.OpenSpool(m.layout.SpoolDir(sessionID))
	if err != nil {
		return
	}
	if err := spool.Remove(); err != nil {
		m.log.Warn("spool removal failed", "session_id", sessionID, "err", err)
	}
}

// AdvanceAfterIngest moves a dataset to its post-ingest status: conversion
// queued when convert is set, done otherwise. Uploaded zip archives are
// expanded first, passing the dataset through unzipping. A dataset already
// at the target is left alone.
func AdvanceAfterIngest(ctx context.Context, cat *catalog.Catalog, layout config.Layout, datasetUUID string, log *slog.Logger) (*catalog.Dataset, error) {
	d, err := cat.GetDatasetByUUID(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	target := catalog.StatusConversionQueued
	if !d.Convert {
		target = catalog.StatusDone
	}
	if d.Status == target {
		return d, nil
	}
	from, err := expandArchives(ctx, cat, layout, d, log)
	if err != nil {
		return nil, err
	}
	if !catalog.CanTransition(from, target) {
		return nil, fmt.Errorf("%w: %q → %q", catalog.ErrInvalidTransition, from, target)
	}
	if err := cat.CompareAndSetStatus(ctx, datasetUUID, from, target); err != nil {
		return nil, err
	}
	d.Status = target
	if log != nil {
		log.Info("dataset advanced", "dataset", datasetUUID, "status", target)
	}
	return d, nil
}
