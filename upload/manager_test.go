package upload

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/chunker"
	"github.com/scivault/ingestd/config"
)

func testEnv(t *testing.T) (*Manager, *catalog.Catalog, config.Layout) {
	t.Helper()
	cat := catalog.OpenTemp(t)
	layout := config.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	mgr := NewManager(cat, layout, cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return mgr, cat, layout
}

func seedUploadDataset(t *testing.T, cat *catalog.Catalog, convert bool) *catalog.Dataset {
	t.Helper()
	d := &catalog.Dataset{
		UUID:           "11111111-1111-4111-8111-111111111111",
		Name:           "scan",
		Slug:           "ana-scan-2026",
		NumericID:      10001,
		OwnerEmail:     "ana@example.org",
		Sensor:         "TIFF",
		Convert:        convert,
		IsPublic:       catalog.VisibilityOwner,
		IsDownloadable: catalog.VisibilityOwner,
		Status:         catalog.StatusUploading,
	}
	if err := cat.InsertDataset(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func splitBytes(payload []byte, chunkSize int64) [][]byte {
	var parts [][]byte
	for off := int64(0); off < int64(len(payload)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		parts = append(parts, payload[off:end])
	}
	return parts
}

func TestChunkedUploadHappyPath(t *testing.T) {
	mgr, cat, layout := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	payload := bytes.Repeat([]byte("abcdefgh"), 40) // 320 bytes
	const chunkSize = 100
	parts := splitBytes(payload, chunkSize)
	var hashes []string
	for _, p := range parts {
		hashes = append(hashes, chunker.HashBytes(p))
	}

	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", int64(len(payload)), chunker.HashBytes(payload), hashes, chunkSize)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if s.TotalChunks != 4 {
		t.Fatalf("total chunks = %d, want 4", s.TotalChunks)
	}

	// Chunks may arrive in any order.
	for _, idx := range []int{2, 0, 3, 1} {
		received, total, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, idx, "", bytes.NewReader(parts[idx]))
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", idx, err)
		}
		if total != 4 {
			t.Errorf("total = %d", total)
		}
		_ = received
	}

	got, err := mgr.Complete(ctx, d.OwnerEmail, s.SessionID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != catalog.StatusConversionQueued {
		t.Errorf("status = %q, want conversion queued", got.Status)
	}
	if len(got.Files) != 1 || got.Files[0].Filename != "scan.bin" {
		t.Errorf("files = %+v", got.Files)
	}

	assembled, err := os.ReadFile(filepath.Join(layout.UploadDir(d.UUID), "scan.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, payload) {
		t.Error("assembled bytes differ from payload")
	}
	// Spool is reclaimed.
	if _, err := os.Stat(layout.SpoolDir(s.SessionID)); !os.IsNotExist(err) {
		t.Error("spool survived completion")
	}
	// Session is closed to further writes.
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(parts[0])); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("write after complete: %v", err)
	}
}

func TestResumeAfterPartialUpload(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	payload := bytes.Repeat([]byte("x"), 250)
	parts := splitBytes(payload, 100)
	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", 250, chunker.HashBytes(payload), nil, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Chunks 0 and 2 land, chunk 1 is lost.
	for _, idx := range []int{0, 2} {
		if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, idx, "", bytes.NewReader(parts[idx])); err != nil {
			t.Fatal(err)
		}
	}
	missing, total, _, err := mgr.ResumeInfo(ctx, d.OwnerEmail, s.SessionID)
	if err != nil {
		t.Fatalf("ResumeInfo: %v", err)
	}
	if total != 3 || len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("missing = %v total = %d", missing, total)
	}

	// Completing early fails and reopens the session.
	if _, err := mgr.Complete(ctx, d.OwnerEmail, s.SessionID); !errors.Is(err, ErrChunksMissing) {
		t.Fatalf("early complete: %v", err)
	}

	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 1, "", bytes.NewReader(parts[1])); err != nil {
		t.Fatalf("resume chunk: %v", err)
	}
	if _, err := mgr.Complete(ctx, d.OwnerEmail, s.SessionID); err != nil {
		t.Fatalf("final complete: %v", err)
	}
}

func TestChunkHashMismatch(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	good := bytes.Repeat([]byte("g"), 100)
	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", 100, "", []string{chunker.HashBytes(good)}, 100)
	if err != nil {
		t.Fatal(err)
	}
	// Declared-at-initiation hash is enforced.
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader([]byte("tampered"))); !errors.Is(err, ErrChunkHashMismatch) {
		t.Fatalf("tampered chunk: %v", err)
	}
	missing, _, _, err := mgr.ResumeInfo(ctx, d.OwnerEmail, s.SessionID)
	if err != nil || len(missing) != 1 {
		t.Fatalf("rejected chunk marked received: missing=%v err=%v", missing, err)
	}

	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(good)); err != nil {
		t.Fatalf("correct chunk: %v", err)
	}
	// Idempotent re-upload with identical bytes.
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(good)); err != nil {
		t.Fatalf("identical re-upload: %v", err)
	}
	// Re-upload with different bytes is rejected.
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader([]byte("different"))); !errors.Is(err, ErrChunkHashMismatch) {
		t.Fatalf("different re-upload: %v", err)
	}
}

func TestOverallHashMismatch(t *testing.T) {
	mgr, cat, layout := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	payload := bytes.Repeat([]byte("p"), 50)
	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", 50, chunker.HashBytes([]byte("lied about this")), nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Complete(ctx, d.OwnerEmail, s.SessionID); !errors.Is(err, ErrOverallHashMismatch) {
		t.Fatalf("Complete: %v", err)
	}
	// The session is dead and the partial output removed.
	got, err := cat.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != catalog.SessionAborted {
		t.Errorf("state = %q, want aborted", got.State)
	}
	if _, err := os.Stat(filepath.Join(layout.UploadDir(d.UUID), "scan.bin")); !os.IsNotExist(err) {
		t.Error("mismatched file left in dataset area")
	}
}

func TestChunkCountEdges(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	// Size exactly chunk_size: 1 chunk.
	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "exact.bin", 100, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalChunks != 1 {
		t.Errorf("exact: %d chunks", s.TotalChunks)
	}
	// Size chunk_size+1: 2 chunks.
	s, err = mgr.Initiate(ctx, d.OwnerEmail, d, "plus-one.bin", 101, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalChunks != 2 {
		t.Errorf("plus one: %d chunks", s.TotalChunks)
	}
	// Out-of-range index.
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 2, "", bytes.NewReader([]byte("x"))); !errors.Is(err, ErrChunkOutOfRange) {
		t.Errorf("out of range: %v", err)
	}
}

func TestSessionIDsAreScopedAndUnique(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	a, err := mgr.Initiate(ctx, d.OwnerEmail, d, "a.bin", 100, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Initiate(ctx, d.OwnerEmail, d, "b.bin", 100, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*catalog.UploadSession{a, b} {
		if !strings.HasPrefix(s.SessionID, "ses_") {
			t.Errorf("session id %q lacks the ses_ scope", s.SessionID)
		}
	}
	if a.SessionID == b.SessionID {
		t.Errorf("session ids collide: %q", a.SessionID)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", 100, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.PutChunk(ctx, "mallory@example.org", s.SessionID, 0, "", bytes.NewReader([]byte("x"))); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign PutChunk: %v", err)
	}
	if err := mgr.Abort(ctx, "mallory@example.org", s.SessionID); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign Abort: %v", err)
	}
}

func TestAbortAndSweep(t *testing.T) {
	mgr, cat, layout := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, true)

	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "scan.bin", 100, "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(bytes.Repeat([]byte("x"), 100))); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Abort(ctx, d.OwnerEmail, s.SessionID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(layout.SpoolDir(s.SessionID)); !os.IsNotExist(err) {
		t.Error("spool survived abort")
	}
	if err := mgr.Abort(ctx, d.OwnerEmail, s.SessionID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("double abort: %v", err)
	}

	// An expired session is swept with its spool.
	s2 := &catalog.UploadSession{
		SessionID:   "expired-sess",
		DatasetUUID: d.UUID,
		Filename:    "old.bin",
		TotalBytes:  10,
		ChunkSize:   100,
		TotalChunks: 1,
		OwnerEmail:  d.OwnerEmail,
		ExpiresAt:   catalog.FormatTime(time.Now().Add(-time.Hour)),
	}
	if err := cat.CreateSession(ctx, s2, nil); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(layout.SpoolDir(s2.SessionID), 0o755); err != nil {
		t.Fatal(err)
	}
	n, err := mgr.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired: n=%d err=%v", n, err)
	}
	if _, err := os.Stat(layout.SpoolDir(s2.SessionID)); !os.IsNotExist(err) {
		t.Error("expired spool survived sweep")
	}
}

func TestConvertFalseCompletesToDone(t *testing.T) {
	mgr, cat, _ := testEnv(t)
	ctx := context.Background()
	d := seedUploadDataset(t, cat, false)

	payload := []byte("tiny")
	s, err := mgr.Initiate(ctx, d.OwnerEmail, d, "t.bin", int64(len(payload)), "", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.PutChunk(ctx, d.OwnerEmail, s.SessionID, 0, "", bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	got, err := mgr.Complete(ctx, d.OwnerEmail, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != catalog.StatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
}
