package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testDataset(n int) *Dataset {
	return &Dataset{
		UUID:           fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Name:           fmt.Sprintf("wheat-trial-%d", n),
		Slug:           fmt.Sprintf("lab-wheat-trial-%d-2026", n),
		NumericID:      int64(10000 + n),
		OwnerEmail:     "ana@example.org",
		Sensor:         "TIFF",
		Convert:        true,
		IsPublic:       VisibilityOwner,
		IsDownloadable: VisibilityOwner,
		Status:         StatusSubmitted,
	}
}

func mustInsert(t *testing.T, c *Catalog, d *Dataset) {
	t.Helper()
	if err := c.InsertDataset(context.Background(), d); err != nil {
		t.Fatalf("InsertDataset(%s): %v", d.UUID, err)
	}
}

func TestDatasetInsertAndLookup(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	d.Tags = []string{"wheat", "2026"}
	mustInsert(t, c, d)

	byUUID, err := c.GetDatasetByUUID(ctx, d.UUID)
	if err != nil {
		t.Fatalf("GetDatasetByUUID: %v", err)
	}
	if byUUID.Name != d.Name || byUUID.Status != StatusSubmitted {
		t.Errorf("got %q/%q, want %q/%q", byUUID.Name, byUUID.Status, d.Name, StatusSubmitted)
	}
	if len(byUUID.Tags) != 2 || byUUID.Tags[0] != "wheat" {
		t.Errorf("tags round-trip: got %v", byUUID.Tags)
	}

	bySlug, err := c.GetDatasetBySlug(ctx, d.Slug)
	if err != nil || bySlug.UUID != d.UUID {
		t.Fatalf("GetDatasetBySlug: %v, uuid %q", err, bySlug.UUID)
	}
	byNum, err := c.GetDatasetByNumericID(ctx, d.NumericID)
	if err != nil || byNum.UUID != d.UUID {
		t.Fatalf("GetDatasetByNumericID: %v", err)
	}
	if _, err := c.GetDatasetByUUID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing uuid: got %v, want ErrNotFound", err)
	}
}

func TestDatasetDuplicateSlug(t *testing.T) {
	c := OpenTemp(t)
	d1 := testDataset(1)
	mustInsert(t, c, d1)
	d2 := testDataset(2)
	d2.Slug = d1.Slug
	if err := c.InsertDataset(context.Background(), d2); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate slug: got %v, want ErrDuplicate", err)
	}
}

func TestDatasetNameAmbiguity(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d1 := testDataset(1)
	d1.Name = "field-scan"
	mustInsert(t, c, d1)
	d2 := testDataset(2)
	d2.Name = "field-scan"
	d2.OwnerEmail = "bo@example.org"
	mustInsert(t, c, d2)

	if _, err := c.GetDatasetByName(ctx, "field-scan", ""); !errors.Is(err, ErrAmbiguousIdentifier) {
		t.Fatalf("unscoped lookup: got %v, want ErrAmbiguousIdentifier", err)
	}
	got, err := c.GetDatasetByName(ctx, "field-scan", "bo@example.org")
	if err != nil {
		t.Fatalf("scoped lookup: %v", err)
	}
	if got.UUID != d2.UUID {
		t.Errorf("scoped lookup returned %q, want %q", got.UUID, d2.UUID)
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	mustInsert(t, c, d)

	if err := c.CompareAndSetStatus(ctx, d.UUID, StatusSubmitted, StatusUploadQueued); err != nil {
		t.Fatalf("first CAS: %v", err)
	}
	// Same CAS again must lose: stored status moved on.
	if err := c.CompareAndSetStatus(ctx, d.UUID, StatusSubmitted, StatusUploadQueued); !errors.Is(err, ErrStaleState) {
		t.Fatalf("repeat CAS: got %v, want ErrStaleState", err)
	}
	if err := c.CompareAndSetStatus(ctx, d.UUID, StatusDone, StatusSubmitted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("bad pair: got %v, want ErrInvalidTransition", err)
	}
	got, err := c.GetDatasetByUUID(ctx, d.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusUploadQueued {
		t.Errorf("status = %q, want %q", got.Status, StatusUploadQueued)
	}
}

func TestClaimOne(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()

	if _, err := c.ClaimOne(ctx, StatusConversionQueued, StatusConverting); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty queue: got %v, want ErrNotFound", err)
	}

	d := testDataset(1)
	d.Status = StatusConversionQueued
	mustInsert(t, c, d)

	claimed, err := c.ClaimOne(ctx, StatusConversionQueued, StatusConverting)
	if err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}
	if claimed.UUID != d.UUID || claimed.Status != StatusConverting {
		t.Errorf("claimed %q in %q", claimed.UUID, claimed.Status)
	}
	if claimed.ClaimedAt == "" {
		t.Error("claimed_at not stamped")
	}
	// The queue is now empty again.
	if _, err := c.ClaimOne(ctx, StatusConversionQueued, StatusConverting); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second claim: got %v, want ErrNotFound", err)
	}
}

func TestRecordConversionResult(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	d.Status = StatusConversionQueued
	mustInsert(t, c, d)
	if _, err := c.ClaimOne(ctx, StatusConversionQueued, StatusConverting); err != nil {
		t.Fatal(err)
	}

	err := c.RecordConversionResult(ctx, d.UUID, StatusConverting, StatusConversionQueued, 1, "exit status 1", 12.5)
	if err != nil {
		t.Fatalf("RecordConversionResult: %v", err)
	}
	got, err := c.GetDatasetByUUID(ctx, d.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusConversionQueued || got.ConversionAttempts != 1 {
		t.Errorf("status=%q attempts=%d", got.Status, got.ConversionAttempts)
	}
	if got.ConversionError != "exit status 1" {
		t.Errorf("conversion_error = %q", got.ConversionError)
	}
	if got.ClaimedAt != "" {
		t.Error("claim not cleared")
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	d.Status = StatusConversionQueued
	mustInsert(t, c, d)
	if _, err := c.ClaimOne(ctx, StatusConversionQueued, StatusConverting); err != nil {
		t.Fatal(err)
	}

	// A cutoff in the past rescues nothing.
	n, err := c.ReleaseStaleClaims(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("early cutoff: n=%d err=%v", n, err)
	}
	// A cutoff in the future treats the claim as stale.
	n, err = c.ReleaseStaleClaims(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rescued %d, want 1", n)
	}
	got, _ := c.GetDatasetByUUID(ctx, d.UUID)
	if got.Status != StatusConversionQueued || got.ClaimedAt != "" {
		t.Errorf("after rescue: status=%q claimed_at=%q", got.Status, got.ClaimedAt)
	}
}

func TestAppendFile(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	mustInsert(t, c, d)

	for i, name := range []string{"a.tif", "b.tif"} {
		entry := FileEntry{Filename: name, SizeBytes: int64(100 * (i + 1)), UploadedAt: nowRFC3339(), RelativePath: name}
		if err := c.AppendFile(ctx, d.UUID, entry); err != nil {
			t.Fatalf("AppendFile(%s): %v", name, err)
		}
	}
	got, err := c.GetDatasetByUUID(ctx, d.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Files) != 2 || got.Files[0].Filename != "a.tif" || got.Files[1].Filename != "b.tif" {
		t.Errorf("files = %+v", got.Files)
	}
	if err := c.AppendFile(ctx, "missing", FileEntry{Filename: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to missing: got %v", err)
	}
}

func TestCancelFlag(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	mustInsert(t, c, d)

	requested, err := c.CancelRequested(ctx, d.UUID)
	if err != nil || requested {
		t.Fatalf("fresh dataset: requested=%v err=%v", requested, err)
	}
	if err := c.RequestCancel(ctx, d.UUID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	requested, err = c.CancelRequested(ctx, d.UUID)
	if err != nil || !requested {
		t.Fatalf("after request: requested=%v err=%v", requested, err)
	}
}

func TestSoftDelete(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	d := testDataset(1)
	mustInsert(t, c, d)

	if err := c.SoftDelete(ctx, d.UUID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := c.GetDatasetByUUID(ctx, d.UUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted dataset visible: %v", err)
	}
	if err := c.SoftDelete(ctx, d.UUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v", err)
	}
}

func TestListByOwnerAndFindByStatus(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		d := testDataset(i)
		if i == 3 {
			d.Status = StatusDone
		}
		mustInsert(t, c, d)
	}

	all, err := c.ListByOwner(ctx, "ana@example.org", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("ListByOwner: %d rows, want 3", len(all))
	}
	done, err := c.ListByOwner(ctx, "ana@example.org", StatusDone, 0, 0)
	if err != nil || len(done) != 1 {
		t.Fatalf("filtered list: %d rows err=%v", len(done), err)
	}
	submitted, err := c.FindByStatus(ctx, StatusSubmitted, 10)
	if err != nil || len(submitted) != 2 {
		t.Fatalf("FindByStatus: %d rows err=%v", len(submitted), err)
	}
}

func TestNextCounter(t *testing.T) {
	c := OpenTemp(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := c.NextCounter(ctx, "dataset_id")
		if err != nil {
			t.Fatalf("NextCounter: %v", err)
		}
		if got != want {
			t.Errorf("NextCounter = %d, want %d", got, want)
		}
	}
	other, err := c.NextCounter(ctx, "other")
	if err != nil || other != 1 {
		t.Errorf("independent counter: %d err=%v", other, err)
	}
}
