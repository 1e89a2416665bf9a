package upload

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/guard"
)

// isArchive reports whether filename names a zip archive.
func isArchive(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".zip")
}

// expandArchives extracts any zip entries in the dataset's files array into
// the upload dir and replaces the archive entries with the extracted files.
// The dataset passes through the unzipping status while extraction runs.
// Returns the dataset status the caller should advance from.
func expandArchives(ctx context.Context, cat *catalog.Catalog, layout config.Layout, d *catalog.Dataset, log *slog.Logger) (catalog.Status, error) {
	var archives []catalog.FileEntry
	kept := make([]catalog.FileEntry, 0, len(d.Files))
	for _, f := range d.Files {
		if isArchive(f.RelativePath) {
			archives = append(archives, f)
		} else {
			kept = append(kept, f)
		}
	}
	if len(archives) == 0 {
		return d.Status, nil
	}
	if !catalog.CanTransition(d.Status, catalog.StatusUnzipping) {
		return d.Status, fmt.Errorf("%w: %q → %q", catalog.ErrInvalidTransition, d.Status, catalog.StatusUnzipping)
	}
	if err := cat.CompareAndSetStatus(ctx, d.UUID, d.Status, catalog.StatusUnzipping); err != nil {
		return d.Status, err
	}

	dir := layout.UploadDir(d.UUID)
	for _, a := range archives {
		path, err := guard.SafeJoin(dir, a.RelativePath)
		if err != nil {
			return catalog.StatusUnzipping, err
		}
		extracted, err := extractZip(path, dir)
		if err != nil {
			return catalog.StatusUnzipping, fmt.Errorf("extract %s: %w", a.RelativePath, err)
		}
		kept = append(kept, extracted...)
		removeFile(path)
		if log != nil {
			log.Info("archive expanded", "dataset", d.UUID, "archive", a.RelativePath, "files", len(extracted))
		}
	}
	if err := cat.ReplaceFiles(ctx, d.UUID, kept); err != nil {
		return catalog.StatusUnzipping, err
	}
	d.Files = kept
	return catalog.StatusUnzipping, nil
}

// extractZip unpacks every regular file in the archive into destDir.
// Nested paths are flattened to their base name; traversal components in
// entry names are discarded with the rest of the path.
func extractZip(archivePath, destDir string) ([]catalog.FileEntry, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []catalog.FileEntry
	seen := make(map[string]bool)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(filepath.FromSlash(f.Name))
		if name == "." || name == ".." || strings.HasPrefix(name, "__MACOSX") {
			continue
		}
		if err := guard.ValidateIdentifier(name); err != nil {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		entry, err := extractOne(f, destDir, name)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func extractOne(f *zip.File, destDir, name string) (catalog.FileEntry, error) {
	var entry catalog.FileEntry
	path, err := guard.SafeJoin(destDir, name)
	if err != nil {
		return entry, err
	}
	src, err := f.Open()
	if err != nil {
		return entry, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(destDir, ".extract-*")
	if err != nil {
		return entry, err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return entry, err
	}
	return catalog.FileEntry{
		Filename:     name,
		SizeBytes:    n,
		UploadedAt:   time.Now().UTC().Format(time.RFC3339),
		RelativePath: name,
	}, nil
}
