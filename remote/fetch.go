package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/guard"
)

// saveStream writes r into destDir/filename through a temp file and
// rename, returning the file entry. filename is reduced to its base and
// checked against the identifier rules before touching the filesystem. A
// positive maxBytes stops the copy one byte past the cap and discards the
// partial file with ErrTooLarge.
func saveStream(destDir, filename string, r io.Reader, maxBytes int64) (catalog.FileEntry, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "download.bin"
	}
	if err := guard.ValidateIdentifier(filename); err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: filename: %w", err)
	}
	dest, err := guard.SafeJoin(destDir, filename)
	if err != nil {
		return catalog.FileEntry{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: create dest dir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, filename+".part-*")
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return catalog.FileEntry{}, fmt.Errorf("remote: stream %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return catalog.FileEntry{}, err
	}
	if maxBytes > 0 && n > maxBytes {
		return catalog.FileEntry{}, fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, filename, maxBytes)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: commit %s: %w", filename, err)
	}
	return catalog.FileEntry{
		Filename:     filename,
		SizeBytes:    n,
		UploadedAt:   catalog.FormatTime(nowUTC()),
		RelativePath: filename,
	}, nil
}
