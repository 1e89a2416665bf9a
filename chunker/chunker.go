// Package chunker manages the on-disk spool of a chunked upload: one
// directory per session holding chunk_%05d.bin slot files, assembled in
// index order into the final artifact once every slot is filled.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrHashMismatch means a chunk's computed sha256 differed from what the
// caller declared. The slot is left untouched.
var ErrHashMismatch = errors.New("chunker: hash mismatch")

// DefaultChunkSize is used when the caller does not pick a size.
const DefaultChunkSize int64 = 100 * 1024 * 1024 // 100 MiB

// SlotName returns the canonical file name for chunk idx.
func SlotName(idx int) string {
	return fmt.Sprintf("chunk_%05d.bin", idx)
}

// Spool is a session's chunk directory.
type Spool struct {
	dir string
}

// OpenSpool creates (if needed) and returns the spool at dir.
func OpenSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunker: create spool: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory path.
func (s *Spool) Dir() string { return s.dir }

// SlotPath returns the on-disk path of chunk idx.
func (s *Spool) SlotPath(idx int) string {
	return filepath.Join(s.dir, SlotName(idx))
}

// WriteSlot streams one chunk body into slot idx, returning the byte count
// and hex sha256 of what was written. The write goes through a temp file
// and a rename, so a slot either holds a complete chunk or does not exist;
// re-writing a filled slot simply replaces it with identical bytes.
func (s *Spool) WriteSlot(idx int, r io.Reader) (int64, string, error) {
	tmp, err := os.CreateTemp(s.dir, SlotName(idx)+".part-*")
	if err != nil {
		return 0, "", fmt.Errorf("chunker: temp slot %d: %w", idx, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("chunker: write slot %d: %w", idx, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("chunker: close slot %d: %w", idx, err)
	}
	if err := os.Rename(tmpPath, s.SlotPath(idx)); err != nil {
		return 0, "", fmt.Errorf("chunker: commit slot %d: %w", idx, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// WriteSlotVerified is WriteSlot with a declared hash: the chunk is only
// committed when its computed sha256 equals expectedHash. An empty
// expectedHash skips verification. On ErrHashMismatch the previous slot
// content, if any, survives.
func (s *Spool) WriteSlotVerified(idx int, r io.Reader, expectedHash string) (int64, string, error) {
	tmp, err := os.CreateTemp(s.dir, SlotName(idx)+".part-*")
	if err != nil {
		return 0, "", fmt.Errorf("chunker: temp slot %d: %w", idx, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("chunker: write slot %d: %w", idx, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("chunker: close slot %d: %w", idx, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if expectedHash != "" && actual != expectedHash {
		return n, actual, fmt.Errorf("%w: slot %d: expected %s, got %s", ErrHashMismatch, idx, expectedHash, actual)
	}
	if err := os.Rename(tmpPath, s.SlotPath(idx)); err != nil {
		return 0, "", fmt.Errorf("chunker: commit slot %d: %w", idx, err)
	}
	return n, actual, nil
}

// HasSlot reports whether slot idx holds a committed chunk.
func (s *Spool) HasSlot(idx int) bool {
	info, err := os.Stat(s.SlotPath(idx))
	return err == nil && info.Mode().IsRegular()
}

// Size returns the total bytes currently held in committed slots.
func (s *Spool) Size(totalChunks int) (int64, error) {
	var total int64
	for i := 0; i < totalChunks; i++ {
		info, err := os.Stat(s.SlotPath(i))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Assemble concatenates slots 0..totalChunks-1 in index order into
// outPath, computing the overall sha256 while streaming. A missing slot
// aborts. The output goes through a temp file and rename; on any failure
// nothing is left at outPath.
func (s *Spool) Assemble(outPath string, totalChunks int) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("chunker: create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".part-*")
	if err != nil {
		return "", fmt.Errorf("chunker: temp output: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	w := io.MultiWriter(tmp, h)
	for i := 0; i < totalChunks; i++ {
		src, err := os.Open(s.SlotPath(i))
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("chunker: open slot %d: %w", i, err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("chunker: copy slot %d: %w", i, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("chunker: close output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return "", fmt.Errorf("chunker: commit output: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove deletes the spool directory and everything in it.
func (s *Spool) Remove() error {
	return os.RemoveAll(s.dir)
}

// HashFile returns the hex sha256 of the file at path, streaming.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FormatBytes returns a human-readable size string.
func FormatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = 1024 * KiB
		GiB = 1024 * MiB
	)
	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
