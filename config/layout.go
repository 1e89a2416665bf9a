package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the on-disk tree under the ingest root. Every per-dataset
// directory is keyed by uuid, so concurrent ingests never collide.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// UploadDir holds the raw inputs of one dataset as uploaded.
func (l Layout) UploadDir(uuid string) string {
	return filepath.Join(l.Root, "upload", uuid)
}

// ConvertedDir holds the converter outputs of one dataset.
func (l Layout) ConvertedDir(uuid string) string {
	return filepath.Join(l.Root, "converted", uuid)
}

// SyncDir is the landing area for remote-source pulls of one dataset.
func (l Layout) SyncDir(uuid string) string {
	return filepath.Join(l.Root, "sync", uuid)
}

// TmpDir holds the per-session chunk spools.
func (l Layout) TmpDir() string {
	return filepath.Join(l.Root, "tmp")
}

// SpoolDir is the chunk spool of one upload session.
func (l Layout) SpoolDir(sessionID string) string {
	return filepath.Join(l.TmpDir(), sessionID)
}

// Ensure creates the top-level tree.
func (l Layout) Ensure() error {
	for _, dir := range []string{
		filepath.Join(l.Root, "upload"),
		filepath.Join(l.Root, "converted"),
		filepath.Join(l.Root, "sync"),
		l.TmpDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: layout: %w", err)
		}
	}
	return nil
}

// DirSize returns the total size in bytes of all regular files under dir.
// A missing dir counts as zero.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
