package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/scivault/ingestd/catalog"
)

// DriveSource references a Google Drive file readable by a service
// account. The service account JSON is passed through by the client and
// never persisted beyond the dataset's source descriptor.
type DriveSource struct {
	FileID             string `json:"file_id" mapstructure:"file_id" validate:"required"`
	ServiceAccountJSON string `json:"service_account_json" mapstructure:"service_account_json" validate:"required"`
}

func (s *DriveSource) Kind() string { return SourceGoogleDrive }

const (
	driveScope   = "https://www.googleapis.com/auth/drive.readonly"
	driveFileURL = "https://www.googleapis.com/drive/v3/files/"
)

// Fetch downloads the file via the Drive v3 API: one metadata request for
// the name, one alt=media request for the bytes.
func (s *DriveSource) Fetch(ctx context.Context, destDir string, maxBytes int64) (catalog.FileEntry, error) {
	jwtCfg, err := google.JWTConfigFromJSON([]byte(s.ServiceAccountJSON), driveScope)
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: drive credentials: %w", err)
	}
	client := jwtCfg.Client(ctx)

	name, err := s.fileName(ctx, client)
	if err != nil {
		return catalog.FileEntry{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, driveFileURL+s.FileID+"?alt=media", nil)
	if err != nil {
		return catalog.FileEntry{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: drive download %s: %w", s.FileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return catalog.FileEntry{}, fmt.Errorf("remote: drive download %s: status %d: %s", s.FileID, resp.StatusCode, body)
	}
	return saveStream(destDir, name, resp.Body, maxBytes)
}

func (s *DriveSource) fileName(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, driveFileURL+s.FileID+"?fields=name", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote: drive metadata %s: %w", s.FileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote: drive metadata %s: status %d", s.FileID, resp.StatusCode)
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("remote: drive metadata %s: %w", s.FileID, err)
	}
	if meta.Name == "" {
		meta.Name = s.FileID + ".bin"
	}
	return meta.Name, nil
}
