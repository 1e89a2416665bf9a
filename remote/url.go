package remote

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/guard"
)

func nowUTC() time.Time { return time.Now().UTC() }

// httpClient is shared by URL fetches. No overall timeout here: a
// multi-terabyte pull legitimately runs for hours, the per-job deadline
// comes from the caller's context.
var httpClient = &http.Client{}

// URLSource references a plain downloadable URL.
type URLSource struct {
	URL string `json:"url" mapstructure:"url" validate:"required,url"`
	// Filename overrides the name derived from the URL path.
	Filename string `json:"filename,omitempty" mapstructure:"filename"`
}

func (s *URLSource) Kind() string { return SourceURL }

// Fetch downloads the URL into destDir. The target is checked against the
// private-address rules first, so a descriptor cannot be used to reach
// internal services.
func (s *URLSource) Fetch(ctx context.Context, destDir string, maxBytes int64) (catalog.FileEntry, error) {
	if err := guard.ValidateURL(s.URL); err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return catalog.FileEntry{}, fmt.Errorf("remote: fetch %s: status %d", s.URL, resp.StatusCode)
	}
	return saveStream(destDir, s.filename(resp), resp.Body, maxBytes)
}

// filename picks, in order: the explicit override, the Content-Disposition
// name, the URL path base.
func (s *URLSource) filename(resp *http.Response) string {
	if s.Filename != "" {
		return s.Filename
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if u, err := url.Parse(s.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "download.bin"
}
