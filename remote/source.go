// Package remote pulls dataset bytes from client-referenced sources: plain
// URLs, S3 objects, and Google Drive files. A source descriptor arrives as
// a source_type plus an untyped source_config map; it is decoded into the
// matching typed variant at the boundary and rejected there when unknown
// or incomplete.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/scivault/ingestd/catalog"
)

// Supported source_type values.
const (
	SourceURL         = "url"
	SourceS3          = "s3"
	SourceGoogleDrive = "google_drive"
)

// ErrUnknownSource means the source_type is not one of the supported kinds.
var ErrUnknownSource = errors.New("remote: unknown source type")

// ErrTooLarge means the referenced object exceeds the size cap the caller
// passed to Fetch.
var ErrTooLarge = errors.New("remote: source exceeds the maximum file size")

// Source is one typed remote-source descriptor. Fetch streams the
// referenced object into destDir and returns the file entry for the
// dataset record. A positive maxBytes caps the download; streams beyond it
// are discarded with ErrTooLarge.
type Source interface {
	Kind() string
	Fetch(ctx context.Context, destDir string, maxBytes int64) (catalog.FileEntry, error)
}

var validate = validator.New()

// ParseSource decodes the untyped source_config map into the variant named
// by sourceType and validates its required fields.
func ParseSource(sourceType string, cfg map[string]any) (Source, error) {
	var src Source
	switch sourceType {
	case SourceURL:
		src = &URLSource{}
	case SourceS3:
		src = &S3Source{}
	case SourceGoogleDrive:
		src = &DriveSource{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceType)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      src,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("remote: decode %s source: %w", sourceType, err)
	}
	if err := validate.Struct(src); err != nil {
		return nil, fmt.Errorf("remote: invalid %s source: %w", sourceType, err)
	}
	return src, nil
}

// envelope is the persisted form of a source descriptor on the dataset
// record.
type envelope struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// EncodeSource serializes a source for persistence on the dataset record.
func EncodeSource(src Source) (string, error) {
	cfg, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(envelope{Type: src.Kind(), Config: cfg})
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// DecodeSource restores a source descriptor persisted by EncodeSource.
func DecodeSource(blob string) (Source, error) {
	var env envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("remote: decode source envelope: %w", err)
	}
	var src Source
	switch env.Type {
	case SourceURL:
		src = &URLSource{}
	case SourceS3:
		src = &S3Source{}
	case SourceGoogleDrive:
		src = &DriveSource{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, env.Type)
	}
	if err := json.Unmarshal(env.Config, src); err != nil {
		return nil, fmt.Errorf("remote: decode %s source: %w", env.Type, err)
	}
	if err := validate.Struct(src); err != nil {
		return nil, fmt.Errorf("remote: invalid %s source: %w", env.Type, err)
	}
	return src, nil
}

// SupportedSources describes the capability surface for discovery
// endpoints: each kind with its required config keys.
func SupportedSources() map[string][]string {
	return map[string][]string{
		SourceURL:         {"url"},
		SourceS3:          {"bucket", "key", "access_key", "secret_key"},
		SourceGoogleDrive: {"file_id", "service_account_json"},
	}
}
