package remote

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scivault/ingestd/catalog"
)

// S3Source references one object in an S3-compatible store. Endpoint
// defaults to AWS; any S3-compatible endpoint (MinIO, Ceph) works.
type S3Source struct {
	Bucket    string `json:"bucket" mapstructure:"bucket" validate:"required"`
	Key       string `json:"key" mapstructure:"key" validate:"required"`
	AccessKey string `json:"access_key" mapstructure:"access_key" validate:"required"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key" validate:"required"`
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Region    string `json:"region,omitempty" mapstructure:"region"`
	Insecure  bool   `json:"insecure,omitempty" mapstructure:"insecure"`
}

func (s *S3Source) Kind() string { return SourceS3 }

const defaultS3Endpoint = "s3.amazonaws.com"

// Fetch streams the object into destDir, named by the key's base.
func (s *S3Source) Fetch(ctx context.Context, destDir string, maxBytes int64) (catalog.FileEntry, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.AccessKey, s.SecretKey, ""),
		Secure: !s.Insecure,
		Region: s.Region,
	})
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: s3 client: %w", err)
	}
	obj, err := client.GetObject(ctx, s.Bucket, s.Key, minio.GetObjectOptions{})
	if err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: s3 get %s/%s: %w", s.Bucket, s.Key, err)
	}
	defer obj.Close()
	// GetObject is lazy; Stat forces the first request so missing objects
	// fail here instead of mid-stream.
	if _, err := obj.Stat(); err != nil {
		return catalog.FileEntry{}, fmt.Errorf("remote: s3 stat %s/%s: %w", s.Bucket, s.Key, err)
	}
	return saveStream(destDir, path.Base(s.Key), obj, maxBytes)
}
