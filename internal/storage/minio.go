package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinIOConfig describes an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	PublicURL string // Base for public object URLs, e.g. https://cdn.example.com
}

// MinIO stores render assets in an S3-compatible bucket.
type MinIO struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}

	return &MinIO{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	log.Info().Str("component", "storage").Str("bucket", m.bucket).Msg("Created bucket")
	return nil
}

// Upload writes data to path, overwriting any previous object.
func (m *MinIO) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	log.Debug().Str("component", "storage").Str("path", path).Int("bytes", len(data)).Msg("Uploaded object")
	return nil
}

// GetPublicURL assumes the bucket allows anonymous reads.
func (m *MinIO) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", m.publicURL, m.bucket, strings.TrimLeft(path, "/"))
}
