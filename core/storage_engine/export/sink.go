package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore receives exports addressed as s3://bucket/key.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
}

// MinioConfig configures an S3-compatible object store.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
}

// MinioStore is an ObjectStore backed by MinIO or any S3-compatible service.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		return fmt.Errorf("failed to upload s3://%s/%s (code %s): %w", bucket, key, resp.Code, err)
	}
	return nil
}

// parseObjectURL splits s3://bucket/key. ok is false for local paths.
func parseObjectURL(dest string) (bucket, key string, ok bool, err error) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found {
		return "", "", false, nil
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", true, fmt.Errorf("invalid object url %q: want s3://bucket/key", dest)
	}
	return bucket, key, true, nil
}
