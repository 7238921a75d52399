package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible mirror. Leaving Endpoint or Bucket
// empty disables mirroring.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type minioMirror struct {
	client *minio.Client
	bucket string
}

// NewMirror builds a Mirror from config. An unset endpoint or bucket yields
// the noop mirror so callers never branch on configuration.
func NewMirror(ctx context.Context, cfg MinioConfig) (Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return NoopMirror{}, nil
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: create bucket %s: %w", bucket, err)
		}
	}
	return &minioMirror{client: client, bucket: bucket}, nil
}

func (m *minioMirror) Enabled() bool { return true }

func (m *minioMirror) Put(ctx context.Context, key, localPath, contentType string) error {
	reader, size, err := openForRead(localPath)
	if err != nil {
		return fmt.Errorf("open %s for mirror: %w", localPath, err)
	}
	defer reader.Close()
	_, err = m.client.PutObject(ctx, m.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (m *minioMirror) Remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (m *minioMirror) PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("presign object %s: %w", key, err)
	}
	return u, nil
}
