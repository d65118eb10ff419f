package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"livecast/configs"
)

// Storage holds attachment blobs for the session store.
type Storage interface {
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// GetURL returns a path for local storage and a presigned URL for S3.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// New picks the backend named by STORAGE_DRIVER.
func New(ctx context.Context, cfg *configs.Config) (Storage, error) {
	switch cfg.Storage.Driver {
	case "", "local":
		return NewLocalStorage(cfg.Storage.LocalPath)
	case "s3":
		s3cfg := cfg.Storage.S3
		return NewS3Storage(ctx, S3Config{
			Endpoint:        s3cfg.Endpoint,
			Region:          s3cfg.Region,
			Bucket:          s3cfg.Bucket,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
