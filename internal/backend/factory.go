package backend

import (
	"context"
	"fmt"

	"bv-go/internal/bv"
	"bv-go/internal/config"
)

// NewBackendFromConfig creates a Backend implementation based on the backend config type.
func NewBackendFromConfig(ctx context.Context, cfg config.BackendConfig) (bv.Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem backend requires fs_root to be set")
		}
		return NewFileSystemBackend(cfg.FSRoot)
	case "s3":
		return NewS3Backend(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			LockMode:        cfg.S3LockMode,
		})
	case "gcs":
		return NewGCSBackend(ctx, GCSOptions{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
