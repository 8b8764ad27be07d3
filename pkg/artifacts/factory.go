package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType selects the artifact backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config mirrors the ARTIFACT_* environment variables.
type Config struct {
	Type    StoreType
	DataDir string
	S3      S3Config
	GCS     GCSConfig
}

// New opens the configured backend. The filesystem store lives under
// DataDir/artifacts.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeS3:
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCS)
	}
	return nil, fmt.Errorf("artifacts: unsupported storage type %q", cfg.Type)
}
