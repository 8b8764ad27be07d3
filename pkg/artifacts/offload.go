package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// FileOffloader copies local files into a Store before they are deleted.
// It satisfies deadletter.Offloader.
type FileOffloader struct {
	store  Store
	logger *slog.Logger
}

func NewFileOffloader(store Store) *FileOffloader {
	return &FileOffloader{store: store, logger: slog.Default().With("component", "artifacts")}
}

// Offload stores the file's bytes and confirms the blob exists.
func (o *FileOffloader) Offload(ctx context.Context, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the sink's own archive listing
	if err != nil {
		return fmt.Errorf("artifacts: read %s: %w", path, err)
	}
	ref, err := o.store.Put(ctx, data)
	if err != nil {
		return err
	}
	ok, err := o.store.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("artifacts: %s missing after upload", ref)
	}
	o.logger.InfoContext(ctx, "file offloaded", "path", path, "ref", ref, "bytes", len(data))
	return nil
}
