package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Offloader copies an archive somewhere durable before it is deleted.
type Offloader interface {
	Offload(ctx context.Context, path string) error
}

// PruneReport summarizes one prune pass.
type PruneReport struct {
	ArchivesDeleted   []string `json:"archives_deleted"`
	ArchivesOffloaded []string `json:"archives_offloaded"`
	EntriesDropped    int      `json:"entries_dropped"`
	EntriesKept       int      `json:"entries_kept"`
}

// Prune deletes archives rotated before cutoff and drops active-file entries
// older than cutoff. When off is non-nil an archive is deleted only after it
// has been offloaded.
func (s *FileSink) Prune(ctx context.Context, cutoff time.Time, off Offloader) (PruneReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := slog.Default().With("component", "deadletter")
	var rep PruneReport

	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	archives, err := s.Archives()
	if err != nil {
		return rep, err
	}
	for _, a := range archives {
		rotated, ok := archiveTime(base, ext, a)
		if !ok || !rotated.Before(cutoff) {
			continue
		}
		if off != nil {
			if err := off.Offload(ctx, a); err != nil {
				logger.WarnContext(ctx, "archive offload failed, keeping file", "path", a, "error", err)
				continue
			}
			rep.ArchivesOffloaded = append(rep.ArchivesOffloaded, a)
		}
		if err := os.Remove(a); err != nil {
			return rep, fmt.Errorf("deadletter: remove archive: %w", err)
		}
		rep.ArchivesDeleted = append(rep.ArchivesDeleted, a)
	}

	entries, _, err := ReadFile(s.path)
	if err != nil {
		return rep, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			rep.EntriesDropped++
			continue
		}
		kept = append(kept, e)
	}
	rep.EntriesKept = len(kept)
	if rep.EntriesDropped == 0 {
		return rep, nil
	}
	if err := s.rewriteLocked(kept); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *FileSink) rewriteLocked(entries []Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".deadletter-*")
	if err != nil {
		return fmt.Errorf("deadletter: temp file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("deadletter: rewrite: %w", err)
		}
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
