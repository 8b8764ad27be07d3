// Package deadletter persists ledger writes that could not be committed, as an
// append-only JSON-lines file with size/line rotation and age-based pruning.
package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one failed ledger write.
type Entry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	ActorID   *string         `json:"actor_id"`
	Reason    string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink records dead-letter entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Rotation thresholds for the active file. Zero disables a threshold.
type Rotation struct {
	MaxBytes int64
	MaxLines int
}

// DefaultRotation rotates at 10 MiB or 10k lines.
var DefaultRotation = Rotation{MaxBytes: 10 << 20, MaxLines: 10_000}

const archiveStamp = "20060102T150405.000000000Z"

// FileSink appends entries to a single active file and moves it to a
// timestamped archive next to it when a threshold is crossed.
type FileSink struct {
	mu       sync.Mutex
	path     string
	rotation Rotation
	now      func() time.Time
}

// NewFileSink creates the parent directory if needed.
func NewFileSink(path string, rotation Rotation) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("deadletter: create dir: %w", err)
	}
	return &FileSink{path: path, rotation: rotation, now: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *FileSink) WithClock(now func() time.Time) *FileSink {
	s.now = now
	return s
}

// Path is the active file.
func (s *FileSink) Path() string { return s.path }

// Record appends e, filling ID and Timestamp when empty.
func (s *FileSink) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.rotateIfNeeded(int64(len(line) + 1)); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("deadletter: open: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("deadletter: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("deadletter: sync: %w", err)
	}
	return f.Close()
}

// Rotate forces the active file into an archive. A missing or empty active
// file is left alone and "" is returned.
func (s *FileSink) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// RotateIfNeeded archives the active file when it already crosses a
// threshold, and reports the archive path or "".
func (s *FileSink) RotateIfNeeded() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateIfNeeded(0)
}

func (s *FileSink) rotateIfNeeded(incoming int64) (string, error) {
	st, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("deadletter: stat: %w", err)
	}

	over := s.rotation.MaxBytes > 0 && st.Size()+incoming > s.rotation.MaxBytes
	if !over && s.rotation.MaxLines > 0 {
		n, err := countLines(s.path)
		if err != nil {
			return "", err
		}
		over = n >= s.rotation.MaxLines
	}
	if !over {
		return "", nil
	}
	return s.rotateLocked()
}

func (s *FileSink) rotateLocked() (string, error) {
	st, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && st.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("deadletter: stat: %w", err)
	}
	archive := s.archiveName(s.now().UTC())
	if err := os.Rename(s.path, archive); err != nil {
		return "", fmt.Errorf("deadletter: rotate: %w", err)
	}
	return archive, nil
}

func (s *FileSink) archiveName(t time.Time) string {
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	return fmt.Sprintf("%s.%s%s", base, t.Format(archiveStamp), ext)
}

// Archives lists archive files, oldest first.
func (s *FileSink) Archives() ([]string, error) {
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	matches, err := filepath.Glob(base + ".*" + ext)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if _, ok := archiveTime(base, ext, m); ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func archiveTime(base, ext, name string) (time.Time, bool) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, base+"."), ext)
	t, err := time.Parse(archiveStamp, stamp)
	return t, err == nil
}

// ReadFile decodes every entry in a dead-letter file. Undecodable lines are
// skipped and counted.
func ReadFile(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()
	return decode(f)
}

func decode(r io.Reader) ([]Entry, int, error) {
	var (
		out     []Entry
		corrupt int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			corrupt++
			continue
		}
		out = append(out, e)
	}
	return out, corrupt, sc.Err()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
