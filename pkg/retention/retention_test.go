package retention

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
)

var now = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func record(t *testing.T, s *deadletter.FileSink, at time.Time) {
	t.Helper()
	require.NoError(t, s.Record(context.Background(), deadletter.Entry{
		EventType: "INVENTORY_ADJUSTED",
		Payload:   json.RawMessage(`{"sku":"bolt-m6"}`),
		Reason:    "database is locked",
		Attempts:  5,
		Timestamp: at,
	}))
}

func TestPurge_PermanentClassesRefused(t *testing.T) {
	sink, err := deadletter.NewFileSink(filepath.Join(t.TempDir(), "dead_letter.jsonl"), deadletter.Rotation{})
	require.NoError(t, err)
	e := NewEnforcer(Policy{Days: map[Class]int{ClassDeadLetter: 30}}, sink, nil)

	for _, c := range []Class{ClassLedgerEvents, ClassSigningKeys} {
		_, err := e.Purge(context.Background(), c)
		assert.ErrorIs(t, err, ErrPermanent, c)
	}
	_, err = e.Purge(context.Background(), Class("documents"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestRun_PrunesAndOffloadsExpired(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := now.AddDate(0, 0, -100)
	sink, err := deadletter.NewFileSink(filepath.Join(dir, "dl", "dead_letter.jsonl"), deadletter.Rotation{})
	require.NoError(t, err)
	sink.WithClock(func() time.Time { return clock })

	record(t, sink, clock)
	record(t, sink, clock)
	archive, err := sink.Rotate()
	require.NoError(t, err)
	require.NotEmpty(t, archive)

	record(t, sink, now.AddDate(0, 0, -95))
	record(t, sink, now.AddDate(0, 0, -1))

	store, err := artifacts.NewFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	clock = now
	e := NewEnforcer(DefaultPolicy(), sink, artifacts.NewFileOffloader(store)).WithClock(func() time.Time { return now })

	rep, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -90), rep.Cutoff)
	assert.Empty(t, rep.Rotated)
	assert.Equal(t, []string{archive}, rep.DeadLetter.ArchivesOffloaded)
	assert.Equal(t, []string{archive}, rep.DeadLetter.ArchivesDeleted)
	assert.Equal(t, 1, rep.DeadLetter.EntriesDropped)
	assert.Equal(t, 1, rep.DeadLetter.EntriesKept)
	assert.ElementsMatch(t, []Class{ClassLedgerEvents, ClassSigningKeys}, rep.Permanent)

	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err))
	blobs, err := filepath.Glob(filepath.Join(store.Dir(), "*.blob"))
	require.NoError(t, err)
	assert.Len(t, blobs, 1, "archive copied before deletion")
}

func TestRun_RotatesFullActiveFile(t *testing.T) {
	sink, err := deadletter.NewFileSink(filepath.Join(t.TempDir(), "dead_letter.jsonl"), deadletter.Rotation{MaxLines: 2})
	require.NoError(t, err)
	sink.WithClock(func() time.Time { return now })
	record(t, sink, now)
	record(t, sink, now)

	e := NewEnforcer(DefaultPolicy(), sink, nil).WithClock(func() time.Time { return now })
	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Rotated)
	assert.Empty(t, rep.DeadLetter.ArchivesDeleted, "fresh archive is inside the window")

	archives, err := sink.Archives()
	require.NoError(t, err)
	assert.Equal(t, []string{rep.Rotated}, archives)
}
