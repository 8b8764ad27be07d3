package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

// busyStore fails the first n appends with a Postgres lock-not-available error.
type busyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (s *busyStore) Append(ctx context.Context, build BuildFunc) (Event, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, &pq.Error{Code: "55P03", Message: "could not obtain lock on relation \"ledger_events\""}
	}
	return s.MemoryStore.Append(ctx, build)
}

type failingSink struct{}

func (failingSink) Record(context.Context, deadletter.Entry) error { return errors.New("disk full") }

func newSink(t *testing.T) *deadletter.FileSink {
	t.Helper()
	s, err := deadletter.NewFileSink(filepath.Join(t.TempDir(), "dead_letter.jsonl"), deadletter.Rotation{})
	require.NoError(t, err)
	return s
}

func adjust(item string, delta int64) InventoryAdjusted {
	return InventoryAdjusted{ItemID: item, Delta: delta, Reason: "cycle count"}
}

func TestPipeline_AppendBuildsVerifiableChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPipeline(store, newSink(t), WithClock(fixedClock()))

	first, err := p.AppendPayload(ctx, "user-1", adjust("bolt", 5))
	require.NoError(t, err)
	assert.Nil(t, first.PrevHash)
	assert.Equal(t, int64(1), first.ID)

	second, err := p.Append(ctx, EventFileRegistered, "", json.RawMessage(`{"file_id":"f","filename":"a.pdf","sha256":"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08","size_bytes":1}`))
	require.NoError(t, err)
	require.NotNil(t, second.PrevHash)
	assert.Equal(t, first.BlockHash, *second.PrevHash)
	assert.Nil(t, second.ActorID)

	third, err := p.Append(ctx, EventInspectionCardTransition, "user-2", map[string]any{
		"card_id": "c-9", "from_status": "OPEN", "to_status": "SIGNED",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"card_id":"c-9","from_status":"OPEN","to_status":"SIGNED"}`, string(third.Payload))

	want := chain.ComputeEventHash(second.BlockHash, string(EventInspectionCardTransition), third.CreatedAt, "user-2", string(third.Payload))
	assert.Equal(t, want, third.BlockHash)

	rep, err := VerifyStore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.EventsChecked)
	assert.Equal(t, third.BlockHash, rep.TailHash)
}

func TestPipeline_ValidationWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := newSink(t)
	p := NewPipeline(store, sink)

	_, err := p.Append(ctx, "NOT_AN_EVENT", "u", map[string]any{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.Append(ctx, EventInventoryAdjusted, "u", map[string]any{"item_id": "x"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.Append(ctx, EventInventoryAdjusted, "u", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.Append(ctx, EventInventoryAdjusted, "u", KeyRevoked{KeyID: "k", Reason: "r"})
	assert.ErrorIs(t, err, ErrValidation)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	entries, _, err := deadletter.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_RetriesTransientContention(t *testing.T) {
	ctx := context.Background()
	store := &busyStore{MemoryStore: NewMemoryStore(), failures: 2}
	p := NewPipeline(store, newSink(t), WithSleep(noSleep),
		WithRetryPolicy(retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	ev, err := p.AppendPayload(ctx, "u", adjust("nut", -1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, 3, store.calls)
}

func TestPipeline_DeadLettersOnExhaustion(t *testing.T) {
	ctx := context.Background()
	store := &busyStore{MemoryStore: NewMemoryStore(), failures: 100}
	sink := newSink(t)
	p := NewPipeline(store, sink, WithSleep(noSleep), WithRetryPolicy(retry.Policy{MaxAttempts: 4}))

	payload := adjust("washer", 7)
	_, err := p.AppendPayload(ctx, "user-7", payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadLettered)
	assert.ErrorIs(t, err, retry.ErrExhausted)

	var dl *DeadLetterError
	require.ErrorAs(t, err, &dl)
	assert.True(t, dl.Persisted)
	assert.Equal(t, 4, dl.Attempts)
	assert.Equal(t, 4, store.calls)

	entries, _, err := deadletter.ReadFile(sink.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, string(EventInventoryAdjusted), e.EventType)
	assert.NotEmpty(t, e.Reason)
	require.NotNil(t, e.ActorID)
	assert.Equal(t, "user-7", *e.ActorID)
	want, _ := json.Marshal(payload)
	assert.JSONEq(t, string(want), string(e.Payload))
}

func TestPipeline_PermanentStoreErrorIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := &busyStore{MemoryStore: NewMemoryStore(), failures: 1, err: errors.New("disk I/O error")}
	sink := newSink(t)
	p := NewPipeline(store, sink, WithSleep(noSleep))

	_, err := p.AppendPayload(ctx, "u", adjust("a", 1))
	assert.ErrorIs(t, err, ErrDeadLettered)
	assert.Equal(t, 1, store.calls)
}

func TestPipeline_SinkFailureStillSignalsDistinctError(t *testing.T) {
	store := &busyStore{MemoryStore: NewMemoryStore(), failures: 100}
	p := NewPipeline(store, failingSink{}, WithSleep(noSleep), WithRetryPolicy(retry.Policy{MaxAttempts: 2}))

	_, err := p.AppendPayload(context.Background(), "u", adjust("a", 1))
	var dl *DeadLetterError
	require.ErrorAs(t, err, &dl)
	assert.False(t, dl.Persisted)
}

type stubSigner struct{}

func (stubSigner) PrepareSigner(context.Context) (func(string) (string, string, error), error) {
	return func(hash string) (string, string, error) {
		return "ab" + hash[:6], "key-1", nil
	}, nil
}

// lockAwareStore reports whether a key was resolved while its lock was held.
type lockAwareStore struct {
	*MemoryStore
	locked          bool
	resolvedInLock  bool
	resolvedOutside int
}

func (s *lockAwareStore) Append(ctx context.Context, build BuildFunc) (Event, error) {
	s.locked = true
	defer func() { s.locked = false }()
	return s.MemoryStore.Append(ctx, build)
}

type recordingSigner struct{ store *lockAwareStore }

func (r recordingSigner) PrepareSigner(context.Context) (func(string) (string, string, error), error) {
	if r.store.locked {
		r.store.resolvedInLock = true
	} else {
		r.store.resolvedOutside++
	}
	return func(hash string) (string, string, error) { return "cd" + hash[:4], "key-2", nil }, nil
}

type failingKeySigner struct{}

func (failingKeySigner) PrepareSigner(context.Context) (func(string) (string, string, error), error) {
	return nil, errors.New("keystore unavailable")
}

func TestPipeline_ResolvesKeyBeforeStoreLock(t *testing.T) {
	store := &lockAwareStore{MemoryStore: NewMemoryStore()}
	p := NewPipeline(store, nil, WithSigner(recordingSigner{store: store}))

	for i := 0; i < 2; i++ {
		ev, err := p.AppendPayload(context.Background(), "u", adjust("a", int64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, "key-2", *ev.SigningKeyID)
	}
	assert.False(t, store.resolvedInLock)
	assert.Equal(t, 2, store.resolvedOutside)
}

func TestPipeline_KeyResolutionFailureDeadLetters(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, newSink(t), WithSigner(failingKeySigner{}), WithSleep(noSleep))

	_, err := p.AppendPayload(context.Background(), "u", adjust("a", 1))
	var dl *DeadLetterError
	require.ErrorAs(t, err, &dl)
	assert.True(t, dl.Persisted)
	assert.Contains(t, err.Error(), "keystore unavailable")

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_SignsBlockHash(t *testing.T) {
	p := NewPipeline(NewMemoryStore(), nil, WithSigner(stubSigner{}))
	ev, err := p.AppendPayload(context.Background(), "u", adjust("a", 1))
	require.NoError(t, err)
	require.NotNil(t, ev.Signature)
	assert.Equal(t, "ab"+ev.BlockHash[:6], *ev.Signature)
	assert.Equal(t, "key-1", *ev.SigningKeyID)
}

func TestPipeline_ConcurrentAppendsSerialize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPipeline(store, newSink(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.AppendPayload(ctx, "u", adjust("item", int64(i+1)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rep, err := VerifyStore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rep.EventsChecked)
}
