package ledger

import (
	"context"
	"sync"
)

// BuildFunc computes the next event from the current chain tail (nil at
// genesis). Stores call it while holding the tail lock.
type BuildFunc func(tail *Event) (Event, error)

// Query selects a contiguous id range. Zero values are open bounds.
type Query struct {
	AfterID int64
	UpToID  int64
	Limit   int
}

// Store persists ledger events. Append must run tail read, build and insert
// as one serialized unit; readers see committed events only.
type Store interface {
	Append(ctx context.Context, build BuildFunc) (Event, error)
	Get(ctx context.Context, id int64) (Event, error)
	Tail(ctx context.Context) (*Event, error)
	List(ctx context.Context, q Query) ([]Event, error)
	Count(ctx context.Context) (int64, error)
}

// MemoryStore is an in-process Store for tests and embedding.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, build BuildFunc) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail *Event
	if n := len(s.events); n > 0 {
		t := s.events[n-1]
		tail = &t
	}
	ev, err := build(tail)
	if err != nil {
		return Event{}, err
	}
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.events)) {
		return Event{}, ErrNotFound
	}
	return s.events[id-1], nil
}

func (s *MemoryStore) Tail(_ context.Context) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	t := s.events[len(s.events)-1]
	return &t, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.ID <= q.AfterID {
			continue
		}
		if q.UpToID > 0 && e.ID > q.UpToID {
			break
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

// Tamper overwrites a stored event in place. It exists so integrity checks
// can be exercised against a store; production stores have no equivalent.
func (s *MemoryStore) Tamper(id int64, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 1 && id <= int64(len(s.events)) {
		mutate(&s.events[id-1])
	}
}
