// Package anchoring publishes Merkle roots of ledger windows to a public
// chain, reconciles their confirmation and reports anchoring health.
package anchoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("anchoring: anchor not found")

// errStale is returned by Update when the stored status moved on.
var errStale = errors.New("anchoring: anchor status changed concurrently")

// Status of an Anchor.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusEmpty     Status = "empty"
)

// Anchor records one anchoring run. Empty anchors cover a period with no new
// events and carry no transaction.
type Anchor struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	MerkleRoot   *string    `json:"merkle_root"`
	FirstEventID *int64     `json:"first_event_id"`
	LastEventID  *int64     `json:"last_event_id"`
	EventCount   int        `json:"event_count"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	Network      string     `json:"network"`
	ChainID      string     `json:"chain_id"`
	TxHash       *string    `json:"tx_hash"`
	BlockNumber  *int64     `json:"block_number"`
	ReceiptRef   *string    `json:"receipt_ref"`
	Error        *string    `json:"error"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at"`
	SupersededBy *string    `json:"superseded_by"`
}

// Covers reports whether eventID falls inside the anchored window.
func (a Anchor) Covers(eventID int64) bool {
	return a.FirstEventID != nil && a.LastEventID != nil &&
		*a.FirstEventID <= eventID && eventID <= *a.LastEventID
}

// Store persists anchors. Update is a compare-and-set on status.
type Store interface {
	Create(ctx context.Context, a Anchor) error
	Update(ctx context.Context, a Anchor, from Status) error
	Get(ctx context.Context, id string) (Anchor, error)
	// Latest returns the most recently created anchor, or nil.
	Latest(ctx context.Context) (*Anchor, error)
	// LastCoveredEventID is the highest event id in a pending or confirmed
	// anchor, 0 if none.
	LastCoveredEventID(ctx context.Context) (int64, error)
	// OldestOpenFailure is the failed anchor with the lowest first event id
	// that no later anchor has superseded, or nil.
	OldestOpenFailure(ctx context.Context) (*Anchor, error)
	// Supersede marks open failures starting at or after fromEventID as
	// re-covered by anchor id.
	Supersede(ctx context.Context, fromEventID int64, id string) (int, error)
	ListPending(ctx context.Context) ([]Anchor, error)
	// ListSince returns anchors created at or after t, oldest first.
	ListSince(ctx context.Context, t time.Time) ([]Anchor, error)
	LastConfirmed(ctx context.Context) (*Anchor, error)
	// Covering picks the best anchor for eventID: confirmed, then pending,
	// then failed, newest first within each.
	Covering(ctx context.Context, eventID int64) (*Anchor, error)
}

func statusRank(s Status) int {
	switch s {
	case StatusConfirmed:
		return 0
	case StatusPending:
		return 1
	}
	return 2
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	anchors []Anchor
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Create(_ context.Context, a Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors = append(m.anchors, a)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, a Anchor, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.anchors {
		if m.anchors[i].ID != a.ID {
			continue
		}
		if m.anchors[i].Status != from {
			return errStale
		}
		m.anchors[i] = a
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) Get(_ context.Context, id string) (Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if a.ID == id {
			return a, nil
		}
	}
	return Anchor{}, ErrNotFound
}

func (m *MemoryStore) Latest(context.Context) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.anchors) == 0 {
		return nil, nil
	}
	a := m.anchors[len(m.anchors)-1]
	return &a, nil
}

func (m *MemoryStore) LastCoveredEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var top int64
	for _, a := range m.anchors {
		if (a.Status == StatusPending || a.Status == StatusConfirmed) && a.LastEventID != nil && *a.LastEventID > top {
			top = *a.LastEventID
		}
	}
	return top, nil
}

func (m *MemoryStore) OldestOpenFailure(context.Context) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out *Anchor
	for _, a := range m.anchors {
		if a.Status != StatusFailed || a.SupersededBy != nil || a.FirstEventID == nil {
			continue
		}
		if out == nil || *a.FirstEventID < *out.FirstEventID {
			c := a
			out = &c
		}
	}
	return out, nil
}

func (m *MemoryStore) Supersede(_ context.Context, fromEventID int64, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.anchors {
		a := &m.anchors[i]
		if a.Status == StatusFailed && a.SupersededBy == nil && a.FirstEventID != nil && *a.FirstEventID >= fromEventID {
			by := id
			a.SupersededBy = &by
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListPending(context.Context) ([]Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Anchor
	for _, a := range m.anchors {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSince(_ context.Context, t time.Time) ([]Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Anchor
	for _, a := range m.anchors {
		if !a.CreatedAt.Before(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) LastConfirmed(context.Context) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out *Anchor
	for _, a := range m.anchors {
		if a.Status != StatusConfirmed || a.ConfirmedAt == nil {
			continue
		}
		if out == nil || a.ConfirmedAt.After(*out.ConfirmedAt) {
			c := a
			out = &c
		}
	}
	return out, nil
}

func (m *MemoryStore) Covering(_ context.Context, eventID int64) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Anchor
	for _, a := range m.anchors {
		if a.Covers(eventID) {
			hits = append(hits, a)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		ri, rj := statusRank(hits[i].Status), statusRank(hits[j].Status)
		if ri != rj {
			return ri < rj
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	return &hits[0], nil
}
