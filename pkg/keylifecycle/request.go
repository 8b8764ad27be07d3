package keylifecycle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Operation is a sensitive key operation subject to dual control.
type Operation string

const (
	OpRotateKey Operation = "ROTATE_KEY"
	OpRevokeKey Operation = "REVOKE_KEY"
)

func (o Operation) valid() bool { return o == OpRotateKey || o == OpRevokeKey }

// Status of a KeyLifecycleRequest.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusExecuted Status = "EXECUTED"
)

// Request is a dual-control approval request. PENDING moves to APPROVED,
// REJECTED or EXPIRED; APPROVED moves to EXECUTED.
type Request struct {
	ID              string     `json:"request_id"`
	Operation       Operation  `json:"operation"`
	Status          Status     `json:"status"`
	InitiatorID     string     `json:"initiator_id"`
	TargetKeyID     *string    `json:"target_key_id"`
	Reason          string     `json:"reason"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ApproverID      *string    `json:"approver_id"`
	DecidedAt       *time.Time `json:"decided_at"`
	RejectionReason *string    `json:"rejection_reason"`
	ExecutedBy      *string    `json:"executed_by"`
	ExecutedAt      *time.Time `json:"executed_at"`
	ResultKeyID     *string    `json:"result_key_id"`
}

func (r Request) expiredAt(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// RequestStore persists requests. Update is a compare-and-set on the status
// the caller last observed.
type RequestStore interface {
	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, status Status) ([]Request, error)
	Update(ctx context.Context, r Request, from Status) error
}

type MemoryRequestStore struct {
	mu   sync.Mutex
	reqs map[string]Request
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{reqs: make(map[string]Request)}
}

func (m *MemoryRequestStore) Create(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[r.ID] = r
	return nil
}

func (m *MemoryRequestStore) Get(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRequestStore) List(_ context.Context, status Status) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.reqs))
	for _, r := range m.reqs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRequestStore) Update(_ context.Context, r Request, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reqs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return errStaleStatus
	}
	m.reqs[r.ID] = r
	return nil
}
