package keylifecycle

import (
	"context"
	"sync"
	"time"
)

// Action is one operation performed under break-glass without dual control.
type Action struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// BreakGlass is the process-wide emergency override record.
type BreakGlass struct {
	Active        bool       `json:"active"`
	ActivatedBy   *string    `json:"activated_by"`
	Reason        *string    `json:"reason"`
	ActivatedAt   *time.Time `json:"activated_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	DeactivatedBy *string    `json:"deactivated_by"`
	DeactivatedAt *time.Time `json:"deactivated_at"`
	ActionsTaken  []Action   `json:"actions_taken"`
	// Version increments on every save and guards concurrent transitions.
	Version int64 `json:"-"`
}

func (b BreakGlass) expiredAt(now time.Time) bool {
	return b.Active && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// BreakGlassStore holds the singleton. Save fails with errStaleStatus when
// the stored version is not expectVersion.
type BreakGlassStore interface {
	Load(ctx context.Context) (BreakGlass, error)
	Save(ctx context.Context, b BreakGlass, expectVersion int64) error
}

type MemoryBreakGlassStore struct {
	mu    sync.Mutex
	state BreakGlass
}

func NewMemoryBreakGlassStore() *MemoryBreakGlassStore {
	return &MemoryBreakGlassStore{}
}

func (m *MemoryBreakGlassStore) Load(context.Context) (BreakGlass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state
	out.ActionsTaken = append([]Action(nil), m.state.ActionsTaken...)
	return out, nil
}

func (m *MemoryBreakGlassStore) Save(_ context.Context, b BreakGlass, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Version != expectVersion {
		return errStaleStatus
	}
	b.Version = expectVersion + 1
	b.ActionsTaken = append([]Action(nil), b.ActionsTaken...)
	m.state = b
	return nil
}
