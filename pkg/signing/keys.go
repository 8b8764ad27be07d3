// Package signing owns the evidence signing keys: exactly one active key pair,
// generated on first use, with archived and revoked keys retained forever so
// historical signatures remain verifiable.
package signing

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrKeyNotFound         = errors.New("signing: key not found")
	ErrActiveKeyRevocation = errors.New("signing: the active key cannot be revoked, rotate first")
	ErrKeyRevoked          = errors.New("signing: key already revoked")
	ErrInvalidHash         = errors.New("signing: hash must be 64 lowercase hex characters")
	ErrStaleActiveKey      = errors.New("signing: active key changed concurrently")
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	StatusActive   KeyStatus = "active"
	StatusArchived KeyStatus = "archived"
	StatusRevoked  KeyStatus = "revoked"
)

// KeyRecord is the signing_keys row.
type KeyRecord struct {
	KeyID            string     `json:"key_id"`
	Algorithm        Algorithm  `json:"algorithm"`
	PublicKey        string     `json:"public_key"` // hex PKIX DER
	Status           KeyStatus  `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason *string    `json:"revocation_reason,omitempty"`
}

// MetadataStore persists key records. Implementations must guarantee at most
// one active row.
type MetadataStore interface {
	Active(ctx context.Context) (*KeyRecord, error)
	Get(ctx context.Context, keyID string) (KeyRecord, error)
	List(ctx context.Context) ([]KeyRecord, error)
	// Activate inserts next as the active key, archiving expectedActive
	// (empty at first use) atomically. It fails with ErrStaleActiveKey if the
	// active key is no longer expectedActive.
	Activate(ctx context.Context, expectedActive string, next KeyRecord, at time.Time) error
	// Revoke marks an archived key revoked.
	Revoke(ctx context.Context, keyID, reason string, at time.Time) (KeyRecord, error)
}

// MemoryMetadataStore is an in-process MetadataStore.
type MemoryMetadataStore struct {
	mu    sync.Mutex
	order []string
	keys  map[string]KeyRecord
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{keys: map[string]KeyRecord{}}
}

func (m *MemoryMetadataStore) Active(context.Context) (*KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if k := m.keys[id]; k.Status == StatusActive {
			return &k, nil
		}
	}
	return nil, nil
}

func (m *MemoryMetadataStore) Get(_ context.Context, keyID string) (KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return KeyRecord{}, ErrKeyNotFound
	}
	return k, nil
}

func (m *MemoryMetadataStore) List(context.Context) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KeyRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.keys[id])
	}
	return out, nil
}

func (m *MemoryMetadataStore) Activate(_ context.Context, expectedActive string, next KeyRecord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := ""
	for _, id := range m.order {
		if m.keys[id].Status == StatusActive {
			current = id
		}
	}
	if current != expectedActive {
		return ErrStaleActiveKey
	}
	if current != "" {
		k := m.keys[current]
		k.Status = StatusArchived
		k.ArchivedAt = &at
		m.keys[current] = k
	}
	next.Status = StatusActive
	m.keys[next.KeyID] = next
	m.order = append(m.order, next.KeyID)
	return nil
}

func (m *MemoryMetadataStore) Revoke(_ context.Context, keyID, reason string, at time.Time) (KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return KeyRecord{}, ErrKeyNotFound
	}
	switch k.Status {
	case StatusActive:
		return KeyRecord{}, ErrActiveKeyRevocation
	case StatusRevoked:
		return KeyRecord{}, ErrKeyRevoked
	}
	k.Status = StatusRevoked
	k.RevokedAt = &at
	k.RevocationReason = &reason
	m.keys[keyID] = k
	return k, nil
}
