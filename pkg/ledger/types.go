// Package ledger is the append-only, hash-chained event log: a closed event
// catalogue with per-type schemas, the append pipeline that serializes writers
// on the chain tail, and the stores that persist events.
package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
)

// ErrNotFound is returned by stores for an unknown event id.
var ErrNotFound = errors.New("ledger: event not found")

// Event is an immutable ledger row. Payload holds the canonical JSON that was
// hashed. Signature and SigningKeyID are a detached signature over BlockHash
// and are not part of the hash input.
type Event struct {
	ID           int64           `json:"id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PrevHash     *string         `json:"prev_hash"`
	BlockHash    string          `json:"block_hash"`
	CreatedAt    string          `json:"created_at"`
	ActorID      *string         `json:"actor_id"`
	Signature    *string         `json:"signature,omitempty"`
	SigningKeyID *string         `json:"signing_key_id,omitempty"`
}

// Time parses CreatedAt; events written before timestamps were bound may carry
// other RFC 3339 forms.
func (e Event) Time() (time.Time, error) {
	if t, err := time.Parse(chain.TimestampLayout, e.CreatedAt); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, e.CreatedAt)
}

// Record converts e to the verification input shape.
func (e Event) Record() chain.Record {
	rec := chain.Record{
		ID:          e.ID,
		EventType:   string(e.EventType),
		PayloadJSON: string(e.Payload),
		PrevHash:    e.PrevHash,
		BlockHash:   e.BlockHash,
		ActorID:     e.ActorID,
	}
	if e.CreatedAt != "" {
		ts := e.CreatedAt
		rec.CreatedAt = &ts
	}
	return rec
}

// Records converts a slice of events.
func Records(events []Event) []chain.Record {
	out := make([]chain.Record, len(events))
	for i, e := range events {
		out[i] = e.Record()
	}
	return out
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
