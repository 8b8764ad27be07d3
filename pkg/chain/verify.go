package chain

import (
	"errors"
	"fmt"

	"github.com/yrippert-maker/papa-app-sub003/pkg/canonicalize"
)

var (
	// ErrHashMismatch marks a record whose stored block hash does not match
	// any known hash format.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrChainBreak marks a record whose prev_hash does not point at its predecessor.
	ErrChainBreak = errors.New("chain break")
)

// Record is the verification contract input. PayloadJSON may be in any JSON
// layout; it is canonicalized before hashing.
type Record struct {
	ID          int64   `json:"id,omitempty"`
	EventType   string  `json:"event_type"`
	PayloadJSON string  `json:"payload_json"`
	PrevHash    *string `json:"prev_hash"`
	BlockHash   string  `json:"block_hash"`
	CreatedAt   *string `json:"created_at,omitempty"`
	ActorID     *string `json:"actor_id,omitempty"`
}

// IntegrityError is returned for any tamper evidence found during verification.
type IntegrityError struct {
	Kind    error // ErrHashMismatch or ErrChainBreak
	Index   int
	EventID int64
	Detail  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.subject(), e.Detail)
}

func (e *IntegrityError) Unwrap() error { return e.Kind }

func (e *IntegrityError) subject() string {
	if e.EventID != 0 {
		return fmt.Sprintf("event %d", e.EventID)
	}
	return fmt.Sprintf("index %d", e.Index)
}

// IsIntegrityError reports whether err carries tamper evidence.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrHashMismatch) || errors.Is(err, ErrChainBreak)
}

// VerifyLedgerChain verifies a full chain starting at genesis: the first
// record must have a null prev_hash.
func VerifyLedgerChain(records []Record) error {
	return VerifyFrom(nil, records)
}

// VerifyFrom verifies a contiguous segment whose first record must link to
// anchor (nil means genesis).
//
// Per record the link is checked before the content hash, so a redirected
// prev_hash always reports a chain break and a corrupted block_hash reports a
// hash mismatch on the record that was altered.
func VerifyFrom(anchor *string, records []Record) error {
	expectedPrev := anchor
	for i, rec := range records {
		if !samePrev(rec.PrevHash, expectedPrev) {
			return &IntegrityError{
				Kind:    ErrChainBreak,
				Index:   i,
				EventID: rec.ID,
				Detail:  fmt.Sprintf("prev_hash %s does not match predecessor %s", show(rec.PrevHash), show(expectedPrev)),
			}
		}

		if _, err := MatchFormat(rec); err != nil {
			return &IntegrityError{
				Kind:    ErrHashMismatch,
				Index:   i,
				EventID: rec.ID,
				Detail:  err.Error(),
			}
		}

		h := rec.BlockHash
		expectedPrev = &h
	}
	return nil
}

// MatchFormat recomputes the record hash with each known format and returns
// the one that reproduces the stored block hash.
func MatchFormat(rec Record) (Format, error) {
	canonical, canonErr := canonicalize.JCSString([]byte(rec.PayloadJSON))

	in := Input{
		PrevHash:  deref(rec.PrevHash),
		EventType: rec.EventType,
		CreatedAt: deref(rec.CreatedAt),
		ActorID:   deref(rec.ActorID),
	}
	for _, f := range formatsFor(rec) {
		if canonErr == nil {
			in.CanonicalPayload = canonical
			if f.Hash(in) == rec.BlockHash {
				return f, nil
			}
		}
		if f.StoredBytes && (canonErr != nil || canonical != rec.PayloadJSON) {
			in.CanonicalPayload = rec.PayloadJSON
			if f.Hash(in) == rec.BlockHash {
				return f, nil
			}
		}
	}
	if canonErr != nil {
		return Format{}, fmt.Errorf("payload is not valid JSON: %w", canonErr)
	}
	return Format{}, fmt.Errorf("stored block_hash %s matches no known format", rec.BlockHash)
}

func samePrev(got, want *string) bool {
	if got == nil || *got == "" {
		return want == nil || *want == ""
	}
	return want != nil && *got == *want
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func show(s *string) string {
	if s == nil || *s == "" {
		return "<genesis>"
	}
	return *s
}
