// Package proof composes a verifiable bundle for a single ledger event from
// its signature, the chain up to it and the anchor that covers it. It only
// reads.
package proof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/merkle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

// Verifier checks a detached signature and reports the key's state.
type Verifier interface {
	Inspect(ctx context.Context, hash, sigHex, keyID string) signing.Inspection
}

// Anchors finds the anchor covering an event.
type Anchors interface {
	Covering(ctx context.Context, eventID int64) (*anchoring.Anchor, error)
}

// Bundle is the proof for one event. SignatureValid is nil for unsigned
// events; Anchor is nil when no anchoring run has covered the event yet.
type Bundle struct {
	Event          ledger.Event           `json:"event"`
	SignatureValid *bool                  `json:"signature_valid"`
	KeyRevoked     bool                   `json:"key_revoked"`
	Signature      *signing.Inspection    `json:"signature,omitempty"`
	ChainValid     bool                   `json:"chain_valid"`
	ChainError     string                 `json:"chain_error,omitempty"`
	EventsChecked  int64                  `json:"events_checked"`
	Anchor         *anchoring.Anchor      `json:"anchor"`
	MerkleProof    *merkle.InclusionProof `json:"merkle_proof,omitempty"`
	AnchorError    string                 `json:"anchor_error,omitempty"`
	GeneratedAt    time.Time              `json:"generated_at"`
}

type Service struct {
	events   ledger.Store
	verifier Verifier
	anchors  Anchors
	now      func() time.Time
	logger   *slog.Logger
}

// NewService wires the read sides. verifier and anchors may be nil, in
// which case the bundle leaves those parts empty.
func NewService(events ledger.Store, verifier Verifier, anchors Anchors) *Service {
	return &Service{
		events:   events,
		verifier: verifier,
		anchors:  anchors,
		now:      time.Now,
		logger:   slog.Default().With("component", "proof"),
	}
}

// GetEventProof loads eventID and checks it three ways. Integrity failures
// are reported in the bundle, not as errors; an unknown id returns
// ledger.ErrNotFound.
func (s *Service) GetEventProof(ctx context.Context, eventID int64) (b Bundle, err error) {
	ctx, span := observability.StartSpan(ctx, "proof.event", observability.AttrEventID.Int64(eventID))
	defer func() { observability.EndSpan(span, err) }()

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return Bundle{}, err
	}
	b = Bundle{Event: ev, GeneratedAt: s.now().UTC()}

	if ev.Signature != nil && ev.SigningKeyID != nil && s.verifier != nil {
		in := s.verifier.Inspect(ctx, ev.BlockHash, *ev.Signature, *ev.SigningKeyID)
		b.Signature = &in
		b.SignatureValid = &in.Valid
		b.KeyRevoked = in.Revoked()
	}

	rep, err := ledger.VerifyUpTo(ctx, s.events, eventID)
	b.EventsChecked = rep.EventsChecked
	switch {
	case err == nil:
		b.ChainValid = true
	case chain.IsIntegrityError(err):
		b.ChainError = err.Error()
		s.logger.WarnContext(ctx, "proof requested for event behind broken chain", "event_id", eventID, "error", err)
	default:
		return Bundle{}, fmt.Errorf("proof: verify chain: %w", err)
	}

	if s.anchors == nil {
		return b, nil
	}
	a, err := s.anchors.Covering(ctx, eventID)
	if err != nil {
		return Bundle{}, fmt.Errorf("proof: anchor lookup: %w", err)
	}
	if a == nil {
		return b, nil
	}
	b.Anchor = a
	p, err := anchoring.BuildInclusionProof(ctx, s.events, *a, eventID)
	switch {
	case err == nil:
		b.MerkleProof = &p
	case errors.Is(err, anchoring.ErrRootMismatch):
		b.AnchorError = err.Error()
	default:
		b.AnchorError = "inclusion proof unavailable"
		s.logger.ErrorContext(ctx, "failed to build inclusion proof", "event_id", eventID, "anchor_id", a.ID, "error", err)
	}
	return b, nil
}

// Verified is true only when every present part checked out. A signature
// by a revoked key never counts as verified.
func (b Bundle) Verified() bool {
	if b.KeyRevoked || (b.SignatureValid != nil && !*b.SignatureValid) {
		return false
	}
	return b.ChainValid && b.AnchorError == ""
}
