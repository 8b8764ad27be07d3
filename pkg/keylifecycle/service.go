// Package keylifecycle governs signing-key rotation and revocation: dual
// control approval requests, a policy gate on direct operations and a
// time-boxed break-glass override.
package keylifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

const (
	DefaultRequestTTL         = 24 * time.Hour
	DefaultBreakGlassDuration = 4 * time.Hour
	// SystemActor deactivates break-glass on lazy expiry.
	SystemActor = "system"
)

// Keys is the subset of the evidence signing service this package drives.
type Keys interface {
	ActiveKeyID(ctx context.Context) (string, error)
	GetKey(ctx context.Context, keyID string) (signing.KeyRecord, error)
	Rotate(ctx context.Context) (signing.Rotation, error)
	Revoke(ctx context.Context, keyID, reason string) (signing.KeyRecord, error)
}

// Recorder appends audit events to the ledger.
type Recorder interface {
	AppendPayload(ctx context.Context, actorID string, payload ledger.Payload) (ledger.Event, error)
}

type Config struct {
	RequestTTL            time.Duration
	BreakGlassMaxDuration time.Duration
}

func (c Config) normalize() Config {
	if c.RequestTTL <= 0 {
		c.RequestTTL = DefaultRequestTTL
	}
	if c.BreakGlassMaxDuration <= 0 {
		c.BreakGlassMaxDuration = DefaultBreakGlassDuration
	}
	return c
}

// Service runs the request state machine and the break-glass singleton.
type Service struct {
	requests   RequestStore
	breakGlass BreakGlassStore
	keys       Keys
	recorder   Recorder
	policy     *Policy
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger

	// execMu keeps one key operation in flight per process.
	execMu sync.Mutex
}

func NewService(requests RequestStore, bg BreakGlassStore, keys Keys, recorder Recorder, policy *Policy, cfg Config) *Service {
	return &Service{
		requests:   requests,
		breakGlass: bg,
		keys:       keys,
		recorder:   recorder,
		policy:     policy,
		cfg:        cfg.normalize(),
		now:        time.Now,
		logger:     slog.Default().With("component", "keylifecycle"),
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest opens a PENDING request for op. REVOKE_KEY needs a target.
func (s *Service) CreateRequest(ctx context.Context, initiator string, op Operation, targetKeyID, reason string) (Request, error) {
	if strings.TrimSpace(initiator) == "" {
		return Request{}, newError(CodeInvalidRequest, "initiator is required")
	}
	if !op.valid() {
		return Request{}, newError(CodeInvalidRequest, "unknown operation %q", op)
	}
	var target *string
	if op == OpRevokeKey {
		if targetKeyID == "" {
			return Request{}, newError(CodeInvalidRequest, "REVOKE_KEY requires a target key id")
		}
		if err := s.checkRevocable(ctx, targetKeyID); err != nil {
			return Request{}, err
		}
		target = &targetKeyID
	}

	now := s.now().UTC()
	req := Request{
		ID:          uuid.New().String(),
		Operation:   op,
		Status:      StatusPending,
		InitiatorID: initiator,
		TargetKeyID: target,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RequestTTL),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return Request{}, fmt.Errorf("keylifecycle: create request: %w", err)
	}
	s.record(ctx, initiator, ledger.KeyRequestCreated{
		RequestID:   req.ID,
		Operation:   string(op),
		InitiatorID: initiator,
		TargetKeyID: targetKeyID,
		Reason:      reason,
		ExpiresAt:   req.ExpiresAt.Format(time.RFC3339Nano),
	})
	s.logger.InfoContext(ctx, "key request created", "request_id", req.ID, "operation", op, "initiator", initiator)
	return req, nil
}

// Approve moves a PENDING request to APPROVED. The approver must differ from
// the initiator.
func (s *Service) Approve(ctx context.Context, requestID, approver string) (Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if approver == req.InitiatorID {
		return Request{}, newError(CodeTwoManRule, "approver must differ from initiator")
	}
	if err := pendingOnly(req); err != nil {
		return Request{}, err
	}

	now := s.now().UTC()
	next := req
	next.Status = StatusApproved
	next.ApproverID = &approver
	next.DecidedAt = &now
	if err := s.transition(ctx, next, StatusPending); err != nil {
		return Request{}, err
	}
	s.record(ctx, approver, ledger.KeyRequestApproved{
		RequestID:   req.ID,
		Operation:   string(req.Operation),
		InitiatorID: req.InitiatorID,
		ApproverID:  approver,
	})
	s.logger.InfoContext(ctx, "key request approved", "request_id", req.ID, "approver", approver)
	return next, nil
}

// Reject moves a PENDING request to REJECTED.
func (s *Service) Reject(ctx context.Context, requestID, actor, reason string) (Request, error) {
	req, err := s.load(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if err := pendingOnly(req); err != nil {
		return Request{}, err
	}

	now := s.now().UTC()
	next := req
	next.Status = StatusRejected
	next.DecidedAt = &now
	next.RejectionReason = &reason
	if err := s.transition(ctx, next, StatusPending); err != nil {
		return Request{}, err
	}
	s.record(ctx, actor, ledger.KeyRequestRejected{
		RequestID:  req.ID,
		Operation:  string(req.Operation),
		RejectedBy: actor,
		Reason:     reason,
	})
	s.logger.InfoContext(ctx, "key request rejected", "request_id", req.ID, "actor", actor)
	return next, nil
}

// Execute performs an APPROVED request and marks it EXECUTED.
func (s *Service) Execute(ctx context.Context, requestID, actor string) (Request, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	req, err := s.load(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusApproved {
		return Request{}, newError(CodeInvalidStatus, "request %s is %s, not APPROVED", req.ID, req.Status)
	}

	var resultKey string
	switch req.Operation {
	case OpRotateKey:
		rot, err := s.rotate(ctx, actor, req.ID, false)
		if err != nil {
			return Request{}, err
		}
		resultKey = rot.Active.KeyID
	case OpRevokeKey:
		rec, err := s.revoke(ctx, actor, deref(req.TargetKeyID), req.Reason, req.ID, false)
		if err != nil {
			return Request{}, err
		}
		resultKey = rec.KeyID
	}

	now := s.now().UTC()
	next := req
	next.Status = StatusExecuted
	next.ExecutedBy = &actor
	next.ExecutedAt = &now
	next.ResultKeyID = &resultKey
	if err := s.transition(ctx, next, StatusApproved); err != nil {
		// The key operation already happened; the audit trail has it.
		s.logger.ErrorContext(ctx, "key request executed but status update lost", "request_id", req.ID, "error", err)
		return Request{}, err
	}
	s.record(ctx, actor, ledger.KeyRequestExecuted{
		RequestID:  req.ID,
		Operation:  string(req.Operation),
		ExecutedBy: actor,
		KeyID:      resultKey,
	})
	return next, nil
}

// GetRequest returns one request, applying lazy expiry.
func (s *Service) GetRequest(ctx context.Context, requestID string) (Request, error) {
	return s.load(ctx, requestID)
}

// ListRequests lists requests newest first, expiring stale PENDING ones on
// the way. An empty status lists everything.
func (s *Service) ListRequests(ctx context.Context, status Status) ([]Request, error) {
	// Expire before filtering so a PENDING filter never shows stale rows.
	all, err := s.requests.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("keylifecycle: list requests: %w", err)
	}
	now := s.now().UTC()
	out := make([]Request, 0, len(all))
	for _, r := range all {
		if r.expiredAt(now) {
			r, err = s.expire(ctx, r)
			if err != nil {
				return nil, err
			}
		}
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// Rotate is the direct rotation entrypoint, subject to the dual-control
// policy unless break-glass is active.
func (s *Service) Rotate(ctx context.Context, actor, reason string) (signing.Rotation, error) {
	bypass, err := s.gate(ctx, actor, OpRotateKey, "", reason)
	if err != nil {
		return signing.Rotation{}, err
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.rotate(ctx, actor, "", bypass)
}

// Revoke is the direct revocation entrypoint. The active key is refused.
func (s *Service) Revoke(ctx context.Context, actor, keyID, reason string) (signing.KeyRecord, error) {
	if keyID == "" {
		return signing.KeyRecord{}, newError(CodeInvalidRequest, "key id is required")
	}
	if err := s.checkRevocable(ctx, keyID); err != nil {
		return signing.KeyRecord{}, err
	}
	bypass, err := s.gate(ctx, actor, OpRevokeKey, keyID, reason)
	if err != nil {
		return signing.KeyRecord{}, err
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.revoke(ctx, actor, keyID, reason, "", bypass)
}

// gate reports whether the call proceeds under break-glass. It records the
// bypassed action before returning.
func (s *Service) gate(ctx context.Context, actor string, op Operation, target, reason string) (bool, error) {
	if strings.TrimSpace(actor) == "" {
		return false, newError(CodeInvalidRequest, "actor is required")
	}
	required, err := s.policy.RequiresDualControl(op, actor, target)
	if err != nil {
		s.logger.ErrorContext(ctx, "dual-control policy evaluation failed", "operation", op, "error", err)
	}
	if !required {
		return false, nil
	}
	bg, err := s.BreakGlassStatus(ctx)
	if err != nil {
		return false, err
	}
	if !bg.Active {
		return false, newError(CodeDualControlRequired, "%s requires an approved request", op)
	}
	if err := s.recordBypass(ctx, Action{Actor: actor, Action: string(op), Target: target, Detail: reason}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) rotate(ctx context.Context, actor, requestID string, breakGlass bool) (signing.Rotation, error) {
	rot, err := s.keys.Rotate(ctx)
	if err != nil {
		return signing.Rotation{}, fmt.Errorf("keylifecycle: rotate: %w", err)
	}
	ev := ledger.KeyRotated{NewKeyID: rot.Active.KeyID, RequestID: requestID, BreakGlass: breakGlass}
	if rot.Archived != nil {
		ev.OldKeyID = rot.Archived.KeyID
	}
	s.record(ctx, actor, ev)
	return rot, nil
}

func (s *Service) revoke(ctx context.Context, actor, keyID, reason, requestID string, breakGlass bool) (signing.KeyRecord, error) {
	rec, err := s.keys.Revoke(ctx, keyID, reason)
	switch {
	case errors.Is(err, signing.ErrActiveKeyRevocation):
		return signing.KeyRecord{}, newError(CodeActiveKeyRevocation, "key %s is active; rotate before revoking", keyID)
	case errors.Is(err, signing.ErrKeyRevoked):
		return signing.KeyRecord{}, newError(CodeInvalidStatus, "key %s is already revoked", keyID)
	case errors.Is(err, signing.ErrKeyNotFound):
		return signing.KeyRecord{}, newError(CodeNotFound, "key %s not found", keyID)
	case err != nil:
		return signing.KeyRecord{}, fmt.Errorf("keylifecycle: revoke: %w", err)
	}
	s.record(ctx, actor, ledger.KeyRevoked{KeyID: keyID, Reason: reason, RequestID: requestID, BreakGlass: breakGlass})
	return rec, nil
}

// checkRevocable rejects unknown keys and the active key up front.
func (s *Service) checkRevocable(ctx context.Context, keyID string) error {
	rec, err := s.keys.GetKey(ctx, keyID)
	if errors.Is(err, signing.ErrKeyNotFound) {
		return newError(CodeNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return fmt.Errorf("keylifecycle: load key: %w", err)
	}
	switch rec.Status {
	case signing.StatusActive:
		return newError(CodeActiveKeyRevocation, "key %s is active; rotate before revoking", keyID)
	case signing.StatusRevoked:
		return newError(CodeInvalidStatus, "key %s is already revoked", keyID)
	}
	return nil
}

// load fetches a request and applies lazy expiry.
func (s *Service) load(ctx context.Context, id string) (Request, error) {
	req, err := s.requests.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Request{}, newError(CodeNotFound, "request %s not found", id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("keylifecycle: load request: %w", err)
	}
	if req.expiredAt(s.now().UTC()) {
		return s.expire(ctx, req)
	}
	return req, nil
}

func (s *Service) expire(ctx context.Context, req Request) (Request, error) {
	next := req
	next.Status = StatusExpired
	err := s.requests.Update(ctx, next, StatusPending)
	if errors.Is(err, errStaleStatus) {
		// Someone decided it first; report what they stored.
		return s.requests.Get(ctx, req.ID)
	}
	if err != nil {
		return Request{}, fmt.Errorf("keylifecycle: expire request: %w", err)
	}
	s.logger.InfoContext(ctx, "key request expired", "request_id", req.ID)
	return next, nil
}

func (s *Service) transition(ctx context.Context, next Request, from Status) error {
	err := s.requests.Update(ctx, next, from)
	if errors.Is(err, errStaleStatus) {
		return newError(CodeInvalidStatus, "request %s changed concurrently", next.ID)
	}
	if err != nil {
		return fmt.Errorf("keylifecycle: update request: %w", err)
	}
	return nil
}

func pendingOnly(req Request) error {
	switch req.Status {
	case StatusPending:
		return nil
	case StatusExpired:
		return newError(CodeRequestExpired, "request %s expired at %s", req.ID, req.ExpiresAt.Format(time.RFC3339))
	}
	return newError(CodeInvalidStatus, "request %s is %s, not PENDING", req.ID, req.Status)
}

// record appends an audit event. The governance change has already been
// committed, so a ledger failure is logged and not returned.
func (s *Service) record(ctx context.Context, actor string, p ledger.Payload) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.AppendPayload(ctx, actor, p); err != nil {
		s.logger.ErrorContext(ctx, "ledger append failed for governance event",
			"event_type", p.EventType(), "actor", actor, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
