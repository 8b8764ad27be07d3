package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/merkle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
)

// Config tunes anchoring and health classification.
type Config struct {
	// ConfirmationTimeout fails a pending anchor that is still unmined.
	ConfirmationTimeout time.Duration
	// Confirmations is the block depth required before confirming.
	Confirmations int64

	WindowDays            int
	DelayedAfterDays      float64
	FailedAfterDays       float64
	PendingThresholdHours float64
}

func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout:   24 * time.Hour,
		Confirmations:         1,
		WindowDays:            30,
		DelayedAfterDays:      2,
		FailedAfterDays:       7,
		PendingThresholdHours: 6,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.Confirmations <= 0 {
		c.Confirmations = d.Confirmations
	}
	if c.WindowDays <= 0 {
		c.WindowDays = d.WindowDays
	}
	if c.DelayedAfterDays <= 0 {
		c.DelayedAfterDays = d.DelayedAfterDays
	}
	if c.FailedAfterDays <= 0 {
		c.FailedAfterDays = d.FailedAfterDays
	}
	if c.PendingThresholdHours <= 0 {
		c.PendingThresholdHours = d.PendingThresholdHours
	}
	return c
}

// Service runs anchoring windows against a chain backend.
type Service struct {
	anchors   Store
	events    ledger.Store
	chain     Chain
	artifacts artifacts.Store
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	// runMu keeps Run and Reconcile from overlapping in one process.
	runMu sync.Mutex
}

func NewService(anchors Store, events ledger.Store, chain Chain, receipts artifacts.Store, cfg Config) *Service {
	return &Service{
		anchors:   anchors,
		events:    events,
		chain:     chain,
		artifacts: receipts,
		cfg:       cfg.normalize(),
		now:       time.Now,
		logger:    slog.Default().With("component", "anchoring"),
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run anchors every event after the last covered one, reopening the oldest
// failed window so failures leave no gap. With nothing to anchor it records an
// empty anchor instead.
func (s *Service) Run(ctx context.Context) (a Anchor, err error) {
	ctx, span := observability.StartSpan(ctx, "anchoring.run")
	defer func() { observability.EndSpan(span, err) }()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	start, err := s.windowStart(ctx)
	if err != nil {
		return Anchor{}, err
	}
	tail, err := s.events.Tail(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("anchoring: read ledger tail: %w", err)
	}
	if tail == nil || tail.ID < start {
		return s.createEmpty(ctx)
	}

	events, err := s.events.List(ctx, ledger.Query{AfterID: start - 1, UpToID: tail.ID})
	if err != nil {
		return Anchor{}, fmt.Errorf("anchoring: list window: %w", err)
	}
	if len(events) == 0 {
		return s.createEmpty(ctx)
	}
	tree, err := buildTree(events)
	if err != nil {
		return Anchor{}, err
	}

	now := s.now().UTC()
	first, last := events[0], events[len(events)-1]
	a = Anchor{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		MerkleRoot:   &tree.Root,
		FirstEventID: &first.ID,
		LastEventID:  &last.ID,
		EventCount:   len(events),
		WindowStart:  eventTime(first, now),
		WindowEnd:    eventTime(last, now),
		Network:      s.chain.Network(),
		ChainID:      s.chain.ChainID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.anchors.Create(ctx, a); err != nil {
		return Anchor{}, fmt.Errorf("anchoring: create anchor: %w", err)
	}

	tx, submitErr := s.chain.Submit(ctx, tree.Root)
	next := a
	next.UpdatedAt = s.now().UTC()
	if submitErr != nil {
		msg := submitErr.Error()
		next.Status = StatusFailed
		next.Error = &msg
	} else {
		next.TxHash = &tx
	}
	// The chain call may have consumed the caller's deadline; the outcome
	// still has to land.
	if err := s.anchors.Update(context.WithoutCancel(ctx), next, StatusPending); err != nil {
		return a, fmt.Errorf("anchoring: record submission: %w", err)
	}
	s.count(ctx, next.Status)

	if submitErr != nil {
		s.logger.WarnContext(ctx, "anchor submission failed",
			"anchor_id", next.ID, "first_event_id", first.ID, "last_event_id", last.ID, "error", submitErr)
		return next, nil
	}

	n, err := s.anchors.Supersede(ctx, start, next.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to supersede re-covered anchors", "anchor_id", next.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "anchor submitted",
		"anchor_id", next.ID, "merkle_root", tree.Root, "tx_hash", tx,
		"first_event_id", first.ID, "last_event_id", last.ID, "superseded", n)
	return next, nil
}

func (s *Service) windowStart(ctx context.Context) (int64, error) {
	covered, err := s.anchors.LastCoveredEventID(ctx)
	if err != nil {
		return 0, fmt.Errorf("anchoring: last covered event: %w", err)
	}
	start := covered + 1
	failed, err := s.anchors.OldestOpenFailure(ctx)
	if err != nil {
		return 0, fmt.Errorf("anchoring: open failures: %w", err)
	}
	if failed != nil && *failed.FirstEventID < start {
		start = *failed.FirstEventID
	}
	return start, nil
}

func (s *Service) createEmpty(ctx context.Context) (Anchor, error) {
	now := s.now().UTC()
	windowStart := now
	latest, err := s.anchors.Latest(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("anchoring: latest anchor: %w", err)
	}
	if latest != nil && latest.WindowEnd.Before(now) {
		windowStart = latest.WindowEnd
	}
	a := Anchor{
		ID:          uuid.NewString(),
		Status:      StatusEmpty,
		WindowStart: windowStart,
		WindowEnd:   now,
		Network:     s.chain.Network(),
		ChainID:     s.chain.ChainID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.anchors.Create(ctx, a); err != nil {
		return Anchor{}, fmt.Errorf("anchoring: create empty anchor: %w", err)
	}
	s.count(ctx, StatusEmpty)
	s.logger.InfoContext(ctx, "no new events, recorded empty anchor", "anchor_id", a.ID)
	return a, nil
}

// ReconcileReport counts what one reconciliation pass did.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Reconcile checks every pending anchor. Mined and deep enough becomes
// confirmed with its receipt stored as an artifact; reverted or unmined past
// the confirmation timeout becomes failed. RPC errors leave the anchor
// pending for the next pass.
func (s *Service) Reconcile(ctx context.Context) (rep ReconcileReport, err error) {
	ctx, span := observability.StartSpan(ctx, "anchoring.reconcile")
	defer func() { observability.EndSpan(span, err) }()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	pending, err := s.anchors.ListPending(ctx)
	if err != nil {
		return rep, fmt.Errorf("anchoring: list pending: %w", err)
	}
	for _, a := range pending {
		rep.Checked++
		status, err := s.reconcileOne(ctx, a)
		if err != nil {
			s.logger.WarnContext(ctx, "reconcile deferred", "anchor_id", a.ID, "error", err)
		}
		switch status {
		case StatusConfirmed:
			rep.Confirmed++
		case StatusFailed:
			rep.Failed++
		default:
			rep.Pending++
		}
	}
	return rep, nil
}

func (s *Service) reconcileOne(ctx context.Context, a Anchor) (Status, error) {
	now := s.now().UTC()
	timedOut := now.Sub(a.CreatedAt) > s.cfg.ConfirmationTimeout

	if a.TxHash == nil {
		if timedOut {
			return s.fail(ctx, a, "no transaction submitted before confirmation timeout")
		}
		return StatusPending, nil
	}
	receipt, err := s.chain.Receipt(ctx, *a.TxHash)
	if err != nil {
		return StatusPending, err
	}
	if receipt == nil {
		if timedOut {
			return s.fail(ctx, a, "transaction not mined before confirmation timeout")
		}
		return StatusPending, nil
	}
	if !receipt.Succeeded {
		return s.fail(ctx, a, "transaction reverted")
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return StatusPending, err
	}
	if head-receipt.BlockNumber+1 < s.cfg.Confirmations {
		return StatusPending, nil
	}

	ref, err := s.storeReceipt(ctx, a, receipt)
	if err != nil {
		return StatusPending, err
	}
	next := a
	next.Status = StatusConfirmed
	next.BlockNumber = &receipt.BlockNumber
	next.ReceiptRef = &ref
	next.ConfirmedAt = &now
	next.UpdatedAt = now
	if err := s.anchors.Update(ctx, next, StatusPending); err != nil {
		return StatusPending, err
	}
	s.count(ctx, StatusConfirmed)
	s.logger.InfoContext(ctx, "anchor confirmed",
		"anchor_id", a.ID, "tx_hash", receipt.TxHash, "block_number", receipt.BlockNumber, "receipt_ref", ref)
	return StatusConfirmed, nil
}

func (s *Service) fail(ctx context.Context, a Anchor, reason string) (Status, error) {
	next := a
	next.Status = StatusFailed
	next.Error = &reason
	next.UpdatedAt = s.now().UTC()
	if err := s.anchors.Update(ctx, next, StatusPending); err != nil {
		return StatusPending, err
	}
	s.count(ctx, StatusFailed)
	s.logger.WarnContext(ctx, "anchor failed", "anchor_id", a.ID, "reason", reason)
	return StatusFailed, nil
}

// ReceiptArtifact is the document stored for a confirmed anchor.
type ReceiptArtifact struct {
	AnchorID     string          `json:"anchor_id"`
	MerkleRoot   string          `json:"merkle_root"`
	FirstEventID int64           `json:"first_event_id"`
	LastEventID  int64           `json:"last_event_id"`
	Network      string          `json:"network"`
	ChainID      string          `json:"chain_id"`
	TxHash       string          `json:"tx_hash"`
	BlockNumber  int64           `json:"block_number"`
	BlockHash    string          `json:"block_hash"`
	Receipt      json.RawMessage `json:"receipt,omitempty"`
}

func (s *Service) storeReceipt(ctx context.Context, a Anchor, r *Receipt) (string, error) {
	doc := ReceiptArtifact{
		AnchorID:    a.ID,
		Network:     a.Network,
		ChainID:     a.ChainID,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
		Receipt:     r.Raw,
	}
	if a.MerkleRoot != nil {
		doc.MerkleRoot = *a.MerkleRoot
	}
	if a.FirstEventID != nil {
		doc.FirstEventID = *a.FirstEventID
	}
	if a.LastEventID != nil {
		doc.LastEventID = *a.LastEventID
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	ref, err := s.artifacts.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store receipt: %w", err)
	}
	return ref, nil
}

// InclusionProof rebuilds a's tree from the ledger and proves eventID. It
// fails if the rebuilt root no longer matches the anchored one.
func (s *Service) InclusionProof(ctx context.Context, a Anchor, eventID int64) (merkle.InclusionProof, error) {
	return BuildInclusionProof(ctx, s.events, a, eventID)
}

// ErrRootMismatch means the ledger no longer reproduces an anchored root.
var ErrRootMismatch = errors.New("anchoring: ledger window does not reproduce anchored merkle root")

// BuildInclusionProof is InclusionProof without a Service, for read-only
// callers.
func BuildInclusionProof(ctx context.Context, events ledger.Store, a Anchor, eventID int64) (merkle.InclusionProof, error) {
	if !a.Covers(eventID) || a.MerkleRoot == nil {
		return merkle.InclusionProof{}, fmt.Errorf("anchoring: anchor %s does not cover event %d", a.ID, eventID)
	}
	window, err := events.List(ctx, ledger.Query{AfterID: *a.FirstEventID - 1, UpToID: *a.LastEventID})
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	tree, err := buildTree(window)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	if tree.Root != *a.MerkleRoot {
		return merkle.InclusionProof{}, ErrRootMismatch
	}
	return tree.ProofFor(eventID)
}

func buildTree(events []ledger.Event) (*merkle.Tree, error) {
	ids := make([]int64, len(events))
	hashes := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
		hashes[i] = e.BlockHash
	}
	tree, err := merkle.Build(ids, hashes)
	if err != nil {
		return nil, fmt.Errorf("anchoring: build tree: %w", err)
	}
	return tree, nil
}

func eventTime(e ledger.Event, fallback time.Time) time.Time {
	if t, err := e.Time(); err == nil {
		return t.UTC()
	}
	return fallback
}

func (s *Service) count(ctx context.Context, st Status) {
	observability.Add(ctx, observability.Metrics().Anchors, observability.AttrAnchorStatus.String(string(st)))
}
