// Package retention enforces data retention: dead-letter entries age out,
// ledger events and signing keys are kept forever.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
)

// Class is a category of retained data.
type Class string

const (
	ClassLedgerEvents Class = "ledger_events"
	ClassSigningKeys  Class = "signing_keys"
	ClassDeadLetter   Class = "dead_letter"
)

// DefaultDeadLetterDays is how long dead-letter entries and archives live.
const DefaultDeadLetterDays = 90

// ErrPermanent rejects any purge of a permanent class.
var ErrPermanent = errors.New("retention: class is permanent and cannot be purged")

// Policy maps classes to retention windows. A class absent from Days and not
// listed as permanent is unknown.
type Policy struct {
	Days      map[Class]int
	Permanent []Class
}

func DefaultPolicy() Policy {
	return Policy{
		Days:      map[Class]int{ClassDeadLetter: DefaultDeadLetterDays},
		Permanent: []Class{ClassLedgerEvents, ClassSigningKeys},
	}
}

// IsPermanent reports whether c can never be purged.
func (p Policy) IsPermanent(c Class) bool {
	for _, pc := range p.Permanent {
		if pc == c {
			return true
		}
	}
	// Ledger events and signing keys stay permanent even if a policy file
	// forgets to list them.
	return c == ClassLedgerEvents || c == ClassSigningKeys
}

// DeadLetters is the dead-letter store as retention sees it.
type DeadLetters interface {
	RotateIfNeeded() (string, error)
	Prune(ctx context.Context, cutoff time.Time, off deadletter.Offloader) (deadletter.PruneReport, error)
}

// Report is the outcome of one enforcement pass.
type Report struct {
	Class      Class                  `json:"class"`
	Cutoff     time.Time              `json:"cutoff"`
	Rotated    string                 `json:"rotated,omitempty"`
	DeadLetter deadletter.PruneReport `json:"dead_letter"`
	Permanent  []Class                `json:"permanent"`
}

type Enforcer struct {
	policy    Policy
	dead      DeadLetters
	offloader deadletter.Offloader
	now       func() time.Time
	logger    *slog.Logger
}

// NewEnforcer builds an enforcer. offloader may be nil, in which case expired
// archives are deleted without a copy.
func NewEnforcer(policy Policy, dead DeadLetters, offloader deadletter.Offloader) *Enforcer {
	return &Enforcer{
		policy:    policy,
		dead:      dead,
		offloader: offloader,
		now:       time.Now,
		logger:    slog.Default().With("component", "retention"),
	}
}

// WithClock overrides the clock for testing.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Purge applies the retention window for c. Permanent classes fail with
// ErrPermanent and nothing is touched.
func (e *Enforcer) Purge(ctx context.Context, c Class) (Report, error) {
	if e.policy.IsPermanent(c) {
		e.logger.WarnContext(ctx, "refused purge of permanent data", "class", c)
		return Report{}, fmt.Errorf("%w: %s", ErrPermanent, c)
	}
	if c != ClassDeadLetter {
		return Report{}, fmt.Errorf("retention: unknown class %q", c)
	}
	return e.pruneDeadLetters(ctx)
}

// Run is the scheduled pass: it rotates the dead-letter file if it crossed a
// threshold, then prunes everything older than the window.
func (e *Enforcer) Run(ctx context.Context) (Report, error) {
	return e.Purge(ctx, ClassDeadLetter)
}

func (e *Enforcer) pruneDeadLetters(ctx context.Context) (rep Report, err error) {
	ctx, span := observability.StartSpan(ctx, "retention.dead_letter")
	defer func() { observability.EndSpan(span, err) }()

	days := e.policy.Days[ClassDeadLetter]
	if days <= 0 {
		days = DefaultDeadLetterDays
	}
	rep = Report{
		Class:     ClassDeadLetter,
		Cutoff:    e.now().UTC().AddDate(0, 0, -days),
		Permanent: []Class{ClassLedgerEvents, ClassSigningKeys},
	}

	if rep.Rotated, err = e.dead.RotateIfNeeded(); err != nil {
		return rep, fmt.Errorf("retention: rotate dead letters: %w", err)
	}
	if rep.DeadLetter, err = e.dead.Prune(ctx, rep.Cutoff, e.offloader); err != nil {
		return rep, fmt.Errorf("retention: prune dead letters: %w", err)
	}
	e.logger.InfoContext(ctx, "dead-letter retention applied",
		"cutoff", rep.Cutoff,
		"rotated", rep.Rotated,
		"archives_deleted", len(rep.DeadLetter.ArchivesDeleted),
		"entries_dropped", rep.DeadLetter.EntriesDropped,
	)
	return rep, nil
}
