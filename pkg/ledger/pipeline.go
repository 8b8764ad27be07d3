package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
	"github.com/yrippert-maker/papa-app-sub003/pkg/deadletter"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retry"
)

// ErrDeadLettered is matched by every DeadLetterError.
var ErrDeadLettered = errors.New("ledger: event dead-lettered")

// DeadLetterError means the event was not committed. Persisted reports whether
// the dead-letter sink accepted it.
type DeadLetterError struct {
	EventType EventType
	Attempts  int
	Persisted bool
	Err       error
}

func (e *DeadLetterError) Error() string {
	state := "dead-letter entry written"
	if !e.Persisted {
		state = "dead-letter write failed"
	}
	return fmt.Sprintf("%s: %s after %d attempts (%s): %v", ErrDeadLettered, e.EventType, e.Attempts, state, e.Err)
}

func (e *DeadLetterError) Is(target error) bool { return target == ErrDeadLettered }

func (e *DeadLetterError) Unwrap() error { return e.Err }

// Signer produces detached signatures over block hashes. PrepareSigner runs
// before the store takes its write lock and may generate the first key; the
// returned func runs under that lock and must not touch storage.
type Signer interface {
	PrepareSigner(ctx context.Context) (func(hash string) (signature, keyID string, err error), error)
}

// Pipeline validates, hashes and commits events, one serialized writer at a
// time per store.
type Pipeline struct {
	store     Store
	sink      deadletter.Sink
	runner    retry.Runner
	transient retry.Classifier
	signer    Signer
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetryPolicy sets the contention retry budget.
func WithRetryPolicy(p retry.Policy) Option {
	return func(pl *Pipeline) { pl.runner.Policy = p }
}

// WithTransient replaces the default database.IsTransient classifier.
func WithTransient(fn retry.Classifier) Option {
	return func(pl *Pipeline) { pl.transient = fn }
}

// WithSigner attaches a detached signature to every committed event.
func WithSigner(s Signer) Option {
	return func(pl *Pipeline) { pl.signer = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// WithSleep overrides the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(pl *Pipeline) { pl.runner.Sleep = sleep }
}

func NewPipeline(store Store, sink deadletter.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		sink:      sink,
		runner:    retry.Runner{Policy: retry.DefaultPolicy()},
		transient: database.IsTransient,
		now:       time.Now,
		logger:    slog.Default().With("component", "ledger"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Store exposes the underlying store for readers.
func (p *Pipeline) Store() Store { return p.store }

// AppendPayload appends a typed payload.
func (p *Pipeline) AppendPayload(ctx context.Context, actorID string, payload Payload) (Event, error) {
	return p.Append(ctx, payload.EventType(), actorID, payload)
}

// Append validates payload for eventType and commits it to the chain.
// payload may be a Payload, raw JSON bytes or any JSON-marshalable value.
// An empty actorID records a system event.
//
// Validation failures return a ValidationError and write nothing. Commit
// failures are retried while transient; once the budget is spent, or on a
// permanent store error, the event goes to the dead-letter sink and a
// DeadLetterError is returned.
func (p *Pipeline) Append(ctx context.Context, eventType EventType, actorID string, payload any) (ev Event, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.append", observability.AttrEventType.String(string(eventType)))
	defer func() { observability.EndSpan(span, err) }()

	raw, err := payloadBytes(eventType, payload)
	if err != nil {
		return Event{}, err
	}
	_, canonical, err := Validate(eventType, raw)
	if err != nil {
		return Event{}, err
	}
	actor := strPtr(actorID)

	var sign func(hash string) (string, string, error)
	build := func(tail *Event) (Event, error) {
		var prev *string
		if tail != nil {
			h := tail.BlockHash
			prev = &h
		}
		ts := chain.FormatTimestamp(p.now())
		ev := Event{
			EventType: eventType,
			Payload:   canonical,
			PrevHash:  prev,
			CreatedAt: ts,
			ActorID:   actor,
		}
		ev.BlockHash = chain.ComputeEventHash(deref(prev), string(eventType), ts, actorID, string(canonical))
		if sign != nil {
			sig, keyID, err := sign(ev.BlockHash)
			if err != nil {
				return Event{}, fmt.Errorf("sign block hash: %w", err)
			}
			ev.Signature, ev.SigningKeyID = &sig, &keyID
		}
		return ev, nil
	}

	runner := p.runner
	runner.OnRetry = func(attempt int, delay time.Duration, cause error) {
		p.logger.WarnContext(ctx, "ledger writer busy, retrying",
			"event_type", eventType, "attempt", attempt, "delay", delay, "error", cause)
	}
	ev, attempts, err := retry.Run(ctx, runner, p.transient, func(ctx context.Context, _ int) (Event, error) {
		if p.signer != nil {
			s, err := p.signer.PrepareSigner(ctx)
			if err != nil {
				return Event{}, fmt.Errorf("resolve signing key: %w", err)
			}
			sign = s
		}
		return p.store.Append(ctx, build)
	})
	m := observability.Metrics()
	m.AppendAttempts.Record(ctx, int64(attempts))
	if err == nil {
		observability.Add(ctx, m.Appends, observability.AttrEventType.String(string(eventType)))
		return ev, nil
	}

	return Event{}, p.deadLetter(ctx, eventType, actor, raw, attempts, err)
}

func (p *Pipeline) deadLetter(ctx context.Context, eventType EventType, actor *string, raw []byte, attempts int, cause error) error {
	dlErr := &DeadLetterError{EventType: eventType, Attempts: attempts, Err: cause}
	observability.Add(ctx, observability.Metrics().DeadLetters, observability.AttrEventType.String(string(eventType)))

	if p.sink == nil {
		p.logger.ErrorContext(ctx, "ledger append failed and no dead-letter sink is configured",
			"event_type", eventType, "attempts", attempts, "error", cause)
		return dlErr
	}

	// The caller's context may already be done; the entry must still land.
	writeCtx := context.WithoutCancel(ctx)
	if err := p.sink.Record(writeCtx, deadletter.Entry{
		EventType: string(eventType),
		Payload:   json.RawMessage(raw),
		ActorID:   actor,
		Reason:    reason(cause),
		Attempts:  attempts,
		Timestamp: p.now().UTC(),
	}); err != nil {
		p.logger.ErrorContext(ctx, "dead-letter write failed",
			"event_type", eventType, "attempts", attempts, "cause", cause, "error", err)
		return dlErr
	}

	dlErr.Persisted = true
	p.logger.WarnContext(ctx, "ledger append dead-lettered",
		"event_type", eventType, "attempts", attempts, "error", cause)
	return dlErr
}

func reason(err error) string {
	if err == nil || err.Error() == "" {
		return "unknown error"
	}
	return err.Error()
}

func payloadBytes(eventType EventType, payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, &ValidationError{EventType: eventType, Reason: "payload is required"}
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	case Payload:
		if v.EventType() != eventType {
			return nil, &ValidationError{EventType: eventType, Reason: fmt.Sprintf("payload is a %s body", v.EventType())}
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{EventType: eventType, Reason: "payload is not JSON encodable", Err: err}
	}
	return raw, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
