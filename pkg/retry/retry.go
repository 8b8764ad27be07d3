package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is matched by errors.Is on every ExhaustedError.
var ErrExhausted = errors.New("retry budget exhausted")

// ExhaustedError reports the attempts made and the last transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Runner executes attempts. The zero value is usable; tests replace Sleep and
// Jitter to observe the schedule without waiting.
type Runner struct {
	Policy  Policy
	Sleep   func(ctx context.Context, d time.Duration) error
	Jitter  func(n int64) int64
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs fn until it succeeds, returns a non-transient error, the context
// ends, or the policy runs out of attempts.
func Do[T any](ctx context.Context, p Policy, transient Classifier, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	return Run(ctx, Runner{Policy: p}, transient, fn)
}

// Run is Do with a configured Runner. It returns the value, the number of
// attempts made and the error.
func Run[T any](ctx context.Context, r Runner, transient Classifier, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	p := r.Policy.Normalize()
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := p.Backoff(attempt-1, r.Jitter)
			if r.OnRetry != nil {
				r.OnRetry(attempt, d, last)
			}
			if err := sleep(ctx, d); err != nil {
				return zero, attempt - 1, err
			}
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}
		if transient == nil || !transient(err) {
			return zero, attempt, err
		}
		last = err
	}
	return zero, p.MaxAttempts, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
