// Package retry runs operations under a bounded exponential backoff policy,
// retrying only errors a caller-supplied classifier marks as transient.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Delay before retry n (n >= 1) is
// min(BaseDelay * 2^(n-1), MaxDelay) plus a uniform jitter in [0, MaxJitter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultPolicy is the ledger append default.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		MaxJitter:   25 * time.Millisecond,
	}
}

// Normalize fills zero fields so a partially configured policy still terminates.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Backoff returns the delay to wait before retry number attempt (1-based).
// jitter draws from [0, n); nil uses math/rand/v2.
func (p Policy) Backoff(attempt int, jitter func(n int64) int64) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		// avoid overflow
		shift = 30
	}
	delay := p.BaseDelay << shift
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}

	if p.MaxJitter > 0 {
		if jitter == nil {
			jitter = rand.Int64N
		}
		delay += time.Duration(jitter(int64(p.MaxJitter)))
	}
	return delay
}
