package resiliency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("rpc", 2, 10*time.Second).WithClock(func() time.Time { return now })
	boom := errors.New("boom")
	fail := func() error { return boom }

	assert.ErrorIs(t, cb.Do(fail, nil), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(fail, nil), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Do(func() error { return nil }, nil), ErrOpen)

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow(), "one probe after the reset timeout")
	assert.False(t, cb.Allow(), "only one probe at a time")
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State(), "failed probe reopens")

	now = now.Add(11 * time.Second)
	assert.NoError(t, cb.Do(func() error { return nil }, nil))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresUncountableErrors(t *testing.T) {
	cb := NewCircuitBreaker("rpc", 1, time.Minute)
	bad := errors.New("bad request")
	err := cb.Do(func() error { return bad }, func(error) bool { return false })
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, StateClosed, cb.State())
}
