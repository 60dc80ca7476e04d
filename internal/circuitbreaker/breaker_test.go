package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewWithClock(Config{
		Name:             "test",
		FailureThreshold: threshold,
		OpenTimeout:      timeout,
	}, clock.Now)
	return cb, clock
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State(), "four failures keep the breaker closed")

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State(), "success cleared the streak")
	assert.NoError(t, cb.Allow())
}

func TestBreakerHalfOpenProbeAndReset(t *testing.T) {
	cb, clock := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// Within the window the breaker still rejects.
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// After the window one probe is allowed; success closes the breaker.
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewWithClock(Config{
		Name:             "cb",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		OnStateChange:    func(_ string, _, to State) { transitions = append(transitions, to) },
	}, clock.Now)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(61 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
