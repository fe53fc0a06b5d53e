package resilience

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("X", DefaultBreakerConfig()).WithClock(clk.Now)

	cb.RecordFailure()
	cb.RecordFailure()
	require.True(t, cb.CanExecute())
	require.Equal(t, StateClosed, cb.State().State)

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State().State)
	require.False(t, cb.CanExecute())
	require.Equal(t, clk.now.Add(30*time.Second), cb.RetryAt())
}

func TestBreakerSuccessResetsClosedCount(t *testing.T) {
	cb := NewCircuitBreaker("X", DefaultBreakerConfig())
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, StateClosed, cb.State().State)
	require.Equal(t, 2, cb.State().ConsecutiveFailures)
}

func TestBreakerRecovery(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("X", DefaultBreakerConfig()).WithClock(clk.Now)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clk.Advance(30 * time.Second)
	require.False(t, cb.CanExecute(), "exactly at the timeout the breaker stays open")

	clk.Advance(time.Millisecond)
	require.True(t, cb.CanExecute())
	require.Equal(t, StateHalfOpen, cb.State().State)

	cb.RecordSuccess()
	require.Equal(t, StateHalfOpen, cb.State().State)
	require.Equal(t, 1, cb.State().HalfOpenSuccesses)

	cb.RecordSuccess()
	st := cb.State()
	require.Equal(t, StateClosed, st.State)
	require.Zero(t, st.ConsecutiveFailures)
	require.Zero(t, st.HalfOpenSuccesses)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("X", DefaultBreakerConfig()).WithClock(clk.Now)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clk.Advance(31 * time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordSuccess()
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State().State)
	require.False(t, cb.CanExecute())

	clk.Advance(31 * time.Second)
	require.True(t, cb.CanExecute())
}

func TestBreakersRegistryIsLazyAndKeyed(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1})
	require.Empty(t, b.States())

	b.Get("beta").RecordFailure()
	require.Same(t, b.Get("alpha"), b.Get("alpha"))

	states := b.States()
	require.Len(t, states, 2)
	require.Equal(t, "alpha", states[0].Component)
	require.Equal(t, StateClosed, states[0].State)
	require.Equal(t, StateOpen, states[1].State)
}

func TestBreakerThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("threshold failures keep the breaker shut until recovery_timeout elapses", prop.ForAll(
		func(name string, threshold int, timeoutSec int) bool {
			clk := newClock()
			timeout := time.Duration(timeoutSec) * time.Second
			cb := NewBreakers(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: timeout}).
				WithClock(clk.Now).
				Get(name)

			for i := 0; i < threshold; i++ {
				if !cb.CanExecute() {
					return false
				}
				cb.RecordFailure()
			}
			for _, wait := range []time.Duration{0, timeout / 2, timeout / 2} {
				clk.Advance(wait)
				if cb.CanExecute() {
					return false
				}
			}
			clk.Advance(time.Nanosecond)
			return cb.CanExecute()
		},
		gen.AlphaString(),
		gen.IntRange(1, 10),
		gen.IntRange(4, 120),
	))

	properties.TestingRun(t)
}
