// Package resilience implements failure isolation for worker invocations:
// per-component circuit breakers, exponential backoff, and the self-healing
// controller that composes them with causal memory.
package resilience

import (
	"sort"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           // consecutive failures before opening (default 3)
	RecoveryTimeout   time.Duration // time spent open before a probe (default 30s)
	HalfOpenSuccesses int           // probe successes needed to close (default 2)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  3,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	return c
}

// CircuitState is a snapshot of one breaker.
type CircuitState struct {
	Component           string    `json:"component"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
}

// CircuitBreaker guards a single component.
//
// CLOSED opens after FailureThreshold consecutive failures. OPEN refuses
// calls until RecoveryTimeout has passed since the last failure, then moves to
// HALF_OPEN. HALF_OPEN closes after HalfOpenSuccesses successes and re-opens
// on any failure.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	clock  func() time.Time

	name                string
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenSuccesses   int
}

// NewCircuitBreaker creates a closed breaker for the named component.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		clock:  time.Now,
		state:  StateClosed,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// CanExecute reports whether a call may proceed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.lastFailure) > cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.state = StateClosed
			cb.consecutiveFailures = 0
			cb.halfOpenSuccesses = 0
		}
	case StateClosed:
		cb.consecutiveFailures = 0
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.halfOpenSuccesses = 0
		cb.lastFailure = now
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.lastFailure = now
		}
	case StateOpen:
		cb.lastFailure = now
	}
}

// RetryAt returns when an open breaker will next admit a probe.
func (cb *CircuitBreaker) RetryAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.lastFailure.Add(cb.config.RecoveryTimeout)
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitState{
		Component:           cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailure,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
	}
}

// Breakers lazily creates one breaker per component name.
type Breakers struct {
	mu       sync.Mutex
	config   BreakerConfig
	clock    func() time.Time
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty registry.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		config:   config.withDefaults(),
		clock:    time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock sets the clock handed to breakers created after the call.
func (b *Breakers) WithClock(clock func() time.Time) *Breakers {
	b.clock = clock
	return b
}

// Get returns the breaker for component, creating it on first use.
func (b *Breakers) Get(component string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[component]
	if !ok {
		cb = NewCircuitBreaker(component, b.config).WithClock(b.clock)
		b.breakers[component] = cb
	}
	return cb
}

// States returns every breaker's snapshot, sorted by component.
func (b *Breakers) States() []CircuitState {
	b.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		list = append(list, cb)
	}
	b.mu.Unlock()

	out := make([]CircuitState, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
