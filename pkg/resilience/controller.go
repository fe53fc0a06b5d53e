package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/monolith/pkg/observability"
)

// Resolution names recorded in causal memory.
const (
	ResolutionAutoRestart = "auto_restart"
	KindCrash             = "CrashError"
)

// Memory is the causal memory the controller records into. It is advisory:
// a known fix is logged, never applied.
type Memory interface {
	RecordFailure(ctx context.Context, component, errorKind, message string, details map[string]any) error
	RecordResolution(ctx context.Context, component, errorKind, resolution string) error
	GetKnownFix(ctx context.Context, component, errorKind string) (string, bool, error)
}

// Controller executes work with circuit breaking, bounded retry and
// exponential backoff, and restarts crashed workers within a fixed budget.
type Controller struct {
	breakers    *Breakers
	memory      Memory
	tracer      *observability.Tracer
	backoff     BackoffPolicy
	sleep       Sleeper
	maxRetries  int
	maxRestarts int
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu       sync.Mutex
	restarts map[string]int
	wg       sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithTracer instruments every attempt with a span.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithBackoff replaces the default exponential backoff.
func WithBackoff(p BackoffPolicy) Option {
	return func(c *Controller) { c.backoff = p }
}

// WithSleeper replaces the real sleep, for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// WithMaxRetries sets the default attempt bound.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithMaxRestarts sets the per-worker restart budget.
func WithMaxRestarts(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxRestarts = n
		}
	}
}

// WithRestartRate paces restarts across all workers.
func WithRestartRate(l *rate.Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// NewController creates a controller over breakers and memory. memory may be nil.
func NewController(breakers *Breakers, memory Memory, opts ...Option) *Controller {
	c := &Controller{
		breakers:    breakers,
		memory:      memory,
		backoff:     ExponentialBackoff{Base: time.Second},
		sleep:       SleepContext,
		maxRetries:  3,
		maxRestarts: 3,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 3),
		logger:      slog.Default().With("component", "self_healing"),
		restarts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the breaker registry.
func (c *Controller) Breakers() *Breakers { return c.breakers }

// CallOption adjusts a single ExecuteWithResilience call.
type CallOption func(*callConfig)

type callConfig struct {
	maxRetries int
	backoff    BackoffPolicy
	details    map[string]any
}

// MaxRetries bounds the attempts of one call.
func MaxRetries(n int) CallOption {
	return func(cc *callConfig) {
		if n > 0 {
			cc.maxRetries = n
		}
	}
}

// BaseDelay sets the exponential backoff base of one call.
func BaseDelay(d time.Duration) CallOption {
	return func(cc *callConfig) { cc.backoff = ExponentialBackoff{Base: d} }
}

// Details attaches context recorded with each failure.
func Details(d map[string]any) CallOption {
	return func(cc *callConfig) { cc.details = d }
}

// ExecuteWithResilience runs fn for component.
//
// It returns a *CircuitOpenError without calling fn when the breaker refuses.
// Otherwise fn runs at most maxRetries times; the first success returns
// immediately. Each failure is recorded in causal memory and on the breaker,
// and is followed by a backoff when attempts remain. If the breaker opens
// mid-loop no further attempts are made. The last failure is returned as a
// *WorkerFailure.
func (c *Controller) ExecuteWithResilience(ctx context.Context, component string, fn func(context.Context) error, opts ...CallOption) error {
	cc := callConfig{maxRetries: c.maxRetries, backoff: c.backoff}
	for _, opt := range opts {
		opt(&cc)
	}

	cb := c.breakers.Get(component)
	if !cb.CanExecute() {
		c.count(ctx, "resilience.circuit_open")
		return &CircuitOpenError{Component: component, RetryAt: cb.RetryAt()}
	}

	var (
		lastErr  error
		lastKind string
		attempts int
		failed   = map[string]bool{}
	)
	for attempt := 0; attempt < cc.maxRetries; attempt++ {
		if attempt > 0 && !cb.CanExecute() {
			break
		}
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			break
		}

		attempts++
		err := c.attempt(ctx, component, attempt, fn)
		if err == nil {
			cb.RecordSuccess()
			c.resolve(ctx, component, failed, attempts)
			return nil
		}

		lastErr = err
		lastKind = ClassifyError(err)
		failed[lastKind] = true
		c.recordFailure(ctx, component, lastKind, err, attempt, cc.details)
		cb.RecordFailure()
		if cb.State().State == StateOpen {
			c.logger.WarnContext(ctx, "circuit opened", "target", component, "attempts", attempts)
			break
		}

		if attempt < cc.maxRetries-1 {
			delay := cc.backoff.Delay(attempt)
			c.logger.InfoContext(ctx, "retrying", "target", component, "attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	return &WorkerFailure{Component: component, Kind: lastKind, Attempts: attempts, Err: lastErr}
}

// Call runs fn through c.ExecuteWithResilience and returns its result.
func Call[T any](ctx context.Context, c *Controller, component string, fn func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := c.ExecuteWithResilience(ctx, component, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

func (c *Controller) attempt(ctx context.Context, component string, attempt int, fn func(context.Context) error) error {
	if c.tracer == nil {
		return fn(ctx)
	}
	ctx, done := c.tracer.TrackOperation(ctx, "resilience.attempt",
		observability.AttrComponent.String(component),
		observability.AttrAttempt.Int(attempt+1),
	)
	err := fn(ctx)
	done(err)
	return err
}

func (c *Controller) recordFailure(ctx context.Context, component, kind string, err error, attempt int, details map[string]any) {
	c.logger.WarnContext(ctx, "attempt failed",
		"target", component, "attempt", attempt+1, "error_kind", kind, "error", err)

	if c.memory == nil {
		return
	}
	rec := map[string]any{"attempt": attempt + 1}
	for k, v := range details {
		rec[k] = v
	}
	if err := c.memory.RecordFailure(ctx, component, kind, err.Error(), rec); err != nil {
		c.logger.ErrorContext(ctx, "causal memory write failed", "target", component, "error", err)
	}
	fix, ok, err := c.memory.GetKnownFix(ctx, component, kind)
	if err != nil {
		c.logger.ErrorContext(ctx, "causal memory lookup failed", "target", component, "error", err)
		return
	}
	if ok {
		c.logger.InfoContext(ctx, "known fix on record", "target", component, "error_kind", kind, "fix", fix)
		if c.tracer != nil {
			observability.AddSpanEvent(ctx, "known_fix",
				observability.AttrErrorKind.String(kind), attribute.String("fix", fix))
		}
	}
}

func (c *Controller) resolve(ctx context.Context, component string, failed map[string]bool, attempts int) {
	if c.memory == nil || len(failed) == 0 {
		return
	}
	kinds := make([]string, 0, len(failed))
	for k := range failed {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	resolution := fmt.Sprintf("retry_succeeded_on_attempt_%d", attempts)
	for _, kind := range kinds {
		if err := c.memory.RecordResolution(ctx, component, kind, resolution); err != nil {
			c.logger.ErrorContext(ctx, "causal memory resolution failed", "target", component, "error", err)
		}
	}
}

func (c *Controller) count(ctx context.Context, name string) {
	if c.tracer != nil {
		c.tracer.Inc(ctx, name, 1)
	}
}

// RestartWorker launches restart detached from the caller and records an
// auto_restart resolution for the worker's crash record. It returns false
// without restarting once the worker's restart budget is spent, or when ctx
// ends while waiting for the restart rate limiter.
func (c *Controller) RestartWorker(ctx context.Context, name string, restart func(context.Context) error) bool {
	c.mu.Lock()
	if c.restarts[name] >= c.maxRestarts {
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "restart budget exhausted", "worker", name, "max_restarts", c.maxRestarts)
		return false
	}
	c.restarts[name]++
	n := c.restarts[name]
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.WarnContext(ctx, "restart not paced", "worker", name, "error", err)
		return false
	}

	detached := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := restart(detached); err != nil {
			c.logger.ErrorContext(detached, "restart failed", "worker", name, "error", err)
		}
	}()

	if c.memory != nil {
		if err := c.memory.RecordResolution(ctx, name, KindCrash, ResolutionAutoRestart); err != nil {
			c.logger.ErrorContext(ctx, "causal memory resolution failed", "worker", name, "error", err)
		}
	}
	c.count(ctx, "resilience.restarts")
	c.logger.InfoContext(ctx, "worker restarted", "worker", name, "restart", n, "max_restarts", c.maxRestarts)
	return true
}

// RestartsExhausted reports whether name has used its whole restart budget.
func (c *Controller) RestartsExhausted(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts[name] >= c.maxRestarts
}

// Wait blocks until every detached restart has returned.
func (c *Controller) Wait() { c.wg.Wait() }

// HealthReport summarizes breaker states and restart counts.
type HealthReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Breakers  []CircuitState `json:"breakers"`
	Restarts  map[string]int `json:"restarts"`
	Open      []string       `json:"open,omitempty"`
}

// HealthReport returns the controller's current view of component health.
func (c *Controller) HealthReport() HealthReport {
	r := HealthReport{
		Timestamp: time.Now().UTC(),
		Breakers:  c.breakers.States(),
		Restarts:  map[string]int{},
	}
	for _, s := range r.Breakers {
		if s.State == StateOpen {
			r.Open = append(r.Open, s.Component)
		}
	}
	c.mu.Lock()
	for k, v := range c.restarts {
		r.Restarts[k] = v
	}
	c.mu.Unlock()
	return r
}
