// Package orchestrator drives workers through the PLAN, EXECUTE, VERIFY,
// REPAIR and COMPLETE states and aggregates their health into a report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/monolith/pkg/escalation"
	"github.com/Mindburn-Labs/monolith/pkg/governance"
	"github.com/Mindburn-Labs/monolith/pkg/observability"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
	"github.com/Mindburn-Labs/monolith/pkg/resilience"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

// Catalog is the worker registry as the orchestrator uses it.
type Catalog interface {
	Discover(ctx context.Context) ([]registry.WorkerDescriptor, error)
	Diff(requiredByGroup map[string][]string) ([]string, error)
	Synthesize(ctx context.Context, name, group string) error
}

// Gatekeeper checks risk-bearing actions before they run.
type Gatekeeper interface {
	Check(ctx context.Context, req governance.ActionRequest) (governance.AuditRecord, error)
}

// ApprovalSource supplies stored approval tokens.
type ApprovalSource interface {
	Token(agent, actionType string) string
}

// Config bounds a cycle.
type Config struct {
	WorkerTimeout       time.Duration
	MaxRepairIterations int
	MaxReexecutions     int
	KillSwitchPath      string
	MaintenanceWindows  []MaintenanceWindow
}

// DefaultConfig returns the stock bounds.
func DefaultConfig() Config {
	return Config{
		WorkerTimeout:       60 * time.Second,
		MaxRepairIterations: 3,
		MaxReexecutions:     1,
	}
}

// Orchestrator runs cycles. Dependencies are injected at construction; one
// orchestrator runs one cycle at a time.
type Orchestrator struct {
	catalog    Catalog
	manifest   registry.Manifest
	controller *resilience.Controller
	sentinels  worker.SentinelStore

	gate       Gatekeeper
	approvals  ApprovalSource
	escalation *escalation.Policy
	tracer     *observability.Tracer
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger

	run   sync.Mutex
	mu    sync.RWMutex
	state State

	// degraded holds workers whose restart budget is spent.
	degradedMu sync.Mutex
	degraded   map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGate routes risk-bearing workers through g.
func WithGate(g Gatekeeper) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithApprovals supplies stored approval tokens to the gate.
func WithApprovals(a ApprovalSource) Option {
	return func(o *Orchestrator) { o.approvals = a }
}

// WithEscalation raises intents after repeated failed cycles.
func WithEscalation(p *escalation.Policy) Option {
	return func(o *Orchestrator) { o.escalation = p }
}

// WithTracer records cycle spans and counters on t.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c }
}

// WithClock sets the time source for timestamps and directives.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator.
func New(catalog Catalog, manifest registry.Manifest, controller *resilience.Controller, sentinels worker.SentinelStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:    catalog,
		manifest:   manifest,
		controller: controller,
		sentinels:  sentinels,
		cfg:        DefaultConfig(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "orchestrator"),
		state:      StateComplete,
		degraded:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = observability.NewNop()
	}
	return o
}

// State returns the state the current or last cycle is in.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Degraded returns the workers retired after exhausting their restart budget.
func (o *Orchestrator) Degraded() []string {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	out := make([]string, 0, len(o.degraded))
	for name := range o.degraded {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) isDegraded(name string) bool {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	return o.degraded[name]
}

func (o *Orchestrator) markDegraded(name string) {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	o.degraded[name] = true
}

// Graph renders the state machine with the current state highlighted.
func (o *Orchestrator) Graph() (string, error) { return Graph(o.State()) }

func (o *Orchestrator) enter(ctx context.Context, rep *CycleReport, next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	if len(rep.Path) > 0 && !legal(prev, next) {
		o.logger.ErrorContext(ctx, "illegal transition", "from", prev, "to", next)
	}
	rep.Path = append(rep.Path, next)
	o.logger.DebugContext(ctx, "state", "cycle_id", rep.CycleID, "state", next)
}

// cycle carries the working set between states.
type cycle struct {
	report  *CycleReport
	workers map[string]registry.WorkerDescriptor
	groups  []plannedGroup
}

type plannedGroup struct {
	name    string
	workers []registry.WorkerDescriptor
}

// RunCycle runs one cycle to COMPLETE. The report is always returned. The
// error is a *RepairFailure when the catalog could not be repaired, a
// *CycleDegraded when the cycle stayed RED, or ctx's error on cancellation.
// A halted cycle returns a report tagged Halted and no error.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	o.run.Lock()
	defer o.run.Unlock()

	rep := &CycleReport{
		CycleID:   uuid.New().String(),
		Groups:    map[string]worker.Status{},
		StartedAt: o.clock().UTC(),
	}
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.cycle", observability.AttrCycleID.String(rep.CycleID))
	defer span.End()
	rep.TraceID = observability.TraceID(ctx)
	o.tracer.Inc(ctx, "orchestrator.cycles", 1)

	err := o.drive(ctx, rep)
	rep.Timestamp = o.clock().UTC()

	if !rep.Halted && o.escalation != nil {
		rep.Escalation = o.escalation.Observe(ctx, rep.Failed(), map[string]string{
			"cycle_id": rep.CycleID,
			"status":   string(rep.Status),
		})
	}
	span.SetAttributes(observability.AttrStatus.String(string(rep.Status)))

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		o.tracer.Inc(ctx, "orchestrator.cycles.failed", 1)
	}
	o.logger.Log(ctx, level, "cycle finished",
		"cycle_id", rep.CycleID, "status", rep.Status, "groups", rep.Groups,
		"blocked", len(rep.Blocked), "degraded", len(rep.Degraded), "path", rep.Path, "error", err)
	return *rep, err
}

func (o *Orchestrator) drive(ctx context.Context, rep *CycleReport) error {
	c := &cycle{report: rep}
	state := StatePlan
	var missing []string
	var repairErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.enter(ctx, rep, state)

		switch state {
		case StatePlan:
			if killSwitchEngaged(o.cfg.KillSwitchPath) {
				rep.Halted = true
				o.logger.WarnContext(ctx, "kill switch engaged; cycle halted", "path", o.cfg.KillSwitchPath)
				return nil
			}
			var err error
			missing, err = o.plan(ctx, c)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				state = StateRepair
				continue
			}
			rep.Directives = Directives(o.clock(), o.cfg.MaintenanceWindows)
			state = StateExecute

		case StateRepair:
			if rep.RepairIterations >= o.cfg.MaxRepairIterations {
				rf := &RepairFailure{Missing: missing, Iterations: rep.RepairIterations, Err: repairErr}
				rep.RepairFailure = rf.Error()
				rep.Status = worker.StatusRed
				return rf
			}
			rep.RepairIterations++
			repairErr = o.repair(ctx, rep, missing)
			state = StatePlan

		case StateExecute:
			o.execute(ctx, c)
			if err := ctx.Err(); err != nil {
				return err
			}
			state = StateVerify

		case StateVerify:
			o.verify(ctx, c)
			if rep.Status != worker.StatusRed {
				state = StateComplete
				continue
			}
			if rep.Reexecutions < o.cfg.MaxReexecutions {
				rep.Reexecutions++
				o.logger.WarnContext(ctx, "cycle RED; re-executing", "cycle_id", rep.CycleID, "reexecution", rep.Reexecutions)
				state = StateExecute
				continue
			}
			rep.CycleDegraded = true
			return &CycleDegraded{CycleID: rep.CycleID, RedGroups: redGroups(rep.Groups), Reexecutions: rep.Reexecutions}

		case StateComplete:
			return nil
		}
	}
}

// plan discovers the catalog, returns missing workers and groups the rest.
func (o *Orchestrator) plan(ctx context.Context, c *cycle) ([]string, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.plan", observability.AttrPhase.String(string(StatePlan)))
	defer span.End()

	found, err := o.catalog.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover workers: %w", err)
	}
	missing, err := o.catalog.Diff(o.manifest.Required())
	if err != nil {
		return nil, fmt.Errorf("diff workers: %w", err)
	}

	c.workers = make(map[string]registry.WorkerDescriptor, len(found))
	for _, d := range found {
		c.workers[d.Name] = d
	}
	c.groups = o.partition(found)
	return missing, nil
}

// partition orders groups as the manifest does, then any catalog-only
// groups by name. Within a group manifest workers come first in manifest
// order, then catalog-only workers by name.
func (o *Orchestrator) partition(found []registry.WorkerDescriptor) []plannedGroup {
	byName := make(map[string]registry.WorkerDescriptor, len(found))
	for _, d := range found {
		byName[d.Name] = d
	}

	var groups []plannedGroup
	index := map[string]int{}
	placed := map[string]bool{}
	for _, g := range o.manifest.Groups {
		pg := plannedGroup{name: g.Name}
		for _, name := range g.Workers {
			if d, ok := byName[name]; ok && !placed[name] {
				pg.workers = append(pg.workers, d)
				placed[name] = true
			}
		}
		index[g.Name] = len(groups)
		groups = append(groups, pg)
	}

	var extra []registry.WorkerDescriptor
	for _, d := range found {
		if !placed[d.Name] {
			extra = append(extra, d)
		}
	}
	sort.Slice(extra, func(i, j int) bool {
		if extra[i].Group != extra[j].Group {
			return extra[i].Group < extra[j].Group
		}
		return extra[i].Name < extra[j].Name
	})
	for _, d := range extra {
		i, ok := index[d.Group]
		if !ok {
			i = len(groups)
			index[d.Group] = i
			groups = append(groups, plannedGroup{name: d.Group})
		}
		groups[i].workers = append(groups[i].workers, d)
	}
	return groups
}

// repair synthesizes every missing worker. Failures are joined and
// returned; the caller loops back to PLAN either way.
func (o *Orchestrator) repair(ctx context.Context, rep *CycleReport, missing []string) error {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.repair", observability.AttrPhase.String(string(StateRepair)))
	defer span.End()

	var errs []error
	for _, name := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		group, _ := o.manifest.GroupOf(name)
		if err := o.catalog.Synthesize(ctx, name, group); err != nil {
			o.logger.ErrorContext(ctx, "synthesis failed", "worker", name, "group", group, "error", err)
			errs = append(errs, fmt.Errorf("synthesize %s: %w", name, err))
			continue
		}
		rep.Synthesized = append(rep.Synthesized, name)
	}
	o.tracer.Inc(ctx, "orchestrator.synthesized", int64(len(missing)-len(errs)))
	return errors.Join(errs...)
}

func redGroups(groups map[string]worker.Status) []string {
	var out []string
	for g, s := range groups {
		if s == worker.StatusRed {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
