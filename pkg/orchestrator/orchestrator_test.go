package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/monolith/pkg/escalation"
	"github.com/Mindburn-Labs/monolith/pkg/governance"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
	"github.com/Mindburn-Labs/monolith/pkg/resilience"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

func noSleep(context.Context, time.Duration) error { return nil }

// fleet is a set of in-process workers behind the "fake" handle kind.
type fleet struct {
	mu      sync.Mutex
	handles map[string]worker.Handle
	calls   map[string]int
}

func newFleet() *fleet {
	return &fleet{handles: map[string]worker.Handle{}, calls: map[string]int{}}
}

func (f *fleet) set(name string, fn func(call int) (worker.HealthRecord, error)) {
	f.handles[name] = worker.FuncHandle(func(ctx context.Context) (worker.HealthRecord, error) {
		f.mu.Lock()
		f.calls[name]++
		n := f.calls[name]
		f.mu.Unlock()
		return fn(n)
	})
}

func (f *fleet) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func green(int) (worker.HealthRecord, error) {
	return worker.HealthRecord{Status: worker.StatusGreen, Message: "ok"}, nil
}

func failing(int) (worker.HealthRecord, error) {
	return worker.HealthRecord{}, errors.New("upstream unavailable")
}

type harness struct {
	dir       string
	fleet     *fleet
	registry  *registry.Registry
	sentinels *worker.MemorySentinels
	breakers  *resilience.Breakers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:       t.TempDir(),
		fleet:     newFleet(),
		sentinels: worker.NewMemorySentinels(),
		breakers:  resilience.NewBreakers(resilience.DefaultBreakerConfig()),
	}
	factory := worker.NewFactory()
	factory.Register("fake", func(_ context.Context, spec worker.Spec) (worker.Handle, error) {
		hd, ok := h.fleet.handles[spec.Name]
		if !ok {
			return nil, fmt.Errorf("no fake handle for %s", spec.Name)
		}
		return hd, nil
	})
	h.registry = registry.New(h.dir, factory)
	return h
}

func (h *harness) add(t *testing.T, name, group string, fn func(int) (worker.HealthRecord, error)) {
	t.Helper()
	h.fleet.set(name, fn)
	body := fmt.Sprintf("group: %s\nhandle:\n  kind: fake\n", group)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, name+".yaml"), []byte(body), 0640))
}

func (h *harness) controller(opts ...resilience.Option) *resilience.Controller {
	opts = append([]resilience.Option{resilience.WithSleeper(noSleep)}, opts...)
	return resilience.NewController(h.breakers, nil, opts...)
}

func manifest(groups ...registry.Group) registry.Manifest {
	return registry.Manifest{Groups: groups}
}

func TestGroupFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.add(t, "treasurer", "WEALTH", green)
	h.add(t, "revenue_tracker", "WEALTH", failing)
	h.add(t, "cipher_agent", "SECURITY", green)
	h.add(t, "auditor_agent", "SECURITY", green)

	m := manifest(
		registry.Group{Name: "WEALTH", Workers: []string{"treasurer", "revenue_tracker"}},
		registry.Group{Name: "SECURITY", Workers: []string{"cipher_agent", "auditor_agent"}},
	)
	o := New(h.registry, m, h.controller(), h.sentinels)

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]worker.Status{"WEALTH": worker.StatusYellow, "SECURITY": worker.StatusGreen}, rep.Groups)
	assert.Equal(t, worker.StatusYellow, rep.Status)
	assert.Zero(t, rep.Reexecutions, "YELLOW does not re-execute")
	assert.Equal(t, []State{StatePlan, StateExecute, StateVerify, StateComplete}, rep.Path)
	assert.Equal(t, 3, h.fleet.count("revenue_tracker"), "retried up to max attempts")
	assert.Equal(t, 1, h.fleet.count("treasurer"))

	require.Len(t, rep.Workers, 4)
	byName := map[string]WorkerOutcome{}
	for _, w := range rep.Workers {
		byName[w.Worker] = w
	}
	assert.Equal(t, OutcomeFailed, byName["revenue_tracker"].Outcome)
	assert.Equal(t, 3, byName["revenue_tracker"].Attempts)
	assert.Equal(t, OutcomeOK, byName["cipher_agent"].Outcome)
	assert.Equal(t, worker.StatusGreen, byName["cipher_agent"].Status)
	assert.Equal(t, StateComplete, o.State())
}

func TestMissingWorkersAreSynthesized(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a", "G", green)
	h.add(t, "b", "G", green)

	o := New(h.registry, manifest(registry.Group{Name: "G", Workers: []string{"a", "b", "c"}}), h.controller(), h.sentinels)
	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, rep.Synthesized)
	assert.Equal(t, 1, rep.RepairIterations)
	assert.Equal(t, []State{StatePlan, StateRepair, StatePlan, StateExecute, StateVerify, StateComplete}, rep.Path)
	assert.Equal(t, worker.StatusGreen, rep.Status)

	rec, err := h.sentinels.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Contains(t, rec.Message, "stand-in")

	_, err = os.Stat(filepath.Join(h.dir, "c.yaml"))
	assert.NoError(t, err)
}

// brokenCatalog never manages to synthesize.
type brokenCatalog struct {
	mu     sync.Mutex
	synths int
}

func (b *brokenCatalog) Discover(context.Context) ([]registry.WorkerDescriptor, error) {
	return nil, nil
}

func (b *brokenCatalog) Diff(required map[string][]string) ([]string, error) {
	return []string{"ghost"}, nil
}

func (b *brokenCatalog) Synthesize(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synths++
	return errors.New("catalog is read-only")
}

func TestRepairFailureIsBounded(t *testing.T) {
	cat := &brokenCatalog{}
	cfg := DefaultConfig()
	cfg.MaxRepairIterations = 2
	o := New(cat, manifest(registry.Group{Name: "G", Workers: []string{"ghost"}}),
		resilience.NewController(resilience.NewBreakers(resilience.DefaultBreakerConfig()), nil),
		worker.NewMemorySentinels(), WithConfig(cfg))

	rep, err := o.RunCycle(context.Background())
	var rf *RepairFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, []string{"ghost"}, rf.Missing)
	assert.Equal(t, 2, rf.Iterations)
	assert.ErrorContains(t, err, "read-only")
	assert.Equal(t, 2, cat.synths)
	assert.NotEmpty(t, rep.RepairFailure)
	assert.Equal(t, worker.StatusRed, rep.Status)
	assert.True(t, rep.Failed())
	assert.Equal(t, "RepairFailure", resilience.ClassifyError(err))
}

func TestRedCycleReexecutesOnceThenDegrades(t *testing.T) {
	h := newHarness(t)
	h.add(t, "hardware_sentinel", "LABOR", func(int) (worker.HealthRecord, error) {
		return worker.HealthRecord{Status: worker.StatusRed, Message: "fan failure"}, nil
	})
	o := New(h.registry, manifest(registry.Group{Name: "LABOR", Workers: []string{"hardware_sentinel"}}), h.controller(), h.sentinels)

	rep, err := o.RunCycle(context.Background())
	var degraded *CycleDegraded
	require.ErrorAs(t, err, &degraded)
	assert.Equal(t, []string{"LABOR"}, degraded.RedGroups)
	assert.Equal(t, 1, rep.Reexecutions)
	assert.True(t, rep.CycleDegraded)
	assert.Equal(t, worker.StatusRed, rep.Status)
	assert.Equal(t, 2, h.fleet.count("hardware_sentinel"))
	assert.Equal(t, []State{StatePlan, StateExecute, StateVerify, StateExecute, StateVerify}, rep.Path)
}

func TestRedCycleRecoversOnReexecution(t *testing.T) {
	h := newHarness(t)
	h.add(t, "backup_agent", "SECURITY", func(call int) (worker.HealthRecord, error) {
		if call == 1 {
			return worker.HealthRecord{Status: worker.StatusRed}, nil
		}
		return worker.HealthRecord{Status: worker.StatusGreen}, nil
	})
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	clock := func() time.Time { now = now.Add(time.Millisecond); return now }
	o := New(h.registry, manifest(registry.Group{Name: "SECURITY", Workers: []string{"backup_agent"}}),
		h.controller(), h.sentinels, WithClock(clock))

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reexecutions)
	assert.Equal(t, worker.StatusGreen, rep.Status)
}

func newGate(t *testing.T, buf *bytes.Buffer) (*governance.Gate, *governance.ApprovalVerifier) {
	t.Helper()
	v, err := governance.NewApprovalVerifier("test-secret")
	require.NoError(t, err)
	return governance.NewGate(governance.DefaultPolicy(), governance.NewAuditLog(buf), governance.WithApprovals(v)), v
}

func TestUnapprovedRiskBearingWorkerIsBlocked(t *testing.T) {
	h := newHarness(t)
	h.fleet.set("purchasing_agent", green)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "purchasing_agent.yaml"), []byte(`
group: LABOR
handle:
  kind: fake
action:
  type: purchase
  inputs:
    amount: 1500
`), 0640))

	var audit bytes.Buffer
	gate, verifier := newGate(t, &audit)
	approvals := governance.TokenDir(t.TempDir())
	o := New(h.registry, manifest(registry.Group{Name: "LABOR", Workers: []string{"purchasing_agent"}}),
		h.controller(), h.sentinels, WithGate(gate), WithApprovals(approvals))

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Blocked, 1)
	assert.Equal(t, "purchasing_agent", rep.Blocked[0].Worker)
	assert.Equal(t, "HIGH", rep.Blocked[0].RiskLevel)
	assert.NotEmpty(t, rep.Blocked[0].AuditID)
	assert.Equal(t, 0, h.fleet.count("purchasing_agent"), "blocked actions are not executed")
	assert.Equal(t, OutcomeBlocked, rep.Workers[0].Outcome)
	assert.Contains(t, audit.String(), `"compliance_status":"REQUIRES_REVIEW"`)

	tok, err := verifier.Mint("ops", "purchasing_agent", "purchase", time.Hour)
	require.NoError(t, err)
	require.NoError(t, approvals.Save("purchasing_agent", "purchase", tok))

	rep, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Blocked)
	assert.Equal(t, 1, h.fleet.count("purchasing_agent"))
	assert.Equal(t, OutcomeOK, rep.Workers[0].Outcome)
}

func TestKillSwitchHalts(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a", "G", green)
	kill := filepath.Join(t.TempDir(), ".system_kill")
	require.NoError(t, os.WriteFile(kill, nil, 0640))

	cfg := DefaultConfig()
	cfg.KillSwitchPath = kill
	o := New(h.registry, manifest(registry.Group{Name: "G", Workers: []string{"a"}}), h.controller(), h.sentinels, WithConfig(cfg))

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Halted)
	assert.Equal(t, []State{StatePlan}, rep.Path)
	assert.Zero(t, h.fleet.count("a"))

	require.NoError(t, os.Remove(kill))
	rep, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Halted)
	assert.Equal(t, 1, h.fleet.count("a"))
}

func TestOpenCircuitIsReportedAsSkipped(t *testing.T) {
	h := newHarness(t)
	h.add(t, "red_team_agent", "SECURITY", failing)
	o := New(h.registry, manifest(registry.Group{Name: "SECURITY", Workers: []string{"red_team_agent"}}), h.controller(), h.sentinels)

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, h.fleet.count("red_team_agent"))

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, h.fleet.count("red_team_agent"), "open breaker short-circuits")
	assert.Equal(t, []string{"red_team_agent"}, rep.Skipped)
	assert.Equal(t, OutcomeCircuitOpen, rep.Workers[0].Outcome)
	assert.Equal(t, "CircuitOpenError", rep.Workers[0].ErrorKind)
	assert.Equal(t, worker.StatusYellow, rep.Groups["SECURITY"])
}

// crashingHandle always crashes and counts invocations and restarts.
type crashingHandle struct {
	mu       sync.Mutex
	invokes  int
	restarts int
}

func (c *crashingHandle) Invoke(context.Context) (worker.HealthRecord, error) {
	c.mu.Lock()
	c.invokes++
	c.mu.Unlock()
	return worker.HealthRecord{}, &worker.CrashError{Worker: "purge_agent", ExitCode: 1}
}

func (c *crashingHandle) counts() (invokes, restarts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invokes, c.restarts
}

func (c *crashingHandle) Restart(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	return nil
}

func TestCrashedWorkerRestartsThenDegrades(t *testing.T) {
	h := newHarness(t)
	crash := &crashingHandle{}
	h.fleet.handles["purge_agent"] = crash
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "purge_agent.yaml"), []byte("group: LABOR\nhandle:\n  kind: fake\n"), 0640))
	h.breakers = resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute})

	ctrl := h.controller(resilience.WithMaxRestarts(1), resilience.WithRestartRate(rate.NewLimiter(rate.Inf, 1)))
	o := New(h.registry, manifest(registry.Group{Name: "LABOR", Workers: []string{"purge_agent"}}), ctrl, h.sentinels)

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Workers[0].Restarted)
	assert.Equal(t, "CrashError", rep.Workers[0].ErrorKind)
	assert.Empty(t, rep.Degraded)

	rep, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Workers[0].Degraded)
	assert.Equal(t, []string{"purge_agent"}, rep.Degraded)
	assert.Equal(t, []string{"purge_agent"}, o.Degraded())

	invokes, _ := crash.counts()
	assert.Equal(t, 6, invokes)

	for i := 0; i < 3; i++ {
		rep, err = o.RunCycle(context.Background())
		require.NoError(t, err)
		require.Len(t, rep.Workers, 1)
		assert.Equal(t, OutcomeDegraded, rep.Workers[0].Outcome)
		assert.Equal(t, []string{"purge_agent"}, rep.Degraded)
		assert.Equal(t, worker.StatusYellow, rep.Groups["LABOR"])
	}

	ctrl.Wait()
	invokes, restarts := crash.counts()
	assert.Equal(t, 6, invokes, "degraded workers are not invoked again")
	assert.Equal(t, 1, restarts)
}

func TestInvalidHealthRecordFailsOnlyItsWorker(t *testing.T) {
	h := newHarness(t)
	sentinels, err := worker.NewFileSentinels(filepath.Join(h.dir, "sentinels"))
	require.NoError(t, err)

	h.add(t, "treasurer", "WEALTH", green)
	h.add(t, "revenue_tracker", "WEALTH", green)
	h.add(t, "cipher_agent", "SECURITY", green)
	// Writes its own sentinel, with a status outside the contract.
	h.add(t, "auditor_agent", "SECURITY", func(int) (worker.HealthRecord, error) {
		body := `{"worker":"auditor_agent","status":"BLUE"}`
		err := os.WriteFile(filepath.Join(sentinels.Dir(), "auditor_agent.done"), []byte(body), 0640)
		return worker.HealthRecord{}, err
	})

	m := manifest(
		registry.Group{Name: "WEALTH", Workers: []string{"treasurer", "revenue_tracker"}},
		registry.Group{Name: "SECURITY", Workers: []string{"cipher_agent", "auditor_agent"}},
	)
	o := New(h.registry, m, h.controller(), sentinels)

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StatePlan, StateExecute, StateVerify, StateComplete}, rep.Path)
	assert.Equal(t, map[string]worker.Status{"WEALTH": worker.StatusGreen, "SECURITY": worker.StatusYellow}, rep.Groups)
	assert.Equal(t, worker.StatusYellow, rep.Status)

	byName := map[string]WorkerOutcome{}
	for _, w := range rep.Workers {
		byName[w.Worker] = w
	}
	assert.Equal(t, OutcomeFailed, byName["auditor_agent"].Outcome)
	assert.Equal(t, worker.KindInvalidRecord, byName["auditor_agent"].ErrorKind)
	assert.Equal(t, OutcomeOK, byName["cipher_agent"].Outcome)
	assert.Equal(t, worker.StatusGreen, byName["cipher_agent"].Status)
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t)
	h.fleet.handles["slow"] = worker.FuncHandle(func(ctx context.Context) (worker.HealthRecord, error) {
		<-ctx.Done()
		return worker.HealthRecord{}, ctx.Err()
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "slow.yaml"), []byte("group: G\nhandle:\n  kind: fake\n"), 0640))

	cfg := DefaultConfig()
	cfg.WorkerTimeout = 20 * time.Millisecond
	o := New(h.registry, manifest(registry.Group{Name: "G", Workers: []string{"slow"}}),
		h.controller(resilience.WithMaxRetries(1)), h.sentinels, WithConfig(cfg))

	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Workers[0].Outcome)
	assert.Equal(t, "TimeoutError", rep.Workers[0].ErrorKind)
}

func TestEscalationAfterConsecutiveRedCycles(t *testing.T) {
	h := newHarness(t)
	h.add(t, "emergency_protocol", "SECURITY", func(int) (worker.HealthRecord, error) {
		return worker.HealthRecord{Status: worker.StatusRed}, nil
	})
	mgr := escalation.NewManager(time.Hour)
	cfg := DefaultConfig()
	cfg.MaxReexecutions = 0
	o := New(h.registry, manifest(registry.Group{Name: "SECURITY", Workers: []string{"emergency_protocol"}}),
		h.controller(), h.sentinels, WithConfig(cfg), WithEscalation(escalation.NewPolicy(mgr, 2)))

	rep, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep.Escalation)

	rep, err = o.RunCycle(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep.Escalation)
	assert.Equal(t, rep.CycleID, rep.Escalation.Detail["cycle_id"])
	assert.Len(t, mgr.Pending(), 1)
}

func TestCanceledCycle(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a", "G", green)
	o := New(h.registry, manifest(registry.Group{Name: "G", Workers: []string{"a"}}), h.controller(), h.sentinels)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.fleet.count("a"))
}

func TestDirectivesFromMaintenanceWindows(t *testing.T) {
	windows := []MaintenanceWindow{
		{Name: "NIGHTLY_BACKUP", StartHour: 22, EndHour: 4},
		{Name: "WEALTH_CHECK", StartHour: 9, EndHour: 10},
	}
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }
	assert.Equal(t, []string{"NIGHTLY_BACKUP"}, Directives(at(23), windows))
	assert.Equal(t, []string{"NIGHTLY_BACKUP"}, Directives(at(3), windows))
	assert.Equal(t, []string{"WEALTH_CHECK"}, Directives(at(9), windows))
	assert.Empty(t, Directives(at(12), windows))

	h := newHarness(t)
	h.add(t, "a", "G", green)
	cfg := DefaultConfig()
	cfg.MaintenanceWindows = windows
	o := New(h.registry, manifest(registry.Group{Name: "G", Workers: []string{"a"}}), h.controller(), h.sentinels,
		WithConfig(cfg), WithClock(func() time.Time { return at(9) }))
	rep, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"WEALTH_CHECK"}, rep.Directives)
}

func TestPartitionOrder(t *testing.T) {
	o := New(nil, manifest(
		registry.Group{Name: "WEALTH", Workers: []string{"z", "a"}},
		registry.Group{Name: "EMPTY"},
	), nil, nil)
	groups := o.partition([]registry.WorkerDescriptor{
		{Name: "a", Group: "WEALTH"},
		{Name: "z", Group: "WEALTH"},
		{Name: "extra", Group: "WEALTH"},
		{Name: "lone", Group: "HEALTH"},
	})
	var got []string
	for _, g := range groups {
		names := []string{}
		for _, w := range g.workers {
			names = append(names, w.Name)
		}
		got = append(got, g.name+":"+strings.Join(names, ","))
	}
	assert.Equal(t, []string{"WEALTH:z,a,extra", "EMPTY:", "HEALTH:lone"}, got)
}

func TestGraph(t *testing.T) {
	dot, err := Graph(StateVerify)
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, "workers missing")
	assert.Contains(t, dot, "lightblue")
	for _, s := range []State{StatePlan, StateRepair, StateExecute, StateVerify, StateComplete} {
		assert.Contains(t, dot, string(s))
	}
}
