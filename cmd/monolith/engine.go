package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/monolith/pkg/config"
	"github.com/Mindburn-Labs/monolith/pkg/escalation"
	"github.com/Mindburn-Labs/monolith/pkg/governance"
	"github.com/Mindburn-Labs/monolith/pkg/memory"
	"github.com/Mindburn-Labs/monolith/pkg/observability"
	"github.com/Mindburn-Labs/monolith/pkg/orchestrator"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
	"github.com/Mindburn-Labs/monolith/pkg/resilience"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

// engine is the fully wired runtime. Pieces are opened in dependency order
// and closed in reverse.
type engine struct {
	cfg          *config.Config
	tracer       *observability.Tracer
	memory       *memory.Store
	controller   *resilience.Controller
	sentinels    worker.SentinelStore
	registry     *registry.Registry
	manifest     registry.Manifest
	audit        *governance.AuditLog
	escalations  *escalation.Manager
	orchestrator *orchestrator.Orchestrator

	closers []func() error
	logger  *slog.Logger
}

func openEngine(ctx context.Context, cfg *config.Config) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: slog.Default().With("component", "engine")}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	e.tracer, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Insecure:       cfg.Telemetry.Insecure,
		SpanBuffer:     cfg.Telemetry.SpanBuffer,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.tracer.Shutdown(sctx)
	})

	if cfg.LiteMode() {
		e.logger.InfoContext(ctx, "lite mode: causal memory on sqlite", "data_dir", cfg.Store.DataDir)
	}
	e.memory, err = memory.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.memory.Close)

	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
	})
	e.controller = resilience.NewController(breakers, e.memory,
		resilience.WithTracer(e.tracer),
		resilience.WithBackoff(resilience.ExponentialBackoff{Base: cfg.BaseDelay(), Max: 30 * time.Second}),
		resilience.WithMaxRetries(cfg.Retry.MaxAttempts),
		resilience.WithMaxRestarts(cfg.Retry.MaxRestarts),
	)
	e.closers = append(e.closers, func() error { e.controller.Wait(); return nil })

	if e.sentinels, err = e.openSentinels(ctx); err != nil {
		return nil, err
	}

	if e.registry, err = e.openRegistry(ctx); err != nil {
		return nil, err
	}
	if e.manifest, err = registry.LoadManifest(cfg.Worker.ManifestPath); err != nil {
		return nil, err
	}

	gate, err := e.openGate()
	if err != nil {
		return nil, err
	}

	e.escalations = escalation.NewManager(time.Duration(cfg.Escalation.TimeoutSeconds) * time.Second)
	e.orchestrator = orchestrator.New(e.registry, e.manifest, e.controller, e.sentinels,
		orchestrator.WithGate(gate),
		orchestrator.WithApprovals(approvalDir(cfg)),
		orchestrator.WithEscalation(escalation.NewPolicy(e.escalations, cfg.Escalation.RedCycles)),
		orchestrator.WithTracer(e.tracer),
		orchestrator.WithConfig(cycleConfig(cfg)),
	)
	return e, nil
}

func (e *engine) openSentinels(ctx context.Context) (worker.SentinelStore, error) {
	switch e.cfg.Store.Sentinels {
	case "redis":
		if e.cfg.Store.RedisURL == "" {
			return nil, errors.New("store.sentinels is redis but REDIS_URL is not set")
		}
		s, err := worker.OpenRedisSentinels(ctx, e.cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	case "memory":
		return worker.NewMemorySentinels(), nil
	default:
		return worker.NewFileSentinels(e.cfg.Worker.SentinelDir)
	}
}

func (e *engine) openRegistry(ctx context.Context) (*registry.Registry, error) {
	var opts []worker.FactoryOption
	if e.cfg.Worker.NATSURL != "" {
		nc, err := nats.Connect(e.cfg.Worker.NATSURL, nats.Name("monolith"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		e.closers = append(e.closers, func() error { nc.Close(); return nil })
		e.logger.InfoContext(ctx, "nats workers enabled", "url", nc.ConnectedUrlRedacted())
		opts = append(opts, worker.WithNATS(nc))
	}
	reg := registry.New(e.cfg.Worker.CatalogDir, worker.NewFactory(opts...))
	e.closers = append(e.closers, reg.Close)
	return reg, nil
}

func (e *engine) openGate() (*governance.Gate, error) {
	gate, audit, err := openGate(e.cfg)
	if err != nil {
		return nil, err
	}
	e.audit = audit
	e.closers = append(e.closers, audit.Close)
	return gate, nil
}

// Close releases everything openEngine acquired.
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// openGate builds the governance gate over the file-backed audit log.
func openGate(cfg *config.Config) (*governance.Gate, *governance.AuditLog, error) {
	rules := make([]governance.Rule, 0, len(cfg.Governance.Rules))
	for _, r := range cfg.Governance.Rules {
		rules = append(rules, governance.Rule{Name: r.Name, Expression: r.Expression, Level: governance.RiskLevel(r.RiskLevel)})
	}
	rs, err := governance.NewRuleSet(rules)
	if err != nil {
		return nil, nil, err
	}

	audit, err := governance.OpenAuditLog(cfg.Governance.AuditLogPath)
	if err != nil {
		return nil, nil, err
	}

	opts := []governance.GateOption{governance.WithRules(rs)}
	if cfg.Governance.ApprovalSecret != "" {
		v, err := governance.NewApprovalVerifier(cfg.Governance.ApprovalSecret)
		if err != nil {
			_ = audit.Close()
			return nil, nil, err
		}
		opts = append(opts, governance.WithApprovals(v))
	}

	policy := governance.Policy{
		HighRiskAgents:          cfg.Governance.HighRiskAgents,
		ApprovalAmountThreshold: cfg.Governance.ApprovalAmountThreshold,
		CriticalActions:         cfg.Governance.CriticalActions,
	}
	return governance.NewGate(policy, audit, opts...), audit, nil
}

func approvalDir(cfg *config.Config) governance.TokenDir {
	return governance.TokenDir(filepath.Join(cfg.Store.DataDir, "approvals"))
}

func cycleConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.Config{
		WorkerTimeout:       cfg.WorkerTimeout(),
		MaxRepairIterations: cfg.Repair.MaxIterations,
		MaxReexecutions:     cfg.Cycle.MaxReexecutions,
		KillSwitchPath:      cfg.Cycle.KillSwitchPath,
	}
	for _, w := range cfg.Cycle.MaintenanceWindows {
		oc.MaintenanceWindows = append(oc.MaintenanceWindows, orchestrator.MaintenanceWindow{
			Name:      w.Name,
			StartHour: w.StartHour,
			EndHour:   w.EndHour,
		})
	}
	return oc
}
