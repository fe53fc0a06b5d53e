package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/archive"
	"github.com/Mindburn-Labs/monolith/pkg/orchestrator"
)

// RunCmd runs one cycle, or one every Interval until interrupted.
type RunCmd struct {
	Once     bool          `help:"Run a single cycle and exit (default)." xor:"mode"`
	Interval time.Duration `help:"Run a cycle every interval until interrupted." xor:"mode"`
	JSON     bool          `help:"Print cycle reports as JSON."`
	Archive  bool          `help:"Archive the audit log after every cycle."`
}

func (c *RunCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	var archiver *archive.Archiver
	if c.Archive {
		store, err := archive.NewStoreFromEnv(ctx, cfg.Store.DataDir)
		if err != nil {
			return err
		}
		archiver = archive.NewArchiver(store, eng.audit, "")
		if _, err := archiver.Recover(ctx); err != nil {
			return err
		}
	}

	if c.Interval <= 0 {
		return c.cycle(ctx, env.Stdout, eng, archiver)
	}

	go func() {
		err := eng.registry.Watch(ctx, func(path string) {
			eng.logger.InfoContext(ctx, "catalog changed", "path", path)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			eng.logger.ErrorContext(ctx, "catalog watch stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		if err := c.cycle(ctx, env.Stdout, eng, archiver); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			eng.logger.WarnContext(ctx, "cycle failed", "error", err)
		}
		for _, r := range eng.escalations.CheckTimeouts(ctx) {
			eng.logger.ErrorContext(ctx, "escalation expired unacknowledged", "intent_id", r.IntentID)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *RunCmd) cycle(ctx context.Context, w io.Writer, eng *engine, archiver *archive.Archiver) error {
	rep, err := eng.orchestrator.RunCycle(ctx)
	if c.JSON {
		enc := json.NewEncoder(w)
		if perr := enc.Encode(rep); perr != nil {
			return perr
		}
	} else {
		printReport(w, rep)
	}
	if archiver != nil {
		if _, aerr := archiver.ArchiveNow(ctx); aerr != nil {
			eng.logger.ErrorContext(ctx, "audit archive failed", "error", aerr)
		}
	}
	return err
}

func printReport(w io.Writer, rep orchestrator.CycleReport) {
	status := string(rep.Status)
	if rep.Halted {
		status = "HALTED"
	}
	path := make([]string, len(rep.Path))
	for i, s := range rep.Path {
		path[i] = string(s)
	}
	_, _ = fmt.Fprintf(w, "cycle %s %s (%s)\n", rep.CycleID, status, strings.Join(path, " > "))

	groups := make([]string, 0, len(rep.Groups))
	for g := range rep.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		_, _ = fmt.Fprintf(w, "  %-10s %s\n", g, rep.Groups[g])
	}
	for _, o := range rep.Workers {
		if o.Outcome == orchestrator.OutcomeOK {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s/%s %s: %s\n", o.Group, o.Worker, o.Outcome, o.Error)
	}
	if len(rep.Synthesized) > 0 {
		_, _ = fmt.Fprintf(w, "  synthesized: %s\n", strings.Join(rep.Synthesized, ", "))
	}
	if len(rep.Directives) > 0 {
		_, _ = fmt.Fprintf(w, "  directives: %s\n", strings.Join(rep.Directives, ", "))
	}
	if rep.Escalation != nil {
		_, _ = fmt.Fprintf(w, "  escalation %s: %s\n", rep.Escalation.IntentID, rep.Escalation.Reason)
	}
}
