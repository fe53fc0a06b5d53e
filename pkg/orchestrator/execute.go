package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/monolith/pkg/governance"
	"github.com/Mindburn-Labs/monolith/pkg/observability"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
	"github.com/Mindburn-Labs/monolith/pkg/resilience"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

// execute runs every group concurrently and the workers of a group in
// sequence. A failing worker never stops its group or other groups.
// Outcomes from a previous pass are replaced.
func (o *Orchestrator) execute(ctx context.Context, c *cycle) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.execute", observability.AttrPhase.String(string(StateExecute)))
	defer span.End()

	results := make([][]WorkerOutcome, len(c.groups))
	blocked := make([][]BlockedAction, len(c.groups))

	var g errgroup.Group
	for i, pg := range c.groups {
		g.Go(func() error {
			gctx, gspan := o.tracer.StartSpan(ctx, "orchestrator.group", observability.AttrGroup.String(pg.name))
			defer gspan.End()
			for _, d := range pg.workers {
				start := o.clock()
				out, b := o.runWorker(gctx, pg.name, d)
				out.Duration = o.clock().Sub(start)
				results[i] = append(results[i], out)
				if b != nil {
					blocked[i] = append(blocked[i], *b)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := c.report
	rep.Workers = rep.Workers[:0]
	rep.Blocked = rep.Blocked[:0]
	rep.Degraded = rep.Degraded[:0]
	rep.Skipped = rep.Skipped[:0]
	for i := range c.groups {
		for _, out := range results[i] {
			rep.Workers = append(rep.Workers, out)
			if out.Degraded {
				rep.Degraded = append(rep.Degraded, out.Worker)
			}
			if out.Outcome == OutcomeCircuitOpen || out.Outcome == OutcomeCanceled {
				rep.Skipped = append(rep.Skipped, out.Worker)
			}
		}
		rep.Blocked = append(rep.Blocked, blocked[i]...)
	}
}

// runWorker gates, invokes and classifies one worker.
func (o *Orchestrator) runWorker(ctx context.Context, group string, d registry.WorkerDescriptor) (WorkerOutcome, *BlockedAction) {
	out := WorkerOutcome{Worker: d.Name, Group: group}

	if err := ctx.Err(); err != nil {
		out.Outcome = OutcomeCanceled
		out.Error = err.Error()
		return out, nil
	}

	if o.isDegraded(d.Name) {
		out.Outcome = OutcomeDegraded
		out.Degraded = true
		out.Error = "restart budget exhausted; not invoked"
		return out, nil
	}

	if d.RiskBearing() && o.gate != nil {
		if b, err := o.checkGate(ctx, d); b != nil || err != nil {
			if b != nil {
				out.Outcome = OutcomeBlocked
				out.ErrorKind = "GovernanceBlockedError"
				out.Error = b.Reason
				o.tracer.Inc(ctx, "orchestrator.blocked", 1)
				return out, b
			}
			out.Outcome = OutcomeFailed
			out.ErrorKind = resilience.ClassifyError(err)
			out.Error = err.Error()
			return out, nil
		}
	}

	handle := d.Invoker()
	if handle == nil {
		handle = worker.StandIn{Name: d.Name}
	}
	var rec worker.HealthRecord
	err := o.controller.ExecuteWithResilience(ctx, d.Name, func(ctx context.Context) error {
		ictx, cancel := context.WithTimeout(ctx, o.cfg.workerTimeout())
		defer cancel()
		r, err := worker.InvokeAndRecord(ictx, d.Name, handle, o.sentinels, o.clock)
		if err != nil {
			return err
		}
		rec = r
		return nil
	}, resilience.Details(map[string]any{"group": group}))

	if err == nil {
		out.Outcome = OutcomeOK
		out.Status = rec.Status
		out.Message = rec.Message
		return out, nil
	}

	out.Error = err.Error()
	out.ErrorKind = resilience.ClassifyError(err)

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		out.Outcome = OutcomeCircuitOpen
		return out, nil
	}
	out.Outcome = OutcomeFailed

	var wf *resilience.WorkerFailure
	if errors.As(err, &wf) {
		out.Attempts = wf.Attempts
		if wf.Kind == resilience.KindCrash {
			o.restart(ctx, &out, handle)
		}
	}
	return out, nil
}

func (o *Orchestrator) checkGate(ctx context.Context, d registry.WorkerDescriptor) (*BlockedAction, error) {
	req := governance.ActionRequest{
		Agent:      d.Name,
		ActionType: d.Action.Type,
		Inputs:     d.Action.Inputs,
	}
	if o.approvals != nil {
		req.ApprovalToken = o.approvals.Token(d.Name, d.Action.Type)
	}
	rec, err := o.gate.Check(ctx, req)
	if err == nil {
		return nil, nil
	}
	var gb *governance.GovernanceBlockedError
	if errors.As(err, &gb) {
		return &BlockedAction{
			Worker:     d.Name,
			ActionType: d.Action.Type,
			RiskLevel:  string(gb.RiskLevel),
			Reason:     gb.Reason,
			AuditID:    rec.ID,
		}, nil
	}
	return nil, fmt.Errorf("governance check for %s: %w", d.Name, err)
}

// restart relaunches a crashed worker within its budget. Once the budget is
// spent the worker is permanently degraded and later cycles skip it.
func (o *Orchestrator) restart(ctx context.Context, out *WorkerOutcome, handle worker.Handle) {
	r, ok := handle.(worker.Restarter)
	if !ok {
		return
	}
	if o.controller.RestartWorker(ctx, out.Worker, r.Restart) {
		out.Restarted = true
		return
	}
	if !o.controller.RestartsExhausted(out.Worker) {
		return
	}
	out.Degraded = true
	o.markDegraded(out.Worker)
	o.tracer.Inc(ctx, "orchestrator.degraded", 1)
	o.logger.ErrorContext(ctx, "worker permanently degraded", "worker", out.Worker, "group", out.Group)
}

// verify aggregates records into group and global status. A worker whose
// record cannot be read counts as failed; other workers are unaffected.
func (o *Orchestrator) verify(ctx context.Context, c *cycle) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.verify", observability.AttrPhase.String(string(StateVerify)))
	defer span.End()

	rep := c.report
	var ran []string
	for _, out := range rep.Workers {
		if out.Outcome == OutcomeOK {
			ran = append(ran, out.Worker)
		}
	}
	latest, err := o.sentinels.Latest(ctx, ran)
	invalid, storeErr := worker.SplitInvalid(err)
	if storeErr != nil {
		o.logger.ErrorContext(ctx, "read health records", "cycle_id", rep.CycleID, "error", storeErr)
	}

	perGroup := map[string][]worker.Status{}
	for _, pg := range c.groups {
		perGroup[pg.name] = nil
	}
	for i := range rep.Workers {
		out := &rep.Workers[i]
		switch {
		case out.failed():
			perGroup[out.Group] = append(perGroup[out.Group], worker.StatusYellow)
		case out.Outcome == OutcomeOK:
			rec, ok := latest[out.Worker]
			if bad := invalid[out.Worker]; bad != nil {
				o.unreadable(ctx, out, bad)
				perGroup[out.Group] = append(perGroup[out.Group], worker.StatusYellow)
				continue
			}
			if !ok && storeErr != nil {
				o.unreadable(ctx, out, storeErr)
				perGroup[out.Group] = append(perGroup[out.Group], worker.StatusYellow)
				continue
			}
			if !ok {
				out.NoRecord = true
				continue
			}
			out.Status = rec.Status
			out.Message = rec.Message
			perGroup[out.Group] = append(perGroup[out.Group], rec.Status)
		}
	}

	rep.Groups = make(map[string]worker.Status, len(perGroup))
	var all []worker.Status
	for g, statuses := range perGroup {
		s := worker.Worst(statuses...)
		rep.Groups[g] = s
		all = append(all, s)
	}
	rep.Status = worker.Worst(all...)
	span.SetAttributes(observability.AttrStatus.String(string(rep.Status)))
}

// unreadable fails a worker whose health record could not be read.
func (o *Orchestrator) unreadable(ctx context.Context, out *WorkerOutcome, err error) {
	out.Outcome = OutcomeFailed
	out.ErrorKind = resilience.ClassifyError(err)
	out.Error = err.Error()
	o.logger.WarnContext(ctx, "health record unreadable", "worker", out.Worker, "group", out.Group, "error", err)
}

func (c Config) workerTimeout() time.Duration {
	if c.WorkerTimeout <= 0 {
		return DefaultConfig().WorkerTimeout
	}
	return c.WorkerTimeout
}
