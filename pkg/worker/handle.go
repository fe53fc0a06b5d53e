package worker

import (
	"context"
	"fmt"
	"time"
)

// Handle invokes one worker. Implementations are transport specific; the
// orchestrator only sees this interface.
type Handle interface {
	Invoke(ctx context.Context) (HealthRecord, error)
}

// Restarter is implemented by handles that can relaunch their worker
// detached from the current cycle.
type Restarter interface {
	Restart(ctx context.Context) error
}

// FuncHandle adapts an in-process function.
type FuncHandle func(ctx context.Context) (HealthRecord, error)

func (f FuncHandle) Invoke(ctx context.Context) (HealthRecord, error) { return f(ctx) }

// StandIn is the handle synthesized for a missing worker. It carries no
// business logic and always reports GREEN.
type StandIn struct {
	Name  string
	Clock func() time.Time
}

func (s StandIn) Invoke(ctx context.Context) (HealthRecord, error) {
	if err := ctx.Err(); err != nil {
		return HealthRecord{}, err
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	return HealthRecord{
		Worker:    s.Name,
		Status:    StatusGreen,
		Message:   fmt.Sprintf("stand-in for %s: no business logic configured", s.Name),
		Timestamp: clock().UTC(),
		Details:   map[string]any{"standin": true},
	}, nil
}

// InvokeAndRecord runs h and persists its record under name when the worker
// reported one. The record is stamped with name and a timestamp if missing.
// A failed invocation is returned as is and nothing is stored.
func InvokeAndRecord(ctx context.Context, name string, h Handle, store SentinelStore, now func() time.Time) (HealthRecord, error) {
	rec, err := h.Invoke(ctx)
	if err != nil {
		return rec, err
	}
	if !rec.Reported() {
		return rec, nil
	}
	if !rec.Status.Valid() {
		return rec, fmt.Errorf("worker %s reported invalid status %q", name, rec.Status)
	}
	rec.Worker = name
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now().UTC()
	}
	if err := store.Put(ctx, rec); err != nil {
		return rec, fmt.Errorf("persist health record for %s: %w", name, err)
	}
	return rec, nil
}
