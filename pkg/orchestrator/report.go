package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/escalation"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

// Outcome is what happened to one worker in a cycle.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeFailed      Outcome = "failed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCanceled    Outcome = "canceled"
	// OutcomeDegraded marks a worker retired after its restart budget ran
	// out. It is not invoked again for the life of the orchestrator.
	OutcomeDegraded Outcome = "degraded"
)

// WorkerOutcome is one worker's line in the report.
type WorkerOutcome struct {
	Worker    string        `json:"worker"`
	Group     string        `json:"group"`
	Outcome   Outcome       `json:"outcome"`
	Status    worker.Status `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	NoRecord  bool          `json:"no_record,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Restarted bool          `json:"restarted,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (o WorkerOutcome) failed() bool {
	switch o.Outcome {
	case OutcomeFailed, OutcomeCircuitOpen, OutcomeCanceled, OutcomeDegraded:
		return true
	}
	return false
}

// BlockedAction is a risk-bearing worker the governance gate refused.
type BlockedAction struct {
	Worker     string `json:"worker"`
	ActionType string `json:"action_type"`
	RiskLevel  string `json:"risk_level"`
	Reason     string `json:"reason"`
	AuditID    string `json:"audit_id,omitempty"`
}

// CycleReport is the result of one RunCycle. Every manifest group and every
// executed worker appears in it.
type CycleReport struct {
	CycleID          string                   `json:"cycle_id"`
	TraceID          string                   `json:"trace_id,omitempty"`
	Status           worker.Status            `json:"status,omitempty"`
	Groups           map[string]worker.Status `json:"groups"`
	Workers          []WorkerOutcome          `json:"workers,omitempty"`
	Blocked          []BlockedAction          `json:"blocked,omitempty"`
	Degraded         []string                 `json:"degraded,omitempty"`
	Skipped          []string                 `json:"skipped,omitempty"`
	Directives       []string                 `json:"directives,omitempty"`
	Synthesized      []string                 `json:"synthesized,omitempty"`
	RepairIterations int                      `json:"repair_iterations,omitempty"`
	Reexecutions     int                      `json:"reexecutions,omitempty"`
	RepairFailure    string                   `json:"repair_failure,omitempty"`
	CycleDegraded    bool                     `json:"cycle_degraded,omitempty"`
	Halted           bool                     `json:"halted,omitempty"`
	Escalation       *escalation.Intent       `json:"escalation,omitempty"`
	Path             []State                  `json:"path"`
	StartedAt        time.Time                `json:"started_at"`
	Timestamp        time.Time                `json:"timestamp"`
}

// Failed reports whether the cycle counts toward escalation.
func (r CycleReport) Failed() bool {
	return r.Status == worker.StatusRed || r.RepairFailure != ""
}

// RepairFailure is returned when the catalog could not be completed within
// the repair budget.
type RepairFailure struct {
	Missing    []string
	Iterations int
	Err        error
}

func (e *RepairFailure) Error() string {
	msg := fmt.Sprintf("repair failed after %d iteration(s); still missing: %s", e.Iterations, strings.Join(e.Missing, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RepairFailure) Unwrap() error { return e.Err }

// ErrorKind names the error for causal memory.
func (e *RepairFailure) ErrorKind() string { return "RepairFailure" }

// CycleDegraded is returned when the cycle is still RED after every permitted
// re-execution.
type CycleDegraded struct {
	CycleID      string
	RedGroups    []string
	Reexecutions int
}

func (e *CycleDegraded) Error() string {
	return fmt.Sprintf("cycle %s degraded: RED in %s after %d re-execution(s)",
		e.CycleID, strings.Join(e.RedGroups, ", "), e.Reexecutions)
}

// ErrorKind names the error for causal memory.
func (e *CycleDegraded) ErrorKind() string { return "CycleDegraded" }
