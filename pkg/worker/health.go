// Package worker defines the worker contract: a Handle that can be invoked
// and the HealthRecord it leaves behind in a SentinelStore.
package worker

import (
	"fmt"
	"strings"
	"time"
)

// Status is a worker's self-reported health. Statuses are ordered
// GREEN < YELLOW < RED.
type Status string

const (
	StatusGreen  Status = "GREEN"
	StatusYellow Status = "YELLOW"
	StatusRed    Status = "RED"
)

func (s Status) rank() int {
	switch s {
	case StatusGreen:
		return 0
	case StatusYellow:
		return 1
	case StatusRed:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Worse reports whether s is strictly worse than other.
func (s Status) Worse(other Status) bool { return s.rank() > other.rank() }

// Worst returns the worst of the given statuses, or GREEN for none.
func Worst(statuses ...Status) Status {
	out := StatusGreen
	for _, s := range statuses {
		if s.Worse(out) {
			out = s
		}
	}
	return out
}

// ParseStatus accepts any casing of GREEN, YELLOW or RED.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown health status %q", s)
	}
	return st, nil
}

// HealthRecord is the status a worker leaves behind after running. Only the
// latest record per worker is authoritative.
type HealthRecord struct {
	Worker    string         `json:"worker"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Reported reports whether the record carries a status. Handles whose worker
// writes its own sentinel return an unreported record.
func (r HealthRecord) Reported() bool { return r.Status != "" }
