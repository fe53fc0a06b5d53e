package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CircuitOpenError is returned without invoking the wrapped function when the
// component's breaker refuses the call.
type CircuitOpenError struct {
	Component string
	RetryAt   time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for %s", e.Component)
	}
	return fmt.Sprintf("circuit open for %s until %s", e.Component, e.RetryAt.Format(time.RFC3339))
}

// ErrorKind implements Kinder.
func (e *CircuitOpenError) ErrorKind() string { return "CircuitOpenError" }

// WorkerFailure is the error returned after every permitted attempt failed.
type WorkerFailure struct {
	Component string
	Kind      string
	Attempts  int
	Err       error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) (%s): %v", e.Component, e.Attempts, e.Kind, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// ErrorKind implements Kinder.
func (e *WorkerFailure) ErrorKind() string { return e.Kind }

// Kinder is implemented by errors that name their own kind for causal memory.
type Kinder interface {
	ErrorKind() string
}

// ClassifyError names the kind of err for causal memory keys.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CanceledError"
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" || name == "wrapError" || name == "joinError" {
		return "Error"
	}
	return name
}
