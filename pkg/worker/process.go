package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/resilience"
)

// CrashError reports a worker process that exited non-zero.
type CrashError struct {
	Worker   string
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("worker %s exited with code %d", e.Worker, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ErrorKind classifies crashes for causal memory.
func (e *CrashError) ErrorKind() string { return resilience.KindCrash }

// ProcessHandle runs a worker as a subprocess. The process is killed when
// ctx is done. If the last non-empty stdout line is a JSON health record it
// is returned; a malformed one fails the invocation with an
// *InvalidRecordError. Otherwise the worker is expected to write its own
// sentinel.
type ProcessHandle struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string

	// WaitDelay bounds how long to wait for output pipes after a kill.
	WaitDelay time.Duration
}

func (p *ProcessHandle) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), "MONOLITH_WORKER="+p.Name)
	cmd.Env = append(cmd.Env, p.Env...)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd
}

func (p *ProcessHandle) Invoke(ctx context.Context) (HealthRecord, error) {
	var stdout, stderr bytes.Buffer
	cmd := p.command(ctx)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return HealthRecord{}, fmt.Errorf("worker %s killed: %w", p.Name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return HealthRecord{}, &CrashError{
				Worker:   p.Name,
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail(stderr.String(), 512),
			}
		}
		return HealthRecord{}, fmt.Errorf("start worker %s: %w", p.Name, err)
	}
	rec, err := lastRecord(stdout.Bytes())
	if err != nil {
		return HealthRecord{}, &InvalidRecordError{Worker: p.Name, Err: err}
	}
	return rec, nil
}

// Restart launches the worker without waiting for it. The process outlives
// ctx's cancellation only if ctx is already detached by the caller.
func (p *ProcessHandle) Restart(ctx context.Context) error {
	cmd := p.command(ctx)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart worker %s: %w", p.Name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// lastRecord decodes the last non-empty line of out as a health record. A
// last line that is not a JSON object yields an unreported record; an object
// that is not a valid record is an error.
func lastRecord(out []byte) (HealthRecord, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 || last[0] != '{' {
		return HealthRecord{}, nil
	}
	return decodeRecord(last)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
