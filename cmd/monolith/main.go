// Command monolith runs orchestration cycles over a worker fleet and exposes
// the operator tools around them.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/Mindburn-Labs/monolith/pkg/config"
	"github.com/Mindburn-Labs/monolith/pkg/orchestrator"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// CLI is the command tree.
type CLI struct {
	Config    string `short:"c" env:"MONOLITH_CONFIG" type:"path" help:"Config file (YAML)."`
	LogLevel  string `help:"Log level override (DEBUG, INFO, WARN, ERROR)."`
	LogFormat string `help:"Log format override (text, json)."`

	Run     RunCmd     `cmd:"" help:"Run orchestration cycles."`
	Workers WorkersCmd `cmd:"" help:"Inspect and repair the worker catalog."`
	Audit   AuditCmd   `cmd:"" help:"Compliance reports and audit archival."`
	Memory  MemoryCmd  `cmd:"" help:"Query causal memory."`
	Graph   GraphCmd   `cmd:"" help:"Print the cycle state machine as DOT."`
	Approve ApproveCmd `cmd:"" help:"Mint a human approval for a risk-bearing action."`
	Health  HealthCmd  `cmd:"" help:"Show the latest worker health records."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Env is bound into every command's Run method.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer

	cli *CLI
	cfg *config.Config
}

// Load returns the resolved configuration and installs the process logger.
func (e *Env) Load() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(e.cli.Config)
	if err != nil {
		return nil, err
	}
	if e.cli.LogLevel != "" {
		cfg.Log.Level = e.cli.LogLevel
	}
	if e.cli.LogFormat != "" {
		cfg.Log.Format = e.cli.LogFormat
	}
	slog.SetDefault(newLogger(e.Stderr, cfg.Log))
	e.cfg = cfg
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type exitCode int

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) (code int) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("monolith"),
		kong.Description("Orchestration and self-healing engine."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { panic(exitCode(c)) }),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "monolith: %v\n", err)
		return 2
	}

	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			code = int(c)
		}
	}()

	if len(args) > 0 {
		args = args[1:]
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "monolith: error: %v\n", err)
		return 2
	}

	env := &Env{Stdout: stdout, Stderr: stderr, cli: &cli}
	if err := kctx.Run(env); err != nil {
		return exitFor(stderr, err)
	}
	return 0
}

// exitFor maps a command error to the process exit code: 1 when the engine
// ran but ended degraded or unrepaired, 2 for everything else.
func exitFor(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "monolith: %v\n", err)
	var rf *orchestrator.RepairFailure
	var cd *orchestrator.CycleDegraded
	var red *redHealthError
	if errors.As(err, &rf) || errors.As(err, &cd) || errors.As(err, &red) {
		return 1
	}
	return 2
}
