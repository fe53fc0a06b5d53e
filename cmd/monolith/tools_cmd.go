package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/governance"
	"github.com/Mindburn-Labs/monolith/pkg/memory"
	"github.com/Mindburn-Labs/monolith/pkg/orchestrator"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

type MemoryCmd struct {
	Limit   int  `default:"20" help:"Number of records to show."`
	Summary bool `help:"Aggregate per component and error kind instead."`
}

func (c *MemoryCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := memory.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	enc := json.NewEncoder(env.Stdout)
	if c.Summary {
		rows, err := store.Summary(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	recs, err := store.Recent(ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

type GraphCmd struct {
	Highlight string `help:"State to highlight (PLAN, EXECUTE, VERIFY, REPAIR, COMPLETE)."`
}

func (c *GraphCmd) Run(env *Env) error {
	dot, err := orchestrator.Graph(orchestrator.State(strings.ToUpper(c.Highlight)))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.Stdout, dot)
	return err
}

type ApproveCmd struct {
	Agent    string        `required:"" help:"Worker the approval is for."`
	Action   string        `required:"" help:"Action type the approval is for."`
	TTL      time.Duration `default:"24h" help:"How long the approval stays valid."`
	Approver string        `env:"USER" default:"operator" help:"Name recorded as approver."`
	Print    bool          `help:"Print the token instead of storing it."`
}

func (c *ApproveCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	if cfg.Governance.ApprovalSecret == "" {
		return errors.New("MONOLITH_APPROVAL_SECRET is not set")
	}
	v, err := governance.NewApprovalVerifier(cfg.Governance.ApprovalSecret)
	if err != nil {
		return err
	}
	token, err := v.Mint(c.Approver, c.Agent, c.Action, c.TTL)
	if err != nil {
		return err
	}
	if c.Print {
		_, err = fmt.Fprintln(env.Stdout, token)
		return err
	}
	if err := approvalDir(cfg).Save(c.Agent, c.Action, token); err != nil {
		return err
	}
	slog.Default().Info("approval stored", "agent", c.Agent, "action_type", c.Action, "approver", c.Approver, "ttl", c.TTL)
	_, _ = fmt.Fprintf(env.Stdout, "approved %s %s for %s\n", c.Agent, c.Action, c.TTL)
	return nil
}

// redHealthError reports a RED fleet from the health command.
type redHealthError struct{ groups []string }

func (e *redHealthError) Error() string {
	return "RED in " + strings.Join(e.groups, ", ")
}

type HealthCmd struct {
	JSON bool `help:"Print records as JSON."`
}

func (c *HealthCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	reg, m, done, err := catalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	e := &engine{cfg: cfg}
	sentinels, err := e.openSentinels(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	found, err := reg.Discover(ctx)
	if err != nil {
		return err
	}
	groupOf := map[string]string{}
	for g, names := range m.Required() {
		for _, n := range names {
			groupOf[n] = g
		}
	}
	for _, d := range found {
		groupOf[d.Name] = d.Group
	}
	names := make([]string, 0, len(groupOf))
	for n := range groupOf {
		names = append(names, n)
	}
	sort.Strings(names)

	latest, err := sentinels.Latest(ctx, names)
	invalid, err := worker.SplitInvalid(err)
	if err != nil {
		return err
	}

	perGroup := map[string][]worker.Status{}
	var records []worker.HealthRecord
	for _, n := range names {
		if invalid[n] != nil {
			perGroup[groupOf[n]] = append(perGroup[groupOf[n]], worker.StatusYellow)
			continue
		}
		rec, ok := latest[n]
		if !ok {
			continue
		}
		records = append(records, rec)
		perGroup[groupOf[n]] = append(perGroup[groupOf[n]], rec.Status)
	}

	if c.JSON {
		enc := json.NewEncoder(env.Stdout)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
	} else {
		for _, rec := range records {
			_, _ = fmt.Fprintf(env.Stdout, "%-24s %-6s %s %s\n", rec.Worker, rec.Status, rec.Timestamp.Format(time.RFC3339), rec.Message)
		}
		for _, n := range names {
			if bad := invalid[n]; bad != nil {
				_, _ = fmt.Fprintf(env.Stdout, "! %s: %v\n", n, bad.Err)
			}
		}
		if missing := len(names) - len(records) - len(invalid); missing > 0 {
			_, _ = fmt.Fprintf(env.Stdout, "%d worker(s) without a health record\n", missing)
		}
	}

	var red []string
	for g, statuses := range perGroup {
		if worker.Worst(statuses...) == worker.StatusRed {
			red = append(red, g)
		}
	}
	if len(red) > 0 {
		sort.Strings(red)
		return &redHealthError{groups: red}
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(env *Env) error {
	_, err := fmt.Fprintf(env.Stdout, "monolith %s (commit %s, worker contract %s)\n",
		version, commit, registry.ContractVersion)
	return err
}
