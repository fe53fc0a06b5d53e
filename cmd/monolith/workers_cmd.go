package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/monolith/pkg/config"
	"github.com/Mindburn-Labs/monolith/pkg/registry"
)

// WorkersCmd groups the catalog commands.
type WorkersCmd struct {
	List  WorkersListCmd  `cmd:"" help:"List discovered workers and catalog issues."`
	Diff  WorkersDiffCmd  `cmd:"" help:"List manifest workers missing from the catalog."`
	Synth WorkersSynthCmd `cmd:"" help:"Write a stand-in descriptor for a missing worker."`
	Prune WorkersPruneCmd `cmd:"" help:"Remove descriptors whose handle cannot be built."`
}

// catalog opens the registry and manifest without the rest of the engine.
func catalog(ctx context.Context, cfg *config.Config) (*registry.Registry, registry.Manifest, func(), error) {
	e := &engine{cfg: cfg, logger: slog.Default().With("component", "engine")}
	reg, err := e.openRegistry(ctx)
	if err != nil {
		return nil, registry.Manifest{}, nil, err
	}
	m, err := registry.LoadManifest(cfg.Worker.ManifestPath)
	if err != nil {
		_ = e.Close()
		return nil, registry.Manifest{}, nil, err
	}
	return reg, m, func() { _ = e.Close() }, nil
}

type WorkersListCmd struct{}

func (c *WorkersListCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	reg, _, done, err := catalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	found, err := reg.Discover(ctx)
	if err != nil {
		return err
	}
	for _, d := range found {
		kind := d.Handle.Kind
		if kind == "" {
			kind = "standin"
		}
		flags := []string{}
		if d.StandIn {
			flags = append(flags, "stand-in")
		}
		if d.RiskBearing() {
			flags = append(flags, "risk:"+d.Action.Type)
		}
		_, _ = fmt.Fprintf(env.Stdout, "%-24s %-10s %-8s %-8s %s\n", d.Name, d.Group, kind, d.Version, strings.Join(flags, ","))
	}
	for _, is := range reg.Issues() {
		_, _ = fmt.Fprintf(env.Stdout, "! %s (%s): %s\n", is.Name, is.Path, is.Reason)
	}
	return nil
}

type WorkersDiffCmd struct{}

func (c *WorkersDiffCmd) Run(env *Env) error {
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

	if _, err := reg.Discover(ctx); err != nil {
		return err
	}
	missing, err := reg.Diff(m.Required())
	if err != nil {
		return err
	}
	for _, name := range missing {
		group, _ := m.GroupOf(name)
		_, _ = fmt.Fprintf(env.Stdout, "%s\t%s\n", group, name)
	}
	return nil
}

type WorkersSynthCmd struct {
	Name  string `arg:"" help:"Worker name."`
	Group string `help:"Group; defaults to the worker's manifest group."`
}

func (c *WorkersSynthCmd) Run(env *Env) error {
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

	group := c.Group
	if group == "" {
		g, ok := m.GroupOf(c.Name)
		if !ok {
			return fmt.Errorf("worker %s is not in the manifest; pass --group", c.Name)
		}
		group = g
	}
	if err := reg.Synthesize(ctx, c.Name, group); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(env.Stdout, "synthesized %s in %s\n", c.Name, group)
	return nil
}

type WorkersPruneCmd struct{}

func (c *WorkersPruneCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	reg, _, done, err := catalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	if _, err := reg.Discover(ctx); err != nil {
		return err
	}
	removed, err := reg.Prune(ctx)
	if err != nil {
		return err
	}
	for _, is := range removed {
		_, _ = fmt.Fprintf(env.Stdout, "pruned %s: %s\n", is.Name, is.Reason)
	}
	return nil
}
