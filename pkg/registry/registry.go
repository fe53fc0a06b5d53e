// Package registry discovers workers from a catalog of YAML descriptors and
// repairs the catalog by synthesizing stand-ins for missing workers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/monolith/pkg/worker"
)

// ContractVersion is the worker contract this engine speaks. Descriptors may
// constrain it with a "contract" range.
const ContractVersion = "1.2.0"

// ErrStale is returned by Diff after the catalog changed and before the next
// Discover.
var ErrStale = errors.New("registry is stale; re-discover before use")

// ErrConflict is returned when synthesis would replace a real descriptor.
var ErrConflict = errors.New("descriptor already exists")

// Action marks a worker as risk-bearing. Its run is an action that passes
// the governance gate first.
type Action struct {
	Type   string         `yaml:"type" json:"type"`
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// WorkerDescriptor is one catalog entry. Descriptors are immutable once
// discovered.
type WorkerDescriptor struct {
	Name     string      `yaml:"name" json:"name"`
	Group    string      `yaml:"group" json:"group"`
	Version  string      `yaml:"version,omitempty" json:"version,omitempty"`
	Contract string      `yaml:"contract,omitempty" json:"contract,omitempty"`
	StandIn  bool        `yaml:"standin,omitempty" json:"standin,omitempty"`
	Created  time.Time   `yaml:"created,omitempty" json:"created,omitempty"`
	Handle   worker.Spec `yaml:"handle" json:"handle"`
	Action   *Action     `yaml:"action,omitempty" json:"action,omitempty"`

	invoker worker.Handle
}

// Invoker returns the handle built for this descriptor.
func (d WorkerDescriptor) Invoker() worker.Handle { return d.invoker }

// RiskBearing reports whether running the worker is a governed action.
func (d WorkerDescriptor) RiskBearing() bool { return d.Action != nil }

// Issue describes a catalog file that could not become a worker.
type Issue struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Registry is the set of known workers. It is safe for concurrent use.
type Registry struct {
	dir      string
	factory  *worker.Factory
	contract *semver.Version
	clock    func() time.Time
	logger   *slog.Logger

	mu         sync.RWMutex
	workers    map[string]WorkerDescriptor
	issues     []Issue
	discovered bool
	stale      bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock stamped on synthesized descriptors.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithContractVersion overrides the engine contract version.
func WithContractVersion(v *semver.Version) Option {
	return func(r *Registry) { r.contract = v }
}

// New creates a registry over catalog directory dir.
func New(dir string, factory *worker.Factory, opts ...Option) *Registry {
	r := &Registry{
		dir:      dir,
		factory:  factory,
		contract: semver.MustParse(ContractVersion),
		clock:    time.Now,
		logger:   slog.Default().With("component", "registry"),
		workers:  map[string]WorkerDescriptor{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the catalog directory.
func (r *Registry) Dir() string { return r.dir }

func isDescriptor(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Discover scans the catalog and replaces the known worker set. Files that
// fail to parse, are incompatible or cannot build a handle are reported as
// issues and left out. A worker whose handle spec is unchanged keeps its
// handle; replaced and removed handles are closed. Results are sorted by
// name.
func (r *Registry) Discover(ctx context.Context) ([]WorkerDescriptor, error) {
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("scan catalog: %w", err)
	}

	r.mu.RLock()
	prev := r.workers
	r.mu.RUnlock()

	found := map[string]WorkerDescriptor{}
	kept := map[string]bool{}
	var issues []Issue
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.closeUnless(ctx, found, kept)
			return nil, err
		}
		path := filepath.Join(r.dir, e.Name())
		d, reused, err := r.load(ctx, path, prev)
		if err != nil {
			issues = append(issues, Issue{Name: d.Name, Path: path, Reason: err.Error()})
			continue
		}
		if first, dup := found[d.Name]; dup {
			issues = append(issues, Issue{Name: d.Name, Path: path, Reason: "duplicate of " + first.Name})
			if !reused {
				r.closeHandle(ctx, d.Name, d.invoker)
			}
			continue
		}
		found[d.Name] = d
		kept[d.Name] = reused
	}

	r.mu.Lock()
	r.workers = found
	r.issues = issues
	r.discovered = true
	r.stale = false
	r.mu.Unlock()

	r.closeUnless(ctx, prev, kept)

	for _, is := range issues {
		r.logger.WarnContext(ctx, "catalog entry skipped", "path", is.Path, "reason", is.Reason)
	}
	r.logger.DebugContext(ctx, "catalog discovered", "workers", len(found), "issues", len(issues))
	return r.Workers(), nil
}

// load reads one descriptor and builds its handle, reusing the handle of the
// previously discovered worker with the same name and handle spec.
func (r *Registry) load(ctx context.Context, path string, prev map[string]WorkerDescriptor) (WorkerDescriptor, bool, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	d := WorkerDescriptor{Name: base}

	data, err := os.ReadFile(path)
	if err != nil {
		return d, false, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, false, fmt.Errorf("parse: %w", err)
	}
	if d.Name == "" {
		d.Name = base
	}
	if d.Group == "" {
		return d, false, errors.New("missing group")
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return d, false, fmt.Errorf("invalid version %q: %w", d.Version, err)
		}
	}
	if d.Contract != "" {
		c, err := semver.NewConstraint(d.Contract)
		if err != nil {
			return d, false, fmt.Errorf("invalid contract %q: %w", d.Contract, err)
		}
		if !c.Check(r.contract) {
			return d, false, fmt.Errorf("contract %q excludes engine %s", d.Contract, r.contract)
		}
	}
	d.Handle.Name = d.Name
	if p, ok := prev[d.Name]; ok && p.invoker != nil && reflect.DeepEqual(p.Handle, d.Handle) {
		d.invoker = p.invoker
		return d, true, nil
	}
	h, err := r.factory.Build(ctx, d.Handle)
	if err != nil {
		return d, false, err
	}
	d.invoker = h
	return d, false, nil
}

// closeUnless closes the handles in workers except those named in keep.
func (r *Registry) closeUnless(ctx context.Context, workers map[string]WorkerDescriptor, keep map[string]bool) {
	for name, d := range workers {
		if keep[name] {
			continue
		}
		r.closeHandle(ctx, name, d.invoker)
	}
}

func (r *Registry) closeHandle(ctx context.Context, name string, h worker.Handle) {
	c, ok := h.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.WarnContext(ctx, "close worker handle", "worker", name, "error", err)
	}
}

// Close releases every discovered handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	workers := r.workers
	r.workers = map[string]WorkerDescriptor{}
	r.discovered = false
	r.mu.Unlock()
	r.closeUnless(context.Background(), workers, nil)
	return nil
}

// Workers returns the discovered workers sorted by name.
func (r *Registry) Workers() []WorkerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerDescriptor, 0, len(r.workers))
	for _, d := range r.workers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a discovered worker.
func (r *Registry) Get(name string) (WorkerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.workers[name]
	return d, ok
}

// Issues returns the catalog entries skipped by the last Discover.
func (r *Registry) Issues() []Issue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Issue(nil), r.issues...)
}

// Stale reports whether the catalog changed since the last Discover.
func (r *Registry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale || !r.discovered
}

func (r *Registry) markStale() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Diff returns the required workers that were not discovered, ordered by
// group name and then by the group's own order. It does not touch the
// catalog, so repeated calls agree.
func (r *Registry) Diff(requiredByGroup map[string][]string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stale || !r.discovered {
		return nil, ErrStale
	}

	groups := make([]string, 0, len(requiredByGroup))
	for g := range requiredByGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var missing []string
	seen := map[string]bool{}
	for _, g := range groups {
		for _, name := range requiredByGroup[g] {
			if _, ok := r.workers[name]; ok || seen[name] {
				continue
			}
			seen[name] = true
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Synthesize writes a stand-in descriptor for name into the catalog. It
// never replaces a descriptor that is not itself a stand-in. The registry is
// stale afterwards.
func (r *Registry) Synthesize(ctx context.Context, name, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid worker name %q", name)
	}
	path := filepath.Join(r.dir, name+".yaml")

	if data, err := os.ReadFile(path); err == nil {
		var existing WorkerDescriptor
		if yaml.Unmarshal(data, &existing) != nil || !existing.StandIn {
			return fmt.Errorf("%w: %s", ErrConflict, path)
		}
	}

	d := WorkerDescriptor{
		Name:     name,
		Group:    group,
		Contract: "^1",
		StandIn:  true,
		Created:  r.clock().UTC(),
		Handle:   worker.Spec{Kind: worker.KindStandIn},
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write stand-in: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit stand-in: %w", err)
	}
	r.markStale()
	r.logger.InfoContext(ctx, "stand-in synthesized", "worker", name, "group", group)
	return nil
}

// Prune deletes catalog files reported as issues by the last Discover and
// returns them. The registry is stale afterwards if anything was removed.
func (r *Registry) Prune(ctx context.Context) ([]Issue, error) {
	issues := r.Issues()
	var removed []Issue
	for _, is := range issues {
		if err := os.Remove(is.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("prune %s: %w", is.Path, err)
		}
		removed = append(removed, is)
		r.logger.InfoContext(ctx, "phantom worker pruned", "path", is.Path, "reason", is.Reason)
	}
	if len(removed) > 0 {
		r.markStale()
	}
	return removed, nil
}
