package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
)

// Handle kinds known to the default factory.
const (
	KindStandIn = "standin"
	KindProcess = "process"
	KindWasm    = "wasm"
	KindNATS    = "nats"
)

// ErrUnknownKind is returned for kinds with no registered constructor.
var ErrUnknownKind = errors.New("unknown worker kind")

// Spec is everything a constructor needs to build a handle.
type Spec struct {
	Name    string            `yaml:"name" json:"name"`
	Kind    string            `yaml:"kind" json:"kind"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Module  string            `yaml:"module,omitempty" json:"module,omitempty"`
	Subject string            `yaml:"subject,omitempty" json:"subject,omitempty"`
}

// Constructor builds a handle from a spec.
type Constructor func(ctx context.Context, spec Spec) (Handle, error)

// Factory maps handle kinds to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// FactoryOption configures the default constructors.
type FactoryOption func(*Factory)

// WithNATS registers the "nats" kind over conn.
func WithNATS(conn *nats.Conn) FactoryOption {
	return func(f *Factory) {
		f.ctors[KindNATS] = func(_ context.Context, spec Spec) (Handle, error) {
			h := NewNATSHandle(conn, spec.Name)
			if spec.Subject != "" {
				h.Subject = spec.Subject
			}
			return h, nil
		}
	}
}

// WithWasmLimits sets the memory ceiling for "wasm" handles.
func WithWasmLimits(cfg WasmConfig) FactoryOption {
	return func(f *Factory) {
		f.ctors[KindWasm] = wasmConstructor(cfg)
	}
}

// NewFactory returns a factory with the standin, process and wasm kinds
// registered. The nats kind needs WithNATS.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{ctors: map[string]Constructor{
		KindStandIn: func(_ context.Context, spec Spec) (Handle, error) {
			return StandIn{Name: spec.Name}, nil
		},
		KindProcess: func(_ context.Context, spec Spec) (Handle, error) {
			if spec.Command == "" {
				return nil, fmt.Errorf("process worker %s has no command", spec.Name)
			}
			env := make([]string, 0, len(spec.Env))
			for k, v := range spec.Env {
				env = append(env, k+"="+v)
			}
			sort.Strings(env)
			return &ProcessHandle{Name: spec.Name, Command: spec.Command, Args: spec.Args, Dir: spec.Dir, Env: env}, nil
		},
		KindWasm: wasmConstructor(WasmConfig{}),
	}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func wasmConstructor(cfg WasmConfig) Constructor {
	return func(ctx context.Context, spec Spec) (Handle, error) {
		if spec.Module == "" {
			return nil, fmt.Errorf("wasm worker %s has no module", spec.Name)
		}
		return NewWasmHandle(ctx, spec.Name, spec.Module, cfg), nil
	}
}

// Register adds or replaces the constructor for kind.
func (f *Factory) Register(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[kind] = ctor
}

// Build constructs a handle. An empty kind means standin.
func (f *Factory) Build(ctx context.Context, spec Spec) (Handle, error) {
	kind := spec.Kind
	if kind == "" {
		kind = KindStandIn
	}
	f.mu.RLock()
	ctor, ok := f.ctors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for worker %s", ErrUnknownKind, kind, spec.Name)
	}
	return ctor(ctx, spec)
}

// Kinds lists registered kinds in order.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
