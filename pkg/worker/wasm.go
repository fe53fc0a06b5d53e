package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmHandle runs a WASI module as a worker. The module gets no filesystem,
// network or environment; it receives the worker name as argv[1] and may
// print a JSON health record as its last stdout line.
type WasmHandle struct {
	name    string
	runtime wazero.Runtime
	config  wazero.ModuleConfig

	mu       sync.Mutex
	source   []byte
	path     string
	compiled wazero.CompiledModule
}

// WasmConfig limits a WASI worker.
type WasmConfig struct {
	MemoryLimitBytes uint64
}

// NewWasmHandle creates a handle for the module at path. The module is read
// and compiled lazily on first invoke.
func NewWasmHandle(ctx context.Context, name, path string, cfg WasmConfig) *WasmHandle {
	h := newWasmRuntime(ctx, name, cfg)
	h.path = path
	return h
}

// NewWasmHandleFromBytes creates a handle for an in-memory module.
func NewWasmHandleFromBytes(ctx context.Context, name string, module []byte, cfg WasmConfig) *WasmHandle {
	h := newWasmRuntime(ctx, name, cfg)
	h.source = module
	return h
}

func newWasmRuntime(ctx context.Context, name string, cfg WasmConfig) *WasmHandle {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WasmHandle{
		name:    name,
		runtime: r,
		config: wazero.NewModuleConfig().
			WithName("").
			WithArgs("worker", name).
			WithStartFunctions("_start"),
	}
}

func (h *WasmHandle) compile(ctx context.Context) (wazero.CompiledModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.compiled != nil {
		return h.compiled, nil
	}
	src := h.source
	if src == nil {
		b, err := os.ReadFile(h.path)
		if err != nil {
			return nil, fmt.Errorf("wasi: read module %s: %w", h.path, err)
		}
		src = b
	}
	compiled, err := h.runtime.CompileModule(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("wasi: compile %s: %w", h.name, err)
	}
	h.compiled = compiled
	return compiled, nil
}

func (h *WasmHandle) Invoke(ctx context.Context) (HealthRecord, error) {
	compiled, err := h.compile(ctx)
	if err != nil {
		return HealthRecord{}, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := h.config.WithStdout(&stdout).WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return HealthRecord{}, fmt.Errorf("wasi: worker %s killed: %w", h.name, ctx.Err())
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() != 0 {
				return HealthRecord{}, &CrashError{
					Worker:   h.name,
					ExitCode: int(exitErr.ExitCode()),
					Stderr:   tail(stderr.String(), 512),
				}
			}
		} else {
			return HealthRecord{}, fmt.Errorf("wasi: worker %s: %w", h.name, err)
		}
	}
	return lastRecord(stdout.Bytes())
}

// Close releases the runtime.
func (h *WasmHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.runtime.Close(ctx)
}
