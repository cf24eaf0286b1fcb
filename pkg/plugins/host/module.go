package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// Config holds host defaults for every module.
type Config struct {
	// Timeout bounds one exported function call.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages. Default 256
	// pages (16MiB).
	MemoryLimitPages uint32
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, MemoryLimitPages: 256}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = d.MemoryLimitPages
	}
	return c
}

// ApplyLimits returns c with a manifest's limits applied.
func (c Config) ApplyLimits(l Limits) Config {
	if l.Timeout > 0 {
		c.Timeout = l.Timeout
	}
	if l.MemoryPages > 0 {
		c.MemoryLimitPages = l.MemoryPages
	}
	return c
}

// ErrModuleClosed is returned by calls on a closed module.
var ErrModuleClosed = errors.New("WASM module is closed")

// Module is one instantiated plugin with its own runtime. Calls are
// serialized because they share the module's linear memory.
type Module struct {
	mu        sync.Mutex
	name      string
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	modConfig wazero.ModuleConfig
	module    api.Module
	bridge    *Bridge
	timeout   time.Duration
	closed    bool
}

// NewModule compiles and instantiates wasm. The host exports env.log so
// plugins can write through the caller's logger.
func NewModule(ctx context.Context, name string, wasm []byte, cfg Config) (*Module, error) {
	cfg = cfg.withDefaults()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := registerHostFunctions(runtime.NewHostModuleBuilder("env")).Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	m := &Module{
		name:     name,
		runtime:  runtime,
		compiled: compiled,
		// Reactor modules export _initialize; command modules are not run.
		modConfig: wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"),
		timeout:   cfg.Timeout,
	}
	if err := m.instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	return m, nil
}

// instantiate creates a fresh instance of the compiled module.
func (m *Module) instantiate(ctx context.Context) error {
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, m.modConfig)
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	bridge, err := NewBridge(mod)
	if err != nil {
		_ = mod.Close(ctx)
		return fmt.Errorf("failed to create WASM bridge: %w", err)
	}
	m.module, m.bridge = mod, bridge
	return nil
}

func registerHostFunctions(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logger := telemetry.FromContext(ctx).WithField("wasm_module", mod.Name())
			switch level {
			case 0:
				logger.Debug(string(msg))
			case 1:
				logger.Info(string(msg))
			case 2:
				logger.Warn(string(msg))
			default:
				logger.Error(string(msg))
			}
		}).
		Export("log")
	return builder
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// HasExport reports whether the module exports a function.
func (m *Module) HasExport(fn string) bool {
	return m.bridge.Function(fn) != nil
}

// Call invokes an exported function with a JSON input.
func (m *Module) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrModuleClosed
	}
	f := m.bridge.Function(fn)
	if f == nil {
		return nil, fmt.Errorf("WASM module %s does not export %s function", m.name, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.bridge.Call(callCtx, f, input)
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			// The runtime closed the instance when the context ended. Only
			// this call is lost; later calls get a fresh instance.
			m.restart(ctx)
			return nil, fmt.Errorf("%s %s: %w", m.name, fn, ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w", m.name, fn, err)
	}
	return out, nil
}

// restart replaces an aborted instance. Calls fail with ErrModuleClosed
// when that is not possible. Callers hold m.mu.
func (m *Module) restart(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	_ = m.module.Close(ctx)
	if err := m.instantiate(ctx); err != nil {
		telemetry.FromContext(ctx).WithError(err).WithField("wasm_module", m.name).Error("Failed to restart WASM module")
		m.closed = true
	}
}

// Close releases the module and its runtime.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if err := m.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
