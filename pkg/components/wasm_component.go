package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/plugins/host"
)

// WasmComponentType is the registered type of WasmComponent.
const WasmComponentType = "WasmComponent"

const wasmModuleFile = "module.wasm"

// WasmComponent runs a WASM module through the plugin host. The module
// receives {"message", "context", "state"} and returns the same update
// document as a Starlark script. A trainable module exports train, which
// receives {"examples"} and returns {"state"}.
type WasmComponent struct {
	name      string
	wasm      []byte
	module    *host.Module
	reads     []string
	writes    []string
	trainable bool
	state     json.RawMessage
}

func newWasmComponentFromParams(cfg host.Config) engine.CreateFunc {
	return func(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
		path := params.String("module", "")
		if path == "" {
			return nil, errors.New("module is required")
		}
		wasm, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read WASM module: %w", err)
		}
		if sum := params.String("checksum", ""); sum != "" {
			m := &host.Manifest{Checksum: sum}
			if err := m.VerifyChecksum(wasm); err != nil {
				return nil, err
			}
		}
		desc, err := describeUserComponent(params)
		if err != nil {
			return nil, err
		}
		return newWasmComponent(name, wasm, desc, cfg)
	}
}

func newWasmComponent(name string, wasm []byte, desc engine.Descriptor, cfg host.Config) (*WasmComponent, error) {
	mod, err := host.NewModule(context.Background(), name, wasm, cfg)
	if err != nil {
		return nil, err
	}
	if !mod.HasExport(host.ExportProcess) {
		_ = mod.Close(context.Background())
		return nil, fmt.Errorf("WASM module does not export %s function", host.ExportProcess)
	}
	if desc.Trainable && !mod.HasExport(host.ExportTrain) {
		_ = mod.Close(context.Background())
		return nil, fmt.Errorf("WASM module is declared trainable but does not export %s", host.ExportTrain)
	}
	return &WasmComponent{
		name:      name,
		wasm:      wasm,
		module:    mod,
		reads:     desc.Reads,
		writes:    desc.Writes,
		trainable: desc.Trainable,
	}, nil
}

func loadWasmComponent(cfg host.Config, describe engine.DescribeFunc) engine.LoadFunc {
	return func(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
		var st struct {
			State json.RawMessage `json:"state,omitempty"`
		}
		if err := readState(dir, meta, &st); err != nil {
			return nil, err
		}
		wasm, err := os.ReadFile(filepath.Join(dir, wasmModuleFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read WASM module: %w", err)
		}
		desc, err := describe(params)
		if err != nil {
			return nil, err
		}
		c, err := newWasmComponent(name, wasm, desc, cfg)
		if err != nil {
			return nil, err
		}
		c.state = st.State
		return c, nil
	}
}

// Name implements engine.Component.
func (c *WasmComponent) Name() string { return c.name }

// Train calls the module's train export when the component is trainable.
func (c *WasmComponent) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	if !c.trainable {
		return nil
	}
	input, err := json.Marshal(newTrainRequest(data))
	if err != nil {
		return fmt.Errorf("failed to encode examples: %w", err)
	}
	out, err := c.module.Call(ctx, host.ExportTrain, input)
	if err != nil {
		return err
	}
	var resp trainResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("invalid train result: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("component reported error: %s", resp.Error)
	}
	c.state = resp.State
	return nil
}

// Process sends the message to the module and applies the update.
func (c *WasmComponent) Process(ctx context.Context, msg *engine.Message, sc *engine.SharedContext) error {
	input, err := json.Marshal(newExchangeRequest(msg, sc, c.reads, c.state))
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	out, err := c.module.Call(ctx, host.ExportProcess, input)
	if err != nil {
		return err
	}
	var update exchangeUpdate
	if err := json.Unmarshal(out, &update); err != nil {
		return fmt.Errorf("invalid process result: %w", err)
	}
	return update.apply(c.name, msg, sc, c.writes)
}

// Persist copies the module into the archive next to the trained state.
func (c *WasmComponent) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	if err := os.WriteFile(filepath.Join(dir, wasmModuleFile), c.wasm, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write WASM module: %w", err)
	}
	meta, err := writeState(dir, struct {
		State json.RawMessage `json:"state,omitempty"`
	}{c.state})
	if err != nil {
		return nil, err
	}
	meta["module_checksum"] = host.ModuleChecksum(c.wasm)
	return meta, nil
}

// Close releases the module.
func (c *WasmComponent) Close() error {
	return c.module.Close(context.Background())
}

// RegisterPlugins registers a factory for every plugin in plugins. The
// plugin name is the component type and its manifest supplies the
// descriptor and defaults.
func RegisterPlugins(reg *engine.Registry, plugins *host.Registry) error {
	for _, p := range plugins.List() {
		p := p
		cfg := plugins.Config().ApplyLimits(p.Manifest.Limits)
		desc := p.Manifest.Descriptor
		describe := func(engine.Params) (engine.Descriptor, error) { return desc, nil }
		err := reg.Register(engine.Factory{
			Type:       p.Manifest.Name,
			Descriptor: desc,
			Defaults:   p.Manifest.Defaults,
			Create: func(name string, _ engine.Params, _ *engine.SharedContext) (engine.Component, error) {
				return newWasmComponent(name, p.Wasm, desc, cfg)
			},
			Load: loadWasmComponent(cfg, describe),
		})
		if err != nil {
			return fmt.Errorf("failed to register plugin %s: %w", p.Manifest.Name, err)
		}
	}
	return nil
}
