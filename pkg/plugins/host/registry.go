package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zylhub/rasa/pkg/telemetry"
)

// ManifestFile is the manifest name looked up in plugin directories.
const ManifestFile = "plugin.yaml"

// Plugin is a loaded manifest with its module bytes.
type Plugin struct {
	Manifest *Manifest
	Wasm     []byte
}

// Registry holds loaded plugins by component type name.
type Registry struct {
	mu      sync.RWMutex
	config  Config
	plugins map[string]*Plugin
	logger  *telemetry.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(cfg Config, logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		config:  cfg.withDefaults(),
		plugins: make(map[string]*Plugin),
		logger:  logger.NewComponentLogger("plugins"),
	}
}

// Config returns the host defaults.
func (r *Registry) Config() Config { return r.config }

// Add registers a plugin from a parsed manifest and module bytes.
func (r *Registry) Add(m *Manifest, wasm []byte) error {
	if err := m.VerifyChecksum(wasm); err != nil {
		return fmt.Errorf("checksum verification failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.plugins[m.Name]; ok {
		return fmt.Errorf("plugin %s already registered (version %s)", m.Name, existing.Manifest.Version)
	}
	r.plugins[m.Name] = &Plugin{Manifest: m, Wasm: wasm}
	return nil
}

// LoadFile registers the plugin described by a manifest file.
func (r *Registry) LoadFile(path string) (*Plugin, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	wasm, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if err := r.Add(m, wasm); err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"plugin":  m.Name,
		"version": m.Version,
	}).Info("plugin registered")
	return r.Get(m.Name)
}

// ScanDirectory registers every dir/*/plugin.yaml. Plugins that fail to
// load are logged and skipped; the number loaded is returned.
func (r *Registry) ScanDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := r.LoadFile(path); err != nil {
			r.logger.WithError(err).WithField("manifest", path).Warn("failed to register plugin")
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s not found", name)
	}
	return p, nil
}

// List returns all plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Instantiate creates a new module instance of a plugin using the
// registry defaults and the plugin's limits.
func (r *Registry) Instantiate(ctx context.Context, name, instance string) (*Module, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return NewModule(ctx, instance, p.Wasm, r.config.ApplyLimits(p.Manifest.Limits))
}
