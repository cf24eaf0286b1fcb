package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zylhub/rasa/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Manifest describes a WASM component plugin.
type Manifest struct {
	// Name is the component type used in pipeline configurations.
	Name string `yaml:"name" validate:"required"`

	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// Module is the WASM file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex SHA-256 of the module. Verified when set.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Descriptor declares the plugin's capabilities and context keys.
	Descriptor engine.Descriptor `yaml:"descriptor"`

	// Defaults are merged under configured parameters.
	Defaults engine.Params `yaml:"defaults,omitempty"`

	Limits Limits `yaml:"limits,omitempty"`

	// Path is the manifest file the plugin was loaded from.
	Path string `yaml:"-"`

	// ModulePath is Module resolved against the manifest directory.
	ModulePath string `yaml:"-"`
}

// Limits override the host defaults for one plugin.
type Limits struct {
	MemoryPages uint32        `yaml:"memory_pages,omitempty" validate:"omitempty,max=65536"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

var manifestValidator = validator.New()

// LoadManifest reads and validates a plugin manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.Path = path
	if filepath.IsAbs(m.Module) {
		m.ModulePath = m.Module
	} else {
		m.ModulePath = filepath.Join(filepath.Dir(path), m.Module)
	}
	if _, err := os.Stat(m.ModulePath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", m.ModulePath, err)
	}
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// VerifyChecksum checks module against the manifest checksum. A manifest
// without a checksum accepts any module.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	if sum := ModuleChecksum(module); sum != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, sum)
	}
	return nil
}

// ModuleChecksum returns the hex SHA-256 of a module.
func ModuleChecksum(module []byte) string {
	hash := sha256.Sum256(module)
	return hex.EncodeToString(hash[:])
}
