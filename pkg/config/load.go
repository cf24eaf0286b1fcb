package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// Loader reads pipeline and application configuration files.
type Loader struct {
	parser    *CUEParser
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{parser: NewCUEParser(), validator: validator.New()}
}

// LoadPipeline reads a pipeline configuration. The format follows the
// extension: .yml and .yaml for YAML, .json for JSON, and .cue or a
// directory for CUE. YAML and JSON documents are validated against the
// same #Pipeline schema as CUE.
func (l *Loader) LoadPipeline(ctx context.Context, path string) (engine.PipelineConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return engine.PipelineConfig{}, fmt.Errorf("failed to stat pipeline config: %w", err)
	}
	if info.IsDir() {
		return l.parser.Evaluate(ctx, []string{path})
	}

	var cfg engine.PipelineConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return l.parser.Evaluate(ctx, []string{path})
	case ".yml", ".yaml":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read pipeline config: %w", err)
		}
		cfg, err = ParsePipelineYAML(data)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read pipeline config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("%s: failed to parse JSON: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported pipeline config format %q", ext)
	}

	if err := l.ValidatePipeline(ctx, cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParsePipelineYAML decodes a YAML pipeline document. Unknown keys are an
// error.
func ParsePipelineYAML(data []byte) (engine.PipelineConfig, error) {
	var cfg engine.PipelineConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ValidatePipeline checks cfg against the #Pipeline schema and its struct
// tags. Whether the components exist and fit together is checked by the
// engine registry.
func (l *Loader) ValidatePipeline(ctx context.Context, cfg engine.PipelineConfig) error {
	if err := l.parser.GetSchemaRegistry().ValidatePipeline(ctx, cfg); err != nil {
		return err
	}
	if err := l.validator.Struct(cfg); err != nil {
		return ValidationErrors(validatorErrors(err))
	}
	return nil
}

// DefaultAppConfig returns the configuration used when rasa.yaml leaves a
// setting out.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Telemetry: telemetry.DefaultConfig(),
		Pipeline:  "config.yml",
		Data:      []string{"data"},
		Models: ModelsConfig{
			Dir:      "models",
			Debounce: 500 * time.Millisecond,
		},
		Connector: ConnectorConfig{
			ListenAddress:     ":5005",
			RetryHeader:       "X-Slack-Retry-Num",
			RetryReasonHeader: "X-Slack-Retry-Reason",
			ErrorsIgnoreRetry: []string{"http_timeout"},
		},
		NLG: NLGConfig{Timeout: 5 * time.Second},
		Policy: PolicyConfig{
			Enabled: true,
			Mode:    "enforcing",
		},
	}
}

// LoadApp reads path over DefaultAppConfig. A missing file yields the
// defaults. LOG_LEVEL overrides the configured log level.
func (l *Loader) LoadApp(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read app config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse app config %s: %w", path, err)
		}
	}

	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}

	if err := l.validator.Struct(cfg); err != nil {
		return nil, ValidationErrors(validatorErrors(err))
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return cfg, nil
}
