package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// AppConfig is the application configuration, usually read from rasa.yaml.
type AppConfig struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// Pipeline is the path of the pipeline configuration file.
	Pipeline string `yaml:"pipeline"`

	// Data lists training data files or directories.
	Data []string `yaml:"data"`

	Store     StoreConfig     `yaml:"store"`
	Models    ModelsConfig    `yaml:"models"`
	Connector ConnectorConfig `yaml:"connector"`
	NLG       NLGConfig       `yaml:"nlg"`
	Policy    PolicyConfig    `yaml:"policy"`

	// Plugins is a directory of WASM component plugins, one
	// subdirectory with a plugin.yaml each.
	Plugins string `yaml:"plugins"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file. Empty disables the store.
	Path string `yaml:"path"`
}

// ModelsConfig configures where trained archives live.
type ModelsConfig struct {
	// Dir receives one archive directory per training run.
	Dir string `yaml:"dir" validate:"required"`

	// Watch reloads the served archive when it changes on disk.
	Watch bool `yaml:"watch"`

	// Debounce delays a reload until writes have settled.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// Workers bounds concurrent batch processing.
	Workers int `yaml:"workers" validate:"gte=0"`
}

// ConnectorConfig configures the inbound webhook.
type ConnectorConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// RetryHeader carries the delivery attempt number.
	RetryHeader string `yaml:"retry_header" validate:"required"`

	// RetryReasonHeader carries why the platform retried.
	RetryReasonHeader string `yaml:"retry_reason_header" validate:"required"`

	// ErrorsIgnoreRetry lists retry reasons that are acknowledged without
	// processing.
	ErrorsIgnoreRetry []string `yaml:"errors_ignore_retry"`

	// OutputURL receives parse results. Empty logs them instead.
	OutputURL string `yaml:"output_url" validate:"omitempty,url"`
}

// NLGConfig configures response generation.
type NLGConfig struct {
	// URL is the external generator endpoint. Empty uses local templates.
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Templates maps template names to response variations.
	Templates map[string][]string `yaml:"templates"`
}

// PolicyConfig configures pipeline policy checks.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds custom .rego policies.
	Dir string `yaml:"dir"`

	// Watch reloads custom policies on change.
	Watch bool `yaml:"watch"`

	// Mode is advisory (log violations) or enforcing (reject the pipeline).
	Mode string `yaml:"mode" validate:"omitempty,oneof=advisory enforcing"`
}

// ParsedPipeline is the result of parsing pipeline configuration sources.
type ParsedPipeline struct {
	Config engine.PipelineConfig `json:"config"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "pipeline.0.component").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is returned when a configuration does not validate.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}
