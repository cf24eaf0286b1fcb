package policy

import (
	"time"

	"github.com/zylhub/rasa/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the pipeline.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a pipeline.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations a pipeline is checked for.
const (
	OperationValidate = "validate"
	OperationTrain    = "train"
	OperationServe    = "serve"
)

// Policy represents a policy rule with its Rego code. The module must
// define a deny set; each element is a message string or an object with
// message, severity, step and remediation fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Step is the instance name of the offending pipeline step, if any.
	Step string `json:"step,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists error and critical findings.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists info and warning findings.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Failures lists policies whose evaluation failed.
	Failures []string `json:"failures,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	Pipeline PipelineInput  `json:"pipeline"`
	Context  *PolicyContext `json:"context"`
}

// PipelineInput describes a resolved pipeline.
type PipelineInput struct {
	Language string      `json:"language"`
	Steps    []StepInput `json:"steps"`
}

// StepInput is one resolved pipeline step.
type StepInput struct {
	Position   int               `json:"position"`
	Name       string            `json:"name"`
	Component  string            `json:"component"`
	Params     engine.Params     `json:"params"`
	Descriptor engine.Descriptor `json:"descriptor"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Operation is validate, train or serve.
	Operation string `json:"operation"`

	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewPipelineInput builds policy input from resolved steps.
func NewPipelineInput(cfg engine.PipelineConfig, steps []engine.ResolvedStep, pctx *PolicyContext) *PolicyInput {
	in := &PolicyInput{
		Pipeline: PipelineInput{Language: cfg.Language, Steps: make([]StepInput, len(steps))},
		Context:  pctx,
	}
	for i, s := range steps {
		in.Pipeline.Steps[i] = StepInput{
			Position:   s.Position,
			Name:       s.Name,
			Component:  s.Type,
			Params:     s.Params,
			Descriptor: s.Descriptor,
		}
	}
	return in
}

// PolicyBundle represents a collection of related policies in one JSON
// file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
