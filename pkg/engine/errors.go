package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies pipeline errors. None of the classes is retried by
// the engine.
type ErrorClass string

const (
	// ErrorClassConfiguration is raised before any run starts: unknown
	// component names, unmet requirements, invalid parameters.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassComponentRuntime is raised when a component fails during
	// train or process. The whole run is aborted.
	ErrorClassComponentRuntime ErrorClass = "component_runtime"

	// ErrorClassPersistence is raised when an archive cannot be written or
	// is missing, corrupt or version-mismatched at load time.
	ErrorClassPersistence ErrorClass = "persistence"
)

// EngineError represents a classified error with the failing component attached.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Component is the configured name of the failing component, if any.
	Component string `json:"component,omitempty"`

	// Position is the component's index in the configured order, or -1.
	Position int `json:"position"`

	// Phase is the lifecycle phase the error occurred in.
	Phase Phase `json:"phase,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Component != "" {
		if e.Position >= 0 {
			msg = fmt.Sprintf("%s (component=%s, position=%d)", msg, e.Component, e.Position)
		} else {
			msg = fmt.Sprintf("%s (component=%s)", msg, e.Component)
		}
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so that sentinel values built with the
// constructors can be used with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a configuration-class error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassConfiguration,
		Message:  message,
		Position: -1,
		Err:      err,
	}
}

// NewComponentRuntimeError creates a runtime error for the component at position.
func NewComponentRuntimeError(component string, position int, phase Phase, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassComponentRuntime,
		Message:   fmt.Sprintf("component failed during %s", phase),
		Component: component,
		Position:  position,
		Phase:     phase,
		Err:       err,
	}
}

// NewPersistenceError creates a persistence-class error.
func NewPersistenceError(message string, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassPersistence,
		Message:  message,
		Position: -1,
		Err:      err,
	}
}

// WithComponent attaches the failing component and its position.
func (e *EngineError) WithComponent(name string, position int) *EngineError {
	e.Component = name
	e.Position = position
	return e
}

// WithPhase attaches the lifecycle phase.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrorClassOf returns the class of the first EngineError in err's chain,
// or the empty class.
func ErrorClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// ErrorCodeOf returns the code of the first EngineError in err's chain.
func ErrorCodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return ErrorClassOf(err) == ErrorClassConfiguration
}

// IsComponentRuntimeError reports whether err is a component runtime error.
func IsComponentRuntimeError(err error) bool {
	return ErrorClassOf(err) == ErrorClassComponentRuntime
}

// IsPersistenceError reports whether err is a persistence error.
func IsPersistenceError(err error) bool {
	return ErrorClassOf(err) == ErrorClassPersistence
}

// Error codes.
const (
	// Configuration
	ErrCodeUnknownComponent   = "UNKNOWN_COMPONENT"
	ErrCodeMissingRequirement = "MISSING_REQUIREMENT"
	ErrCodeMissingContextKey  = "MISSING_CONTEXT_KEY"
	ErrCodeDuplicateName      = "DUPLICATE_NAME"
	ErrCodeInvalidParams      = "INVALID_PARAMS"
	ErrCodeEmptyPipeline      = "EMPTY_PIPELINE"
	ErrCodeCreateFailed       = "CREATE_FAILED"
	ErrCodeDuplicateFactory   = "DUPLICATE_FACTORY"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"

	// Component runtime
	ErrCodeTrainFailed   = "TRAIN_FAILED"
	ErrCodeProcessFailed = "PROCESS_FAILED"
	ErrCodeNotTrained    = "NOT_TRAINED"
	ErrCodeRunCancelled  = "RUN_CANCELLED"
	ErrCodePanic         = "COMPONENT_PANIC"

	// Persistence
	ErrCodeArchiveMissing   = "ARCHIVE_MISSING"
	ErrCodeArchiveCorrupt   = "ARCHIVE_CORRUPT"
	ErrCodeVersionMismatch  = "VERSION_MISMATCH"
	ErrCodeMetadataMissing  = "METADATA_MISSING"
	ErrCodeChecksumMismatch = "CHECKSUM_MISMATCH"
	ErrCodeLoadFailed       = "LOAD_FAILED"
	ErrCodePersistFailed    = "PERSIST_FAILED"
)
