package engine

import (
	"fmt"
)

// Phase is a pipeline lifecycle phase.
type Phase string

const (
	// PhaseCreate covers factory construction while building a pipeline.
	PhaseCreate Phase = "create"

	// PhaseTrain is a training run over the full corpus.
	PhaseTrain Phase = "train"

	// PhaseInference is a run over one message.
	PhaseInference Phase = "inference"

	// PhasePersist covers component persistence while saving an archive.
	PhasePersist Phase = "persist"

	// PhaseLoad covers component reconstruction from an archive.
	PhaseLoad Phase = "load"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseCreate, PhaseTrain, PhaseInference, PhasePersist, PhaseLoad:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// RunStatus represents the status of a pipeline run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates components are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every component completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a component failed and the run was aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller abandoned the run between steps.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus represents the status of one component within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"

	// StepStatusSkipped marks steps after a failed or cancelled step.
	StepStatusSkipped StepStatus = "skipped"
)

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}
