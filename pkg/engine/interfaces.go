package engine

import (
	"context"
	"time"
)

// Capability is something a component makes available to later components.
type Capability string

const (
	CapabilityTokens       Capability = "tokens"
	CapabilityTextFeatures Capability = "text_features"
	CapabilityEntities     Capability = "entities"
	CapabilityIntent       Capability = "intent"
	CapabilityResponse     Capability = "response_selection"
)

// Descriptor is a component's static metadata. The registry reads it before
// the component is constructed.
type Descriptor struct {
	// Provides lists capabilities satisfied once this component has run.
	Provides []Capability `json:"provides,omitempty" yaml:"provides,omitempty"`

	// Requires lists capabilities earlier components must provide.
	Requires []Capability `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Reads lists shared context keys earlier components must write.
	Reads []string `json:"reads,omitempty" yaml:"reads,omitempty"`

	// Writes lists shared context keys this component writes.
	Writes []string `json:"writes,omitempty" yaml:"writes,omitempty"`

	// Trainable is set when the component implements Trainer.
	Trainable bool `json:"trainable" yaml:"trainable"`

	// ProcessTrainingData asks the scheduler to run Process over every
	// training example after Train, so that later components train on the
	// annotations (tokens, features) this component adds.
	ProcessTrainingData bool `json:"process_training_data" yaml:"process_training_data"`
}

// ProvidesCapability reports whether the descriptor provides c.
func (d Descriptor) ProvidesCapability(c Capability) bool {
	for _, p := range d.Provides {
		if p == c {
			return true
		}
	}
	return false
}

// Component is one processing step. Process must be safe to call
// concurrently once training or loading has finished.
type Component interface {
	// Name returns the configured instance name, used for provenance.
	Name() string

	// Process annotates one message. It may read and write the shared context.
	Process(ctx context.Context, msg *Message, sc *SharedContext) error
}

// Trainer is implemented by components that learn from the corpus.
type Trainer interface {
	Train(ctx context.Context, data *TrainingData, sc *SharedContext) error
}

// Persister is implemented by components with learned state. The returned
// metadata is stored in the archive manifest and handed back to the
// factory's Load.
type Persister interface {
	Persist(ctx context.Context, dir string) (Metadata, error)
}

// Metadata is a component's persisted metadata fragment.
type Metadata map[string]interface{}

// CreateFunc constructs a component instance from parameters.
type CreateFunc func(name string, params Params, sc *SharedContext) (Component, error)

// LoadFunc reconstructs a component from its archive directory.
type LoadFunc func(name string, params Params, meta Metadata, dir string) (Component, error)

// DescribeFunc derives a descriptor from parameters, for components whose
// capabilities are user-declared.
type DescribeFunc func(params Params) (Descriptor, error)

// Factory builds one kind of component.
type Factory struct {
	// Type is the identifier used in pipeline configurations.
	Type string

	// Descriptor is used when Describe is nil.
	Descriptor Descriptor

	// Describe overrides Descriptor when set.
	Describe DescribeFunc

	// Defaults are merged under the configured parameters.
	Defaults Params

	Create CreateFunc

	// Load is optional. Stateless components are re-created from params.
	Load LoadFunc
}

// DescriptorFor returns the descriptor for the given parameters.
func (f *Factory) DescriptorFor(params Params) (Descriptor, error) {
	if f.Describe != nil {
		return f.Describe(params)
	}
	return f.Descriptor, nil
}

// ArchiveRecord describes a saved archive for catalogs.
type ArchiveRecord struct {
	ArchiveID     string
	Path          string
	Fingerprint   string
	FormatVersion string
	EngineVersion string
	Language      string
	Components    []string
	CreatedAt     time.Time
}

// ArchiveCatalog records saved archives.
type ArchiveCatalog interface {
	RecordArchive(ctx context.Context, rec ArchiveRecord) error
}

// RunRecorder stores run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary *RunSummary) error
}
