package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/zylhub/rasa/pkg/engine"
)

// Schema names registered by NewSchemaRegistry.
const (
	SchemaPipeline = "pipeline"
	SchemaStep     = "step"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry builds schemas in ctx. Values unify only with values of
// the same context.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	// The built-in sources compile; a failure here is a programming error.
	for name, def := range map[string]string{
		SchemaPipeline: "#Pipeline",
		SchemaStep:     "#Step",
	} {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles source and registers the definition def (e.g.
// "#Pipeline") under name. An empty def registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def != "" {
		val = val.LookupPath(cue.ParsePath(def))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, def)
		}
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Data is
// encoded through its json tags.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return ValidationErrors(convertCUEErrors(err))
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidatePipeline validates a pipeline configuration against #Pipeline.
func (sr *SchemaRegistry) ValidatePipeline(ctx context.Context, cfg engine.PipelineConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaPipeline, cfg)
}

// ValidateStep validates one pipeline step against #Step.
func (sr *SchemaRegistry) ValidateStep(ctx context.Context, step engine.StepConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaStep, step)
}

const builtinSchemas = `
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_.-]*$"

// One pipeline entry
#Step: {
	// Component is the registered component type
	component: #Identifier

	// Name is an optional unique instance name
	name?: #Identifier

	// Params are passed to the component factory
	params?: {[string]: _}
}

// Ordered pipeline configuration
#Pipeline: {
	// Language is an ISO code such as "en" or "pt_BR"
	language?: =~"^[a-z]{2,3}([_-][A-Za-z]{2,4})?$"

	// At least one step
	pipeline: [#Step, ...#Step]

	metadata?: {[string]: string}
}
`
