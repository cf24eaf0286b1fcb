package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps component types to factories and turns a pipeline
// configuration into an ordered, validated list of components.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Factory),
	}
}

// Register adds a factory. Types are unique.
func (r *Registry) Register(f Factory) error {
	if f.Type == "" {
		return NewConfigurationError("factory type is required", nil).WithCode(ErrCodeInvalidParams)
	}
	if f.Create == nil {
		return NewConfigurationError(fmt.Sprintf("factory %q has no constructor", f.Type), nil).
			WithCode(ErrCodeInvalidParams)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[f.Type]; exists {
		return NewConfigurationError(fmt.Sprintf("component type %q already registered", f.Type), nil).
			WithCode(ErrCodeDuplicateFactory)
	}
	fc := f
	r.factories[f.Type] = &fc
	return nil
}

// MustRegister registers a factory and panics on error.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for a component type.
func (r *Registry) Lookup(componentType string) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[componentType]
	return f, ok
}

// Types returns the registered component types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ResolvedStep is a validated configuration entry, ready to construct.
type ResolvedStep struct {
	Position   int
	Name       string
	Type       string
	Params     Params
	Descriptor Descriptor
	Factory    *Factory
}

// Resolve validates cfg in one left-to-right pass. It keeps the set of
// capabilities and context keys provided so far and fails on the first
// component whose requirements are not met by the components before it.
// Components are never reordered or inserted.
func (r *Registry) Resolve(cfg PipelineConfig) ([]ResolvedStep, error) {
	if len(cfg.Steps) == 0 {
		return nil, NewConfigurationError("pipeline has no components", nil).WithCode(ErrCodeEmptyPipeline)
	}

	provided := make(map[Capability]bool)
	written := make(map[string]bool)
	names := make(map[string]int)
	resolved := make([]ResolvedStep, 0, len(cfg.Steps))

	for i, step := range cfg.Steps {
		name := step.InstanceName()

		f, ok := r.Lookup(step.Component)
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("unknown component %q", step.Component), nil).
				WithCode(ErrCodeUnknownComponent).
				WithComponent(name, i)
		}

		if prev, dup := names[name]; dup {
			return nil, NewConfigurationError(
				fmt.Sprintf("component name %q already used at position %d", name, prev), nil).
				WithCode(ErrCodeDuplicateName).
				WithComponent(name, i)
		}
		names[name] = i

		params := step.Params.Merge(f.Defaults)
		desc, err := f.DescriptorFor(params)
		if err != nil {
			return nil, NewConfigurationError("invalid component parameters", err).
				WithCode(ErrCodeInvalidParams).
				WithComponent(name, i)
		}

		for _, req := range desc.Requires {
			if !provided[req] {
				return nil, NewConfigurationError(
					fmt.Sprintf("requires %q, which no earlier component provides", req), nil).
					WithCode(ErrCodeMissingRequirement).
					WithComponent(name, i).
					WithDetail("missing", string(req))
			}
		}
		for _, key := range desc.Reads {
			if !written[key] {
				return nil, NewConfigurationError(
					fmt.Sprintf("reads context key %q, which no earlier component writes", key), nil).
					WithCode(ErrCodeMissingContextKey).
					WithComponent(name, i).
					WithDetail("missing", key)
			}
		}

		for _, p := range desc.Provides {
			provided[p] = true
		}
		for _, key := range desc.Writes {
			written[key] = true
		}

		resolved = append(resolved, ResolvedStep{
			Position:   i,
			Name:       name,
			Type:       step.Component,
			Params:     params,
			Descriptor: desc,
			Factory:    f,
		})
	}

	return resolved, nil
}

// Validate runs Resolve and discards the result.
func (r *Registry) Validate(cfg PipelineConfig) error {
	_, err := r.Resolve(cfg)
	return err
}

// Build validates cfg and constructs every component in order. The shared
// context passed to each factory lives only for the duration of Build.
func (r *Registry) Build(ctx context.Context, cfg PipelineConfig, opts ...Option) (*Pipeline, error) {
	resolved, err := r.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	sc := NewSharedContext()
	defer sc.Close()

	steps := make([]*Step, 0, len(resolved))
	for _, rs := range resolved {
		if err := ctx.Err(); err != nil {
			return nil, NewConfigurationError("pipeline construction cancelled", err).
				WithComponent(rs.Name, rs.Position)
		}
		component, err := safeCreate(rs, sc)
		if err != nil {
			return nil, NewConfigurationError("failed to create component", err).
				WithCode(ErrCodeCreateFailed).
				WithComponent(rs.Name, rs.Position)
		}
		steps = append(steps, newStep(rs, component))
	}

	return newPipeline(cfg, steps, false, opts...), nil
}

func safeCreate(rs ResolvedStep, sc *SharedContext) (c Component, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in constructor: %v", rec)
		}
	}()
	return rs.Factory.Create(rs.Name, rs.Params, sc)
}
