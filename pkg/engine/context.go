package engine

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// SharedContext is the run-scoped key/value store components use to hand
// artifacts to later components. Keys are namespaced by convention
// ("featurizer.vocabulary_size"). A SharedContext belongs to exactly one
// run and is discarded when the run ends.
type SharedContext struct {
	mu        sync.RWMutex
	values    map[string]contextEntry
	resources map[string]*resourceEntry
	closed    bool
}

type contextEntry struct {
	value  interface{}
	writer string
}

type resourceEntry struct {
	value interface{}
	refs  int
}

// ResourceLoader loads a shared resource on first acquisition.
type ResourceLoader func() (interface{}, error)

// NewSharedContext creates an empty context.
func NewSharedContext() *SharedContext {
	return &SharedContext{
		values:    make(map[string]contextEntry),
		resources: make(map[string]*resourceEntry),
	}
}

// Set stores value under key, recording the writer.
func (c *SharedContext) Set(key string, value interface{}, writer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = contextEntry{value: value, writer: writer}
}

// Get returns the value stored under key.
func (c *SharedContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.values[key]
	return e.value, ok
}

// Writer returns the component that last wrote key.
func (c *SharedContext) Writer(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key].writer
}

// Keys returns the stored keys in sorted order.
func (c *SharedContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContextValue returns the value under key as T.
func ContextValue[T any](c *SharedContext, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// AcquireResource returns the resource stored under key, loading it on the
// first call of the run. Each call takes a reference.
func (c *SharedContext) AcquireResource(key string, load ResourceLoader) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("shared context closed, cannot acquire %q", key)
	}

	if r, ok := c.resources[key]; ok {
		r.refs++
		return r.value, nil
	}

	value, err := load()
	if err != nil {
		return nil, fmt.Errorf("failed to load resource %q: %w", key, err)
	}
	c.resources[key] = &resourceEntry{value: value, refs: 1}
	return value, nil
}

// ReleaseResource drops one reference. The resource is closed when the
// last reference goes away.
func (c *SharedContext) ReleaseResource(key string) error {
	c.mu.Lock()
	r, ok := c.resources[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("resource %q not acquired", key)
	}
	r.refs--
	if r.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.resources, key)
	c.mu.Unlock()

	return closeResource(key, r.value)
}

// ResourceRefs returns the current reference count for key.
func (c *SharedContext) ResourceRefs(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.resources[key]; ok {
		return r.refs
	}
	return 0
}

// Close releases every remaining resource regardless of its reference
// count and clears stored values. Calling Close twice is a no-op.
func (c *SharedContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	resources := c.resources
	c.resources = make(map[string]*resourceEntry)
	c.values = make(map[string]contextEntry)
	c.mu.Unlock()

	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := closeResource(k, resources[k].value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeResource(key string, value interface{}) error {
	closer, ok := value.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("failed to close resource %q: %w", key, err)
	}
	return nil
}
