// Package engine provides the component pipeline that turns raw user text
// into structured meaning: intents, entities and selected responses.
//
// # Overview
//
// A pipeline is an ordered list of components. Each component reads the
// attributes earlier components wrote on a Message and adds its own. The
// lifecycle of a pipeline has four phases:
//
//  1. Build - Resolve the configuration against the Registry and create each component
//  2. Train - Fit trainable components on TrainingData, in order
//  3. Persist - Save every component's state into a versioned archive
//  4. Inference - Process messages, sequentially within a run and in parallel across runs
//
// # Components
//
// Components implement Component and, when they learn from data, Trainer.
// Components with learned state implement Persister:
//
//	type Component interface {
//	    Name() string
//	    Process(ctx context.Context, msg *Message, sc *SharedContext) error
//	}
//
// A Factory registered under a type name creates components and declares
// their Descriptor: provided and required capabilities, and the shared
// context keys they read and write.
//
// # Configuration Validation
//
// Registry.Resolve walks the configuration left to right. Every required
// capability and every read context key must be provided by a component
// strictly earlier in the list. The first violation is returned as a
// configuration error naming the component and its position. Components are
// never reordered.
//
// # Shared Context
//
// A SharedContext belongs to exactly one run: one training run, or one
// message's inference run. Heavy resources are acquired through
// AcquireResource, loaded once per run and released when the last reference
// goes away or the run ends.
//
// # Errors
//
// Errors are classified as configuration, component runtime or persistence
// errors. None are retried. A component failure aborts the run and no
// partial results are returned.
package engine
