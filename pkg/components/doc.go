// Package components provides the built-in pipeline components and the
// script and WASM bridges for user-defined ones.
//
// # Built-in Components
//
//   - WhitespaceTokenizer: tokens with offsets into the original text
//   - CountVectorsFeaturizer: bag-of-words or character n-gram features
//   - RegexEntityExtractor, LookupEntityExtractor: rule based entities
//   - EntitySynonymMapper: maps entity values to canonical synonyms
//   - KeywordIntentClassifier, CentroidIntentClassifier: intent ranking
//   - FallbackClassifier: replaces low-confidence or ambiguous intents
//   - ResponseSelector: picks a response for retrieval intents
//
// Register them with Register or NewRegistry:
//
//	reg := components.NewRegistry()
//	p, err := reg.Build(ctx, cfg)
//
// # User Components
//
// StarlarkComponent and WasmComponent declare their capabilities in params
// (provides, requires, reads, writes, trainable). Both exchange JSON-shaped
// documents with the engine:
//
//	# process receives the message and, optionally, the declared context
//	# keys and the trained state.
//	def process(message, context, state):
//	    return {"intent": {"name": "greet", "confidence": 0.9}}
//
// Returned entities are recorded with the component as their extractor.
// Returned context keys must be declared in writes.
package components
