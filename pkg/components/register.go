package components

import (
	"fmt"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/plugins/host"
)

// Option configures built-in registration.
type Option func(*options)

type options struct {
	wasm host.Config
}

// WithWasmConfig sets the host limits used by WasmComponent instances.
func WithWasmConfig(cfg host.Config) Option {
	return func(o *options) { o.wasm = cfg }
}

// Factories returns the factories of every built-in component.
func Factories(opts ...Option) []engine.Factory {
	o := options{wasm: host.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	caps := func(c ...engine.Capability) []engine.Capability { return c }

	return []engine.Factory{
		{
			Type:       WhitespaceTokenizerType,
			Descriptor: engine.Descriptor{Provides: caps(engine.CapabilityTokens), ProcessTrainingData: true},
			Defaults: engine.Params{
				"lowercase":                false,
				"intent_tokenization_flag": false,
				"intent_split_symbol":      "_",
			},
			Create: newWhitespaceTokenizer,
		},
		{
			Type:     CountVectorsFeaturizerType,
			Describe: describeCountVectors,
			Defaults: engine.Params{
				"analyzer":     AnalyzerWord,
				"min_ngram":    1,
				"max_ngram":    1,
				"lowercase":    true,
				"min_df":       1,
				"max_features": 0,
				"pooling":      PoolingMean,
			},
			Create: newCountVectorsFeaturizer,
			Load:   loadCountVectorsFeaturizer,
		},
		{
			Type: RegexEntityExtractorType,
			Descriptor: engine.Descriptor{
				Provides:  caps(engine.CapabilityEntities),
				Trainable: true,
			},
			Defaults: engine.Params{
				"use_lookup_tables":     true,
				"use_regexes":           true,
				"case_sensitive":        false,
				"use_word_boundaries":   true,
				"only_trained_entities": false,
			},
			Create: newRegexEntityExtractor,
			Load:   loadRegexEntityExtractor,
		},
		{
			Type: LookupEntityExtractorType,
			Descriptor: engine.Descriptor{
				Requires:  caps(engine.CapabilityTokens),
				Provides:  caps(engine.CapabilityEntities),
				Trainable: true,
			},
			Defaults: engine.Params{
				"case_sensitive":    false,
				"lookup_confidence": 0.8,
			},
			Create: newLookupEntityExtractor,
			Load:   loadLookupEntityExtractor,
		},
		{
			Type: EntitySynonymMapperType,
			Descriptor: engine.Descriptor{
				Requires:  caps(engine.CapabilityEntities),
				Trainable: true,
			},
			Create: newEntitySynonymMapper,
			Load:   loadEntitySynonymMapper,
		},
		{
			Type: KeywordIntentClassifierType,
			Descriptor: engine.Descriptor{
				Requires:  caps(engine.CapabilityTokens),
				Provides:  caps(engine.CapabilityIntent),
				Trainable: true,
			},
			Defaults: engine.Params{"case_sensitive": true},
			Create:   newKeywordIntentClassifier,
			Load:     loadKeywordIntentClassifier,
		},
		{
			Type: CentroidIntentClassifierType,
			Descriptor: engine.Descriptor{
				Requires:  caps(engine.CapabilityTextFeatures),
				Provides:  caps(engine.CapabilityIntent),
				Trainable: true,
			},
			Defaults: engine.Params{"ranking_length": 10, "temperature": 0.1},
			Create:   newCentroidIntentClassifier,
			Load:     loadCentroidIntentClassifier,
		},
		{
			Type: FallbackClassifierType,
			Descriptor: engine.Descriptor{
				Requires: caps(engine.CapabilityIntent),
				Provides: caps(engine.CapabilityIntent),
			},
			Defaults: engine.Params{
				"threshold":           0.3,
				"ambiguity_threshold": 0.1,
				"fallback_intent":     DefaultFallbackIntent,
			},
			Create: newFallbackClassifier,
		},
		{
			Type: ResponseSelectorType,
			Descriptor: engine.Descriptor{
				Requires:  caps(engine.CapabilityTextFeatures, engine.CapabilityIntent),
				Provides:  caps(engine.CapabilityResponse),
				Trainable: true,
			},
			Defaults: engine.Params{
				"retrieval_intent": "",
				"ranking_length":   10,
				"temperature":      0.1,
			},
			Create: newResponseSelector,
			Load:   loadResponseSelector,
		},
		{
			Type:     StarlarkComponentType,
			Describe: describeUserComponent,
			Defaults: engine.Params{"timeout": "5s"},
			Create:   newStarlarkComponent,
			Load:     loadStarlarkComponent,
		},
		{
			Type:     WasmComponentType,
			Describe: describeUserComponent,
			Create:   newWasmComponentFromParams(o.wasm),
			Load:     loadWasmComponent(o.wasm, describeUserComponent),
		},
	}
}

// Register adds every built-in component to reg.
func Register(reg *engine.Registry, opts ...Option) error {
	for _, f := range Factories(opts...) {
		if err := reg.Register(f); err != nil {
			return fmt.Errorf("failed to register %s: %w", f.Type, err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in components.
func NewRegistry(opts ...Option) *engine.Registry {
	reg := engine.NewRegistry()
	if err := Register(reg, opts...); err != nil {
		panic(err)
	}
	return reg
}
