// Package config loads pipeline and application configuration.
//
// # Pipeline configuration
//
// A pipeline is an ordered list of components. It can be written in YAML:
//
//	language: en
//	pipeline:
//	  - component: WhitespaceTokenizer
//	  - component: CountVectorsFeaturizer
//	    params:
//	      max_ngram: 2
//	  - component: CentroidIntentClassifier
//
// in JSON with the same keys, or in CUE, where definitions and hidden
// fields can factor out repeated steps:
//
//	language: "en"
//
//	_featurizer: {component: "CountVectorsFeaturizer", params: max_ngram: 2}
//
//	pipeline: [
//	    {component: "WhitespaceTokenizer"},
//	    _featurizer,
//	    {component: "CentroidIntentClassifier"},
//	]
//
// Every format is checked against the built-in #Pipeline CUE schema and the
// struct tags of engine.PipelineConfig. Errors carry file, line and column
// where the source format provides them:
//
//	ValidationError{
//	    File:     "config.cue",
//	    Line:     4,
//	    Column:   17,
//	    Path:     "pipeline.1.component",
//	    Message:  "invalid value 42 (mismatched types int and string)",
//	    Severity: "error",
//	}
//
// Whether components exist and their requirements are met is decided by the
// engine registry, not here.
//
// # Application configuration
//
// LoadApp reads rasa.yaml over DefaultAppConfig: telemetry, the SQLite
// store, the model directory, the webhook connector and the NLG endpoint.
// LOG_LEVEL overrides the configured log level.
package config
