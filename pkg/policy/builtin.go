package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicySingleTokenizer    = "single-tokenizer"
	PolicyFallbackLast       = "fallback-after-classifiers"
	PolicySelectorClassifier = "response-selector-classifier"
	PolicyTrainableModel     = "trainable-model"
	PolicyLanguage           = "language-declared"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		singleTokenizerPolicy(),
		fallbackLastPolicy(),
		selectorClassifierPolicy(),
		trainableModelPolicy(),
		languagePolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// singleTokenizerPolicy rejects pipelines where a second tokenizer would
// overwrite the tokens of the first.
func singleTokenizerPolicy() Policy {
	return Policy{
		Name:        PolicySingleTokenizer,
		Description: "A pipeline contains at most one component providing tokens",
		Severity:    SeverityError,
		Tags:        []string{"tokens", "ordering"},
		Rego: `package rasa.policies.tokenizer

import rego.v1

tokenizers contains step.name if {
	some step in input.pipeline.steps
	"tokens" in step.descriptor.provides
}

deny contains violation if {
	count(tokenizers) > 1
	violation := {
		"message": sprintf("pipeline has %d tokenizers %v; later ones overwrite the tokens of earlier ones", [count(tokenizers), sort(tokenizers)]),
		"severity": "error",
		"remediation": "keep a single tokenizer",
	}
}
`,
	}
}

// fallbackLastPolicy requires the fallback classifier to run after every
// intent classifier, otherwise its decision is overwritten.
func fallbackLastPolicy() Policy {
	return Policy{
		Name:        PolicyFallbackLast,
		Description: "FallbackClassifier runs after all intent classifiers",
		Severity:    SeverityError,
		Tags:        []string{"intent", "ordering"},
		Rego: `package rasa.policies.fallback

import rego.v1

deny contains violation if {
	some fallback in input.pipeline.steps
	fallback.component == "FallbackClassifier"
	some step in input.pipeline.steps
	step.position > fallback.position
	step.component != "FallbackClassifier"
	"intent" in step.descriptor.provides
	violation := {
		"message": sprintf("%s runs after %s and overwrites its fallback intent", [step.name, fallback.name]),
		"severity": "error",
		"step": step.name,
		"remediation": sprintf("move %s to the end of the intent classifiers", [fallback.name]),
	}
}
`,
	}
}

// selectorClassifierPolicy requires a real intent classifier for response
// selection. Components that both require and provide intent only refine
// an existing prediction.
func selectorClassifierPolicy() Policy {
	return Policy{
		Name:        PolicySelectorClassifier,
		Description: "Response selectors need an intent classifier",
		Severity:    SeverityError,
		Tags:        []string{"response_selection", "intent"},
		Rego: `package rasa.policies.selector

import rego.v1

refines_intent(step) if "intent" in step.descriptor.requires

has_classifier if {
	some step in input.pipeline.steps
	"intent" in step.descriptor.provides
	not refines_intent(step)
}

deny contains violation if {
	some step in input.pipeline.steps
	"response_selection" in step.descriptor.provides
	not has_classifier
	violation := {
		"message": sprintf("%s selects responses but no component classifies intents", [step.name]),
		"severity": "error",
		"step": step.name,
	}
}
`,
	}
}

// trainableModelPolicy rejects trainable pipelines that produce neither
// intents nor entities.
func trainableModelPolicy() Policy {
	return Policy{
		Name:        PolicyTrainableModel,
		Description: "A trainable pipeline contains an intent classifier or an entity extractor",
		Severity:    SeverityError,
		Tags:        []string{"training"},
		Rego: `package rasa.policies.trainable

import rego.v1

trainable if {
	some step in input.pipeline.steps
	step.descriptor.trainable
}

has_model if {
	some step in input.pipeline.steps
	some capability in ["intent", "entities"]
	capability in step.descriptor.provides
}

deny contains violation if {
	trainable
	not has_model
	violation := {
		"message": "pipeline trains components but has no intent classifier or entity extractor",
		"severity": "error",
		"remediation": "add an intent classifier or an entity extractor",
	}
}
`,
	}
}

// languagePolicy warns about pipelines without a language.
func languagePolicy() Policy {
	return Policy{
		Name:        PolicyLanguage,
		Description: "Pipelines declare their language",
		Severity:    SeverityWarning,
		Tags:        []string{"metadata"},
		Rego: `package rasa.policies.language

import rego.v1

deny contains "pipeline does not declare a language" if {
	input.pipeline.language == ""
}
`,
	}
}
