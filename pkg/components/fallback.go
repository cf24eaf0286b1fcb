package components

import (
	"context"
	"errors"
	"math"

	"github.com/zylhub/rasa/pkg/engine"
)

// FallbackClassifierType is the registered type of FallbackClassifier.
const FallbackClassifierType = "FallbackClassifier"

// DefaultFallbackIntent is written when the prediction is not trusted.
const DefaultFallbackIntent = "nlu_fallback"

// FallbackClassifier overwrites the intent with a fallback intent when the
// previous classifier's confidence is below a threshold or its top two
// intents are too close. The confidences compared are those of the last
// intent writer only.
type FallbackClassifier struct {
	name string
	cfg  fallbackParams
}

type fallbackParams struct {
	Threshold          float64 `yaml:"threshold"`
	AmbiguityThreshold float64 `yaml:"ambiguity_threshold"`
	FallbackIntent     string  `yaml:"fallback_intent"`
}

func newFallbackClassifier(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p fallbackParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return nil, errors.New("threshold must be in [0, 1]")
	}
	if p.FallbackIntent == "" {
		p.FallbackIntent = DefaultFallbackIntent
	}
	return &FallbackClassifier{name: name, cfg: p}, nil
}

// Name implements engine.Component.
func (f *FallbackClassifier) Name() string { return f.name }

// Process replaces the intent and prepends the fallback to the ranking when
// the prediction is not trusted.
func (f *FallbackClassifier) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	if !f.shouldFallback(msg) {
		return nil
	}

	fallback := engine.Intent{Name: f.cfg.FallbackIntent, Confidence: f.cfg.Threshold}
	ranking, _ := engine.AttributeValue[[]engine.Intent](msg, engine.AttrIntentRanking)
	updated := make([]engine.Intent, 0, len(ranking)+1)
	updated = append(updated, fallback)
	updated = append(updated, ranking...)

	msg.Set(engine.AttrIntent, fallback, f.name)
	msg.Set(engine.AttrIntentRanking, updated, f.name)
	return nil
}

func (f *FallbackClassifier) shouldFallback(msg *engine.Message) bool {
	intent, ok := msg.Intent()
	if !ok || intent.Name == "" {
		return true
	}
	if intent.Confidence < f.cfg.Threshold {
		return true
	}
	ranking, _ := engine.AttributeValue[[]engine.Intent](msg, engine.AttrIntentRanking)
	if len(ranking) >= 2 && f.cfg.AmbiguityThreshold > 0 {
		if math.Abs(ranking[0].Confidence-ranking[1].Confidence) < f.cfg.AmbiguityThreshold {
			return true
		}
	}
	return false
}
