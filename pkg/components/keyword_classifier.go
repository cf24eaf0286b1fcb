package components

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// KeywordIntentClassifierType is the registered type of KeywordIntentClassifier.
const KeywordIntentClassifierType = "KeywordIntentClassifier"

// KeywordIntentClassifier predicts an intent when a training example's text
// appears in the message as whole words.
type KeywordIntentClassifier struct {
	name          string
	caseSensitive bool
	keywords      map[string]string
	ordered       []string
	compiled      map[string]*regexp.Regexp
}

type keywordState struct {
	Keywords map[string]string `json:"keywords"`
}

func newKeywordIntentClassifier(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	return &KeywordIntentClassifier{
		name:          name,
		caseSensitive: params.Bool("case_sensitive", true),
	}, nil
}

func loadKeywordIntentClassifier(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, _ := newKeywordIntentClassifier(name, params, nil)
	k := c.(*KeywordIntentClassifier)
	var state keywordState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	if err := k.setKeywords(state.Keywords); err != nil {
		return nil, err
	}
	return k, nil
}

// Name implements engine.Component.
func (k *KeywordIntentClassifier) Name() string { return k.name }

// Train maps every example text to its intent. A keyword used by more than
// one intent is dropped with a warning.
func (k *KeywordIntentClassifier) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	logger := telemetry.FromContext(ctx)
	keywords := make(map[string]string)
	ambiguous := make(map[string]bool)

	for _, ex := range data.IntentExamples() {
		intent := ex.IntentName()
		if existing, ok := keywords[ex.Text]; ok && existing != intent {
			ambiguous[ex.Text] = true
			logger.Warnf("keyword %q is a training example of %q and %q, removing it", ex.Text, existing, intent)
			continue
		}
		keywords[ex.Text] = intent
	}
	for kw := range ambiguous {
		delete(keywords, kw)
	}
	return k.setKeywords(keywords)
}

func (k *KeywordIntentClassifier) setKeywords(keywords map[string]string) error {
	ordered := make([]string, 0, len(keywords))
	compiled := make(map[string]*regexp.Regexp, len(keywords))
	for kw := range keywords {
		expr := `\b` + regexp.QuoteMeta(kw) + `\b`
		if !k.caseSensitive {
			expr = `(?i)` + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("failed to compile keyword %q: %w", kw, err)
		}
		compiled[kw] = re
		ordered = append(ordered, kw)
	}
	// Longer keywords are more specific and are tried first.
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})
	k.keywords = keywords
	k.ordered = ordered
	k.compiled = compiled
	return nil
}

// Process writes the matched intent with confidence 1.0, or an empty intent
// with confidence 0.
func (k *KeywordIntentClassifier) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	intent := engine.Intent{}
	for _, kw := range k.ordered {
		if k.compiled[kw].MatchString(msg.Text) {
			intent = engine.Intent{Name: k.keywords[kw], Confidence: 1.0}
			break
		}
	}
	msg.Set(engine.AttrIntent, intent, k.name)
	return nil
}

// Persist writes the keyword map.
func (k *KeywordIntentClassifier) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	return writeState(dir, keywordState{Keywords: k.keywords})
}
