package components

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// CountVectorsFeaturizerType is the registered type of CountVectorsFeaturizer.
const CountVectorsFeaturizerType = "CountVectorsFeaturizer"

// ContextKeyVocabularySize is the shared context key the featurizer writes
// its vocabulary size to.
const ContextKeyVocabularySize = "featurizer.vocabulary_size"

// Analyzers.
const (
	AnalyzerWord = "word"
	AnalyzerChar = "char"
)

// CountVectorsFeaturizer builds bag-of-words (or character n-gram) count
// features over a vocabulary learned from the training data.
type CountVectorsFeaturizer struct {
	name  string
	cfg   countVectorsParams
	vocab map[string]int
}

type countVectorsParams struct {
	Analyzer    string `yaml:"analyzer" json:"analyzer"`
	MinNgram    int    `yaml:"min_ngram" json:"min_ngram"`
	MaxNgram    int    `yaml:"max_ngram" json:"max_ngram"`
	Lowercase   bool   `yaml:"lowercase" json:"lowercase"`
	MinDF       int    `yaml:"min_df" json:"min_df"`
	MaxFeatures int    `yaml:"max_features" json:"max_features"`
	Pooling     string `yaml:"pooling" json:"pooling"`
}

func (p countVectorsParams) validate() error {
	if p.Analyzer != AnalyzerWord && p.Analyzer != AnalyzerChar {
		return fmt.Errorf("analyzer must be %q or %q, got %q", AnalyzerWord, AnalyzerChar, p.Analyzer)
	}
	if p.MinNgram < 1 || p.MaxNgram < p.MinNgram {
		return fmt.Errorf("invalid n-gram range [%d, %d]", p.MinNgram, p.MaxNgram)
	}
	if p.Pooling != PoolingMean && p.Pooling != PoolingMax {
		return fmt.Errorf("pooling must be %q or %q, got %q", PoolingMean, PoolingMax, p.Pooling)
	}
	return nil
}

type countVectorsState struct {
	Vocabulary map[string]int `json:"vocabulary"`
}

func decodeCountVectorsParams(params engine.Params) (countVectorsParams, error) {
	var p countVectorsParams
	if err := params.Decode(&p); err != nil {
		return p, err
	}
	return p, p.validate()
}

func describeCountVectors(params engine.Params) (engine.Descriptor, error) {
	if _, err := decodeCountVectorsParams(params); err != nil {
		return engine.Descriptor{}, err
	}
	return engine.Descriptor{
		Requires:            []engine.Capability{engine.CapabilityTokens},
		Provides:            []engine.Capability{engine.CapabilityTextFeatures},
		Writes:              []string{ContextKeyVocabularySize},
		Trainable:           true,
		ProcessTrainingData: true,
	}, nil
}

func newCountVectorsFeaturizer(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	p, err := decodeCountVectorsParams(params)
	if err != nil {
		return nil, err
	}
	return &CountVectorsFeaturizer{name: name, cfg: p}, nil
}

func loadCountVectorsFeaturizer(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, err := newCountVectorsFeaturizer(name, params, nil)
	if err != nil {
		return nil, err
	}
	f := c.(*CountVectorsFeaturizer)
	var state countVectorsState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	f.vocab = state.Vocabulary
	return f, nil
}

// Name implements engine.Component.
func (f *CountVectorsFeaturizer) Name() string { return f.name }

// VocabularySize returns the number of learned features.
func (f *CountVectorsFeaturizer) VocabularySize() int { return len(f.vocab) }

// Train learns the vocabulary from the tokens of every training example.
func (f *CountVectorsFeaturizer) Train(ctx context.Context, data *engine.TrainingData, sc *engine.SharedContext) error {
	df := make(map[string]int)
	for _, ex := range data.Examples {
		tokens, ok := Tokens(ex)
		if !ok {
			return fmt.Errorf("training example %q has no tokens", ex.Text)
		}
		seen := make(map[string]bool)
		for _, tok := range tokens {
			for _, term := range f.terms(tok.Text) {
				if !seen[term] {
					seen[term] = true
					df[term]++
				}
			}
		}
	}

	terms := make([]string, 0, len(df))
	for term, n := range df {
		if n >= f.cfg.MinDF {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return errors.New("vocabulary is empty, check min_df and the training data")
	}

	if f.cfg.MaxFeatures > 0 && len(terms) > f.cfg.MaxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if df[terms[i]] != df[terms[j]] {
				return df[terms[i]] > df[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:f.cfg.MaxFeatures]
	}
	sort.Strings(terms)

	f.vocab = make(map[string]int, len(terms))
	for i, term := range terms {
		f.vocab[term] = i
	}
	sc.Set(ContextKeyVocabularySize, len(f.vocab), f.name)
	telemetry.FromContext(ctx).WithField("vocabulary_size", len(f.vocab)).Debug("vocabulary trained")
	return nil
}

// Process writes sequence and sentence features, combined with features an
// earlier featurizer already wrote.
func (f *CountVectorsFeaturizer) Process(_ context.Context, msg *engine.Message, sc *engine.SharedContext) error {
	if f.vocab == nil {
		return errors.New("featurizer has no vocabulary")
	}
	tokens, ok := Tokens(msg)
	if !ok {
		return errors.New("message has no tokens")
	}

	dim := len(f.vocab)
	rows := make([][]float64, len(tokens))
	for i, tok := range tokens {
		row := make([]float64, dim)
		for _, term := range f.terms(tok.Text) {
			if j, ok := f.vocab[term]; ok {
				row[j]++
			}
		}
		rows[i] = row
	}

	sentence, err := PoolSequence(rows, dim, f.cfg.Pooling)
	if err != nil {
		return err
	}
	if err := SetFeatures(msg, f.name, Features{Sequence: rows, Sentence: sentence, Origin: []string{f.name}}); err != nil {
		return fmt.Errorf("failed to combine features: %w", err)
	}
	sc.Set(ContextKeyVocabularySize, dim, f.name)
	return nil
}

// Persist writes the vocabulary.
func (f *CountVectorsFeaturizer) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	meta, err := writeState(dir, countVectorsState{Vocabulary: f.vocab})
	if err != nil {
		return nil, err
	}
	meta["vocabulary_size"] = len(f.vocab)
	return meta, nil
}

func (f *CountVectorsFeaturizer) terms(token string) []string {
	if f.cfg.Lowercase {
		token = strings.ToLower(token)
	}
	if f.cfg.Analyzer == AnalyzerWord {
		return []string{token}
	}

	padded := []rune(" " + token + " ")
	var out []string
	for n := f.cfg.MinNgram; n <= f.cfg.MaxNgram; n++ {
		for i := 0; i+n <= len(padded); i++ {
			out = append(out, string(padded[i:i+n]))
		}
	}
	return out
}
