package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// stubComponent delegates to hooks so tests can build pipelines from small
// pieces of behavior.
type stubComponent struct {
	name    string
	process func(ctx context.Context, msg *Message, sc *SharedContext) error
	train   func(ctx context.Context, data *TrainingData, sc *SharedContext) error
}

func (s *stubComponent) Name() string { return s.name }

func (s *stubComponent) Process(ctx context.Context, msg *Message, sc *SharedContext) error {
	if s.process == nil {
		return nil
	}
	return s.process(ctx, msg, sc)
}

func (s *stubComponent) Train(ctx context.Context, data *TrainingData, sc *SharedContext) error {
	if s.train == nil {
		return nil
	}
	return s.train(ctx, data, sc)
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// vocabFeaturizer learns a vocabulary and writes bag-of-words counts.
type vocabFeaturizer struct {
	name  string
	vocab map[string]int
}

func (f *vocabFeaturizer) Name() string { return f.name }

func (f *vocabFeaturizer) Train(_ context.Context, data *TrainingData, _ *SharedContext) error {
	f.vocab = make(map[string]int)
	var words []string
	for _, ex := range data.Examples {
		tokens, ok := AttributeValue[[]string](ex, AttrTokens)
		if !ok {
			return errors.New("example has no tokens")
		}
		for _, tok := range tokens {
			if _, seen := f.vocab[tok]; !seen {
				f.vocab[tok] = 0
				words = append(words, tok)
			}
		}
	}
	sort.Strings(words)
	for i, w := range words {
		f.vocab[w] = i
	}
	return nil
}

func (f *vocabFeaturizer) Process(_ context.Context, msg *Message, sc *SharedContext) error {
	tokens, ok := AttributeValue[[]string](msg, AttrTokens)
	if !ok {
		return errors.New("message has no tokens")
	}
	features := make([]float64, len(f.vocab))
	for _, tok := range tokens {
		if i, ok := f.vocab[tok]; ok {
			features[i]++
		}
	}
	msg.Set(AttrTextFeatures, features, f.name)
	sc.Set("featurizer.vocabulary_size", len(f.vocab), f.name)
	return nil
}

func (f *vocabFeaturizer) Persist(_ context.Context, dir string) (Metadata, error) {
	raw, err := yaml.Marshal(f.vocab)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "vocab.yaml"), raw, 0o644); err != nil {
		return nil, err
	}
	return Metadata{"file": "vocab.yaml", "size": len(f.vocab)}, nil
}

// keywordClassifier maps each token to the intent it was seen with most.
type keywordClassifier struct {
	name     string
	keywords map[string]string
}

func (c *keywordClassifier) Name() string { return c.name }

func (c *keywordClassifier) Train(_ context.Context, data *TrainingData, _ *SharedContext) error {
	c.keywords = make(map[string]string)
	for _, ex := range data.IntentExamples() {
		for _, tok := range tokenize(ex.Text) {
			if _, ok := c.keywords[tok]; !ok {
				c.keywords[tok] = ex.IntentName()
			}
		}
	}
	return nil
}

func (c *keywordClassifier) Process(_ context.Context, msg *Message, sc *SharedContext) error {
	if _, ok := sc.Get("featurizer.vocabulary_size"); !ok {
		return errors.New("vocabulary size missing from context")
	}
	votes := make(map[string]int)
	tokens, _ := AttributeValue[[]string](msg, AttrTokens)
	for _, tok := range tokens {
		if intent, ok := c.keywords[tok]; ok {
			votes[intent]++
		}
	}
	best, bestVotes := "", 0
	names := make([]string, 0, len(votes))
	for name := range votes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if votes[name] > bestVotes {
			best, bestVotes = name, votes[name]
		}
	}
	if best == "" {
		msg.Set(AttrIntent, Intent{}, c.name)
		return nil
	}
	msg.Set(AttrIntent, Intent{Name: best, Confidence: float64(bestVotes) / float64(len(tokens))}, c.name)
	return nil
}

func (c *keywordClassifier) Persist(_ context.Context, dir string) (Metadata, error) {
	raw, err := yaml.Marshal(c.keywords)
	if err != nil {
		return nil, err
	}
	return Metadata{"file": "keywords.yaml"}, os.WriteFile(filepath.Join(dir, "keywords.yaml"), raw, 0o644)
}

func loadYAML(dir, file string, target interface{}) error {
	raw, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, target)
}

// newTestRegistry registers the stub components used across the tests:
// tokenizer, featurizer, extractor, classifier, overrider, synonyms,
// failing, panicking and context probes.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	reg.MustRegister(Factory{
		Type:       "tokenizer",
		Descriptor: Descriptor{Provides: []Capability{CapabilityTokens}, ProcessTrainingData: true},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, _ *SharedContext) error {
				msg.Set(AttrTokens, tokenize(msg.Text), name)
				return nil
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type: "featurizer",
		Descriptor: Descriptor{
			Requires:            []Capability{CapabilityTokens},
			Provides:            []Capability{CapabilityTextFeatures},
			Writes:              []string{"featurizer.vocabulary_size"},
			Trainable:           true,
			ProcessTrainingData: true,
		},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &vocabFeaturizer{name: name}, nil
		},
		Load: func(name string, _ Params, meta Metadata, dir string) (Component, error) {
			f := &vocabFeaturizer{name: name}
			file, _ := meta["file"].(string)
			if err := loadYAML(dir, file, &f.vocab); err != nil {
				return nil, err
			}
			return f, nil
		},
	})

	reg.MustRegister(Factory{
		Type:       "extractor",
		Descriptor: Descriptor{Requires: []Capability{CapabilityTokens}, Provides: []Capability{CapabilityEntities}},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, _ *SharedContext) error {
				var found []Entity
				offset := 0
				for _, word := range strings.Fields(msg.Text) {
					start := strings.Index(msg.Text[offset:], word) + offset
					offset = start + len(word)
					if word[0] >= 'A' && word[0] <= 'Z' {
						found = append(found, Entity{
							Start: start, End: start + len(word), Value: word,
							Entity: "name", Confidence: 0.8,
						})
					}
				}
				msg.AddEntities(name, found...)
				return nil
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type: "classifier",
		Descriptor: Descriptor{
			Requires:  []Capability{CapabilityTextFeatures},
			Provides:  []Capability{CapabilityIntent},
			Reads:     []string{"featurizer.vocabulary_size"},
			Trainable: true,
		},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &keywordClassifier{name: name}, nil
		},
		Load: func(name string, _ Params, meta Metadata, dir string) (Component, error) {
			c := &keywordClassifier{name: name}
			file, _ := meta["file"].(string)
			if err := loadYAML(dir, file, &c.keywords); err != nil {
				return nil, err
			}
			return c, nil
		},
	})

	reg.MustRegister(Factory{
		Type:       "overrider",
		Descriptor: Descriptor{Provides: []Capability{CapabilityIntent}},
		Defaults:   Params{"intent": "override"},
		Create: func(name string, params Params, _ *SharedContext) (Component, error) {
			intent := params.String("intent", "")
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, _ *SharedContext) error {
				msg.Set(AttrIntent, Intent{Name: intent, Confidence: 0.5}, name)
				return nil
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type:       "synonyms",
		Descriptor: Descriptor{Requires: []Capability{CapabilityEntities}},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, _ *SharedContext) error {
				for i := range msg.Entities() {
					if err := msg.UpdateEntity(i, name, func(e *Entity) {
						e.Value = strings.ToLower(e.Value)
					}); err != nil {
						return err
					}
				}
				return nil
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type:     "failing",
		Describe: describeTrainable,
		Create: func(name string, params Params, _ *SharedContext) (Component, error) {
			phase := params.String("phase", "process")
			s := &stubComponent{name: name}
			if phase == "train" {
				s.train = func(context.Context, *TrainingData, *SharedContext) error {
					return errors.New("boom in train")
				}
			} else {
				s.process = func(context.Context, *Message, *SharedContext) error {
					return errors.New("boom in process")
				}
			}
			return s, nil
		},
	})

	reg.MustRegister(Factory{
		Type: "panicking",
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(context.Context, *Message, *SharedContext) error {
				panic("unexpected state")
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type:       "context_writer",
		Descriptor: Descriptor{Writes: []string{"probe.value"}},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, sc *SharedContext) error {
				if _, exists := sc.Get("probe.value"); exists {
					return errors.New("context leaked from a previous run")
				}
				sc.Set("probe.value", msg.Text, name)
				return nil
			}}, nil
		},
	})

	reg.MustRegister(Factory{
		Type:       "context_reader",
		Descriptor: Descriptor{Reads: []string{"probe.value"}},
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &stubComponent{name: name, process: func(_ context.Context, msg *Message, sc *SharedContext) error {
				v, ok := ContextValue[string](sc, "probe.value")
				if !ok {
					return errors.New("probe.value missing")
				}
				msg.Set("probe", v, name)
				return nil
			}}, nil
		},
	})

	return reg
}

func describeTrainable(params Params) (Descriptor, error) {
	phase := params.String("phase", "process")
	if phase != "train" && phase != "process" {
		return Descriptor{}, fmt.Errorf("unknown phase %q", phase)
	}
	return Descriptor{Trainable: phase == "train"}, nil
}

func steps(components ...string) PipelineConfig {
	cfg := PipelineConfig{Language: "en"}
	for _, c := range components {
		cfg.Steps = append(cfg.Steps, StepConfig{Component: c})
	}
	return cfg
}

func testCorpus() *TrainingData {
	return &TrainingData{
		Examples: []*Message{
			NewTrainingExample("hello there", "greet", nil),
			NewTrainingExample("hi friend", "greet", nil),
			NewTrainingExample("goodbye now", "bye", nil),
			NewTrainingExample("see you later", "bye", nil),
		},
	}
}

func buildAndTrain(t *testing.T, reg *Registry, cfg PipelineConfig, opts ...Option) *Pipeline {
	t.Helper()
	p, err := reg.Build(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := p.Train(context.Background(), testCorpus()); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	return p
}
