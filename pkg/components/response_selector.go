package components

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zylhub/rasa/pkg/engine"
	"gonum.org/v1/gonum/floats"
)

// ResponseSelectorType is the registered type of ResponseSelector.
const ResponseSelectorType = "ResponseSelector"

// DefaultRetrievalIntent keys the selection when no retrieval intent is
// configured.
const DefaultRetrievalIntent = "default"

// ResponseSelector picks a response for retrieval intents such as
// "chitchat/ask_name" by comparing the message features to the mean
// features of every response key's examples.
type ResponseSelector struct {
	name      string
	cfg       responseSelectorParams
	keys      []string
	centroids [][]float64
	responses map[string][]string
}

type responseSelectorParams struct {
	RetrievalIntent string  `yaml:"retrieval_intent"`
	RankingLength   int     `yaml:"ranking_length"`
	Temperature     float64 `yaml:"temperature"`
}

type responseSelectorState struct {
	Keys      []string            `json:"keys"`
	Centroids [][]float64         `json:"centroids"`
	Responses map[string][]string `json:"responses"`
}

func newResponseSelector(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p responseSelectorParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Temperature <= 0 {
		return nil, errors.New("temperature must be positive")
	}
	return &ResponseSelector{name: name, cfg: p}, nil
}

func loadResponseSelector(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, err := newResponseSelector(name, params, nil)
	if err != nil {
		return nil, err
	}
	r := c.(*ResponseSelector)
	var state responseSelectorState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	if len(state.Keys) != len(state.Centroids) {
		return nil, fmt.Errorf("state has %d keys but %d centroids", len(state.Keys), len(state.Centroids))
	}
	r.keys, r.centroids, r.responses = state.Keys, state.Centroids, state.Responses
	return r, nil
}

// Name implements engine.Component.
func (r *ResponseSelector) Name() string { return r.name }

func (r *ResponseSelector) selectorKey() string {
	if r.cfg.RetrievalIntent == "" {
		return DefaultRetrievalIntent
	}
	return r.cfg.RetrievalIntent
}

// Train builds one centroid per full retrieval intent. Only examples of
// the configured retrieval intent are used; all retrieval intents are used
// when none is configured.
func (r *ResponseSelector) Train(_ context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	sums := make(map[string][]float64)
	counts := make(map[string]int)

	for _, ex := range data.Examples {
		key, ok := engine.AttributeValue[string](ex, engine.AttrIntentResponseKey)
		if !ok || key == "" {
			continue
		}
		base, _ := engine.SplitRetrievalIntent(key)
		if r.cfg.RetrievalIntent != "" && base != r.cfg.RetrievalIntent {
			continue
		}
		f, ok := TextFeatures(ex)
		if !ok {
			return fmt.Errorf("training example %q has no features", ex.Text)
		}
		if _, ok := sums[key]; !ok {
			sums[key] = make([]float64, f.Dim())
		} else if len(sums[key]) != f.Dim() {
			return fmt.Errorf("feature dimension %d differs from %d", f.Dim(), len(sums[key]))
		}
		floats.Add(sums[key], f.Sentence)
		counts[key]++
	}
	if len(sums) == 0 {
		return fmt.Errorf("no training examples for retrieval intent %q", r.selectorKey())
	}

	r.keys = make([]string, 0, len(sums))
	for key := range sums {
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	r.centroids = make([][]float64, len(r.keys))
	r.responses = make(map[string][]string, len(r.keys))
	for i, key := range r.keys {
		floats.Scale(1/float64(counts[key]), sums[key])
		r.centroids[i] = sums[key]
		r.responses[key] = data.Responses[key]
	}
	return nil
}

// Process adds this selector's entry to the response selector map.
func (r *ResponseSelector) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	if len(r.centroids) == 0 {
		return errors.New("response selector has not been trained")
	}
	f, ok := TextFeatures(msg)
	if !ok {
		return errors.New("message has no features")
	}
	if f.Dim() != len(r.centroids[0]) {
		return fmt.Errorf("feature dimension %d, trained on %d", f.Dim(), len(r.centroids[0]))
	}

	scores := make([]float64, len(r.centroids))
	for i, centroid := range r.centroids {
		scores[i] = CosineSimilarity(f.Sentence, centroid)
	}
	probs := Softmax(scores, r.cfg.Temperature)

	ranking := make([]engine.ResponseCandidate, len(r.keys))
	for i, key := range r.keys {
		ranking[i] = engine.ResponseCandidate{ResponseKey: key, Confidence: probs[i]}
		if texts := r.responses[key]; len(texts) > 0 {
			ranking[i].Response = texts[0]
		}
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].Confidence > ranking[j].Confidence })
	if r.cfg.RankingLength > 0 && len(ranking) > r.cfg.RankingLength {
		ranking = ranking[:r.cfg.RankingLength]
	}

	selections := make(map[string]engine.ResponseSelection)
	if existing, ok := engine.AttributeValue[map[string]engine.ResponseSelection](msg, engine.AttrResponseSelector); ok {
		for k, v := range existing {
			selections[k] = v
		}
	}
	selections[r.selectorKey()] = engine.ResponseSelection{
		RetrievalIntent: r.cfg.RetrievalIntent,
		Response:        ranking[0],
		Ranking:         ranking,
	}
	msg.Set(engine.AttrResponseSelector, selections, r.name)
	return nil
}

// Persist writes the response keys, centroids and texts.
func (r *ResponseSelector) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	meta, err := writeState(dir, responseSelectorState{Keys: r.keys, Centroids: r.centroids, Responses: r.responses})
	if err != nil {
		return nil, err
	}
	meta["retrieval_intent"] = r.selectorKey()
	return meta, nil
}
