package components

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/zylhub/rasa/pkg/engine"
	"gonum.org/v1/gonum/floats"
)

// CentroidIntentClassifierType is the registered type of CentroidIntentClassifier.
const CentroidIntentClassifierType = "CentroidIntentClassifier"

// CentroidIntentClassifier scores each intent by the cosine similarity of
// the message's sentence features to the intent's mean training vector and
// turns the scores into a softmax ranking.
type CentroidIntentClassifier struct {
	name      string
	cfg       centroidParams
	intents   []string
	centroids [][]float64
}

type centroidParams struct {
	RankingLength int     `yaml:"ranking_length"`
	Temperature   float64 `yaml:"temperature"`
}

type centroidState struct {
	Intents   []string    `json:"intents"`
	Centroids [][]float64 `json:"centroids"`
}

func newCentroidIntentClassifier(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p centroidParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Temperature <= 0 {
		return nil, errors.New("temperature must be positive")
	}
	return &CentroidIntentClassifier{name: name, cfg: p}, nil
}

func loadCentroidIntentClassifier(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, err := newCentroidIntentClassifier(name, params, nil)
	if err != nil {
		return nil, err
	}
	x := c.(*CentroidIntentClassifier)
	var state centroidState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	if len(state.Intents) != len(state.Centroids) {
		return nil, fmt.Errorf("state has %d intents but %d centroids", len(state.Intents), len(state.Centroids))
	}
	x.intents, x.centroids = state.Intents, state.Centroids
	return x, nil
}

// Name implements engine.Component.
func (c *CentroidIntentClassifier) Name() string { return c.name }

// Train averages the sentence features of every intent's examples.
func (c *CentroidIntentClassifier) Train(_ context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	sums := make(map[string][]float64)
	counts := make(map[string]int)
	dim := -1

	for _, ex := range data.IntentExamples() {
		f, ok := TextFeatures(ex)
		if !ok {
			return fmt.Errorf("training example %q has no features", ex.Text)
		}
		if dim < 0 {
			dim = f.Dim()
		} else if f.Dim() != dim {
			return fmt.Errorf("feature dimension %d differs from %d", f.Dim(), dim)
		}
		intent := ex.IntentName()
		if _, ok := sums[intent]; !ok {
			sums[intent] = make([]float64, dim)
		}
		floats.Add(sums[intent], f.Sentence)
		counts[intent]++
	}
	if len(sums) < 2 {
		return fmt.Errorf("need at least two intents to train, found %d", len(sums))
	}

	c.intents = make([]string, 0, len(sums))
	for intent := range sums {
		c.intents = append(c.intents, intent)
	}
	sort.Strings(c.intents)
	c.centroids = make([][]float64, len(c.intents))
	for i, intent := range c.intents {
		centroid := sums[intent]
		floats.Scale(1/float64(counts[intent]), centroid)
		c.centroids[i] = centroid
	}
	return nil
}

// Process writes the best intent and the ranking.
func (c *CentroidIntentClassifier) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	if len(c.centroids) == 0 {
		return errors.New("classifier has not been trained")
	}
	f, ok := TextFeatures(msg)
	if !ok {
		return errors.New("message has no features")
	}
	if f.Dim() != len(c.centroids[0]) {
		return fmt.Errorf("feature dimension %d, trained on %d", f.Dim(), len(c.centroids[0]))
	}

	scores := make([]float64, len(c.centroids))
	for i, centroid := range c.centroids {
		scores[i] = CosineSimilarity(f.Sentence, centroid)
	}
	probs := Softmax(scores, c.cfg.Temperature)

	ranking := make([]engine.Intent, len(c.intents))
	for i, intent := range c.intents {
		ranking[i] = engine.Intent{Name: intent, Confidence: probs[i]}
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].Confidence > ranking[j].Confidence })
	if c.cfg.RankingLength > 0 && len(ranking) > c.cfg.RankingLength {
		ranking = ranking[:c.cfg.RankingLength]
	}

	best := ranking[0]
	if floats.Norm(f.Sentence, 1) == 0 {
		// Nothing known about the message.
		best = engine.Intent{}
	}
	msg.Set(engine.AttrIntent, best, c.name)
	msg.Set(engine.AttrIntentRanking, ranking, c.name)
	return nil
}

// Persist writes the intents and centroids.
func (c *CentroidIntentClassifier) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	meta, err := writeState(dir, centroidState{Intents: c.intents, Centroids: c.centroids})
	if err != nil {
		return nil, err
	}
	meta["intents"] = len(c.intents)
	return meta, nil
}

// Softmax converts scores into probabilities. Lower temperatures sharpen
// the distribution.
func Softmax(scores []float64, temperature float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxScore := floats.Max(scores)
	for i, s := range scores {
		out[i] = math.Exp((s - maxScore) / temperature)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
