package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/stat"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
	"github.com/zylhub/rasa/pkg/trainingdata"
)

// Fold is one train/test split.
type Fold struct {
	Train *engine.TrainingData
	Test  *engine.TrainingData
}

// StratifiedFolds splits data into n folds that keep the intent
// distribution of the whole corpus. Examples of each intent are shuffled
// with seed and dealt round robin.
func StratifiedFolds(data *engine.TrainingData, n int, seed int64) ([]Fold, error) {
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", n)
	}
	if len(data.Examples) < n {
		return nil, fmt.Errorf("%d examples cannot fill %d folds", len(data.Examples), n)
	}

	byIntent := make(map[string][]*engine.Message)
	for _, ex := range data.Examples {
		byIntent[ex.IntentName()] = append(byIntent[ex.IntentName()], ex)
	}
	intents := make([]string, 0, len(byIntent))
	for name := range byIntent {
		intents = append(intents, name)
	}
	sort.Strings(intents)

	rng := rand.New(rand.NewSource(seed))
	buckets := make([][]*engine.Message, n)
	next := 0
	for _, name := range intents {
		examples := append([]*engine.Message(nil), byIntent[name]...)
		rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })
		for _, ex := range examples {
			buckets[next] = append(buckets[next], ex)
			next = (next + 1) % n
		}
	}

	folds := make([]Fold, n)
	for i := range folds {
		var train []*engine.Message
		for j, b := range buckets {
			if j != i {
				train = append(train, b...)
			}
		}
		folds[i] = Fold{
			Train: trainingdata.Subset(data, train),
			Test:  trainingdata.Subset(data, buckets[i]),
		}
	}
	return folds, nil
}

// Score is the mean and standard deviation of a metric over folds.
type Score struct {
	Values []float64 `json:"values"`
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
}

func newScore(values []float64) Score {
	s := Score{Values: values}
	if len(values) > 1 {
		s.Mean, s.Std = stat.MeanStdDev(values, nil)
	} else if len(values) == 1 {
		s.Mean = values[0]
	}
	return s
}

// CrossValidation holds per-fold metrics keyed by metric name, e.g.
// "Accuracy", for the train and test splits.
type CrossValidation struct {
	Folds  int                         `json:"folds"`
	Intent map[string]map[string]Score `json:"intent"`
	Entity map[string]map[string]Score `json:"entity"`
}

// BuildFunc returns a fresh, untrained pipeline.
type BuildFunc func(ctx context.Context) (*engine.Pipeline, error)

// CrossValidate trains a new pipeline on every fold and evaluates it on
// both sides of the split.
func CrossValidate(ctx context.Context, build BuildFunc, data *engine.TrainingData, folds int, seed int64) (_ *CrossValidation, err error) {
	if build == nil {
		return nil, errors.New("build function is required")
	}
	splits, err := StratifiedFolds(data, folds, seed)
	if err != nil {
		return nil, err
	}

	op := telemetry.StartOperation(ctx, "evaluation.cross_validate", attribute.Int("folds", folds))
	defer func() { op.End(err) }()
	ctx, logger := op.Ctx, op.Logger

	intent := map[string]map[string][]float64{"train": {}, "test": {}}
	entity := map[string]map[string][]float64{}
	for i, fold := range splits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Infof("Cross validation fold %d/%d", i+1, folds)

		p, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipeline for fold %d: %w", i+1, err)
		}
		if _, err := p.Train(ctx, fold.Train.Clone()); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to train fold %d: %w", i+1, err)
		}
		for split, part := range map[string]*engine.TrainingData{"train": fold.Train, "test": fold.Test} {
			res, err := Run(ctx, p, part)
			if err != nil {
				_ = p.Close()
				return nil, fmt.Errorf("failed to evaluate fold %d: %w", i+1, err)
			}
			if res.Intents != nil {
				collect(intent[split], res.Intents.Report)
			}
			for name, r := range res.Entities {
				key := split + ":" + name
				if entity[key] == nil {
					entity[key] = map[string][]float64{}
				}
				collect(entity[key], r)
			}
		}
		if err := p.Close(); err != nil {
			return nil, err
		}
	}

	out := &CrossValidation{
		Folds:  folds,
		Intent: make(map[string]map[string]Score),
		Entity: make(map[string]map[string]Score),
	}
	for split, metrics := range intent {
		if len(metrics) > 0 {
			out.Intent[split] = scores(metrics)
		}
	}
	for key, metrics := range entity {
		out.Entity[key] = scores(metrics)
	}
	return out, nil
}

func collect(into map[string][]float64, r Report) {
	into["Accuracy"] = append(into["Accuracy"], r.Accuracy)
	into["Precision"] = append(into["Precision"], r.Precision)
	into["F1-score"] = append(into["F1-score"], r.F1)
}

func scores(metrics map[string][]float64) map[string]Score {
	out := make(map[string]Score, len(metrics))
	for name, values := range metrics {
		out[name] = newScore(values)
	}
	return out
}
