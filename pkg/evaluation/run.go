package evaluation

import (
	"context"
	"fmt"

	"github.com/zylhub/rasa/pkg/components"
	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
	"github.com/zylhub/rasa/pkg/trainingdata"
)

// Results is the evaluation of a trained pipeline on test data. Sections
// are nil when the pipeline or the data give nothing to evaluate.
type Results struct {
	Intents   *IntentEvaluation   `json:"intent_evaluation,omitempty"`
	Responses *ResponseEvaluation `json:"response_selection_evaluation,omitempty"`
	Entities  map[string]Report   `json:"entity_evaluation,omitempty"`
}

// Extractors returns the names of the steps that provide entities.
func Extractors(p *engine.Pipeline) []string {
	var out []string
	for _, step := range p.Steps() {
		if step.Descriptor.ProvidesCapability(engine.CapabilityEntities) {
			out = append(out, step.Name)
		}
	}
	return out
}

func provides(p *engine.Pipeline, c engine.Capability) bool {
	for _, step := range p.Steps() {
		if step.Descriptor.ProvidesCapability(c) {
			return true
		}
	}
	return false
}

// Run parses every test example with a trained pipeline and evaluates the
// intents, selected responses and entities it predicts.
func Run(ctx context.Context, p *engine.Pipeline, data *engine.TrainingData) (*Results, error) {
	logger := telemetry.FromContext(ctx)

	msgs := make([]*engine.Message, len(data.Examples))
	for i, ex := range data.Examples {
		msgs[i] = engine.NewMessage(ex.Text)
	}
	parsed, err := p.ProcessBatch(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse test data: %w", err)
	}

	var (
		intents   []IntentResult
		responses []ResponseResult
		entities  []EntityResult
		fallback  components.WhitespaceTokenizer
	)
	for i, ex := range data.Examples {
		res := parsed[i]

		ir := IntentResult{Text: ex.Text, Target: ex.IntentName()}
		if res.Intent != nil {
			ir.Prediction, ir.Confidence = res.Intent.Name, res.Intent.Confidence
		}
		intents = append(intents, ir)

		if key, ok := engine.AttributeValue[string](ex, engine.AttrIntentResponseKey); ok && key != "" {
			responses = append(responses, responseResult(ex, key, res))
		}

		tokens, ok := components.Tokens(res.Message)
		if !ok {
			tokens = fallback.Tokenize(ex.Text)
		}
		entities = append(entities, EntityResult{
			Text:        ex.Text,
			Targets:     ex.Entities(),
			Predictions: res.Entities,
			Tokens:      tokens,
		})
	}

	out := &Results{}
	if provides(p, engine.CapabilityIntent) && len(data.Intents()) >= 2 {
		ev := EvaluateIntents(intents)
		out.Intents = &ev
		logger.WithFields(map[string]interface{}{
			"accuracy": ev.Accuracy,
			"f1_score": ev.F1,
			"errors":   len(ev.Errors),
		}).Info("Evaluated intents")
	}
	if provides(p, engine.CapabilityResponse) && len(responses) > 0 {
		ev := EvaluateResponses(responses)
		out.Responses = &ev
		logger.WithFields(map[string]interface{}{
			"accuracy": ev.Accuracy,
			"errors":   len(ev.Errors),
		}).Info("Evaluated response selection")
	}
	if extractors := Extractors(p); len(extractors) > 0 {
		reports, err := EvaluateEntities(entities, extractors)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate entities: %w", err)
		}
		out.Entities = reports
		for name, r := range reports {
			logger.WithFields(map[string]interface{}{
				"extractor": name,
				"f1_score":  r.F1,
			}).Info("Evaluated entities")
		}
	}
	return out, nil
}

func responseResult(ex *engine.Message, key string, res *engine.Result) ResponseResult {
	base, _ := engine.SplitRetrievalIntent(key)
	rr := ResponseResult{Text: ex.Text, IntentTarget: base, Target: key}

	sel, ok := res.ResponseSelector[base]
	if !ok {
		sel, ok = res.ResponseSelector[components.DefaultRetrievalIntent]
	}
	if ok {
		rr.Prediction = sel.Response.ResponseKey
		rr.Confidence = sel.Response.Confidence
	}
	return rr
}

// DropIntentsBelowFrequency removes the examples of intents with fewer
// than cutoff examples. Examples without an intent are kept.
func DropIntentsBelowFrequency(data *engine.TrainingData, cutoff int) *engine.TrainingData {
	counts := make(map[string]int)
	for _, ex := range data.Examples {
		counts[ex.IntentName()]++
	}
	kept := make([]*engine.Message, 0, len(data.Examples))
	for _, ex := range data.Examples {
		if name := ex.IntentName(); name == "" || counts[name] >= cutoff {
			kept = append(kept, ex)
		}
	}
	return trainingdata.Subset(data, kept)
}
