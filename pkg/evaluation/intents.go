package evaluation

// IntentResult pairs the gold intent of a test example with the
// prediction.
type IntentResult struct {
	Text       string  `json:"text"`
	Target     string  `json:"intent"`
	Prediction string  `json:"predicted"`
	Confidence float64 `json:"confidence"`
}

// IntentEvaluation is the outcome of EvaluateIntents.
type IntentEvaluation struct {
	Report
	Predictions []IntentResult `json:"predictions"`
	Errors      []IntentResult `json:"errors"`
}

// EvaluateIntents computes intent metrics over results with a target
// intent. Results without a target are ignored.
func EvaluateIntents(results []IntentResult) IntentEvaluation {
	kept := make([]IntentResult, 0, len(results))
	for _, r := range results {
		if r.Target != "" {
			kept = append(kept, r)
		}
	}

	targets := make([]string, len(kept))
	predictions := make([]string, len(kept))
	var errs []IntentResult
	for i, r := range kept {
		targets[i], predictions[i] = r.Target, r.Prediction
		if r.Target != r.Prediction {
			errs = append(errs, r)
		}
	}
	return IntentEvaluation{
		Report:      Metrics(targets, predictions, ""),
		Predictions: kept,
		Errors:      errs,
	}
}

// ResponseResult pairs the gold response key of a retrieval intent example
// with the selected one.
type ResponseResult struct {
	Text         string  `json:"text"`
	IntentTarget string  `json:"intent_target"`
	Target       string  `json:"response_target"`
	Prediction   string  `json:"response_predicted"`
	Confidence   float64 `json:"confidence"`
}

// ResponseEvaluation is the outcome of EvaluateResponses.
type ResponseEvaluation struct {
	Report
	Predictions []ResponseResult `json:"predictions"`
	Errors      []ResponseResult `json:"errors"`
}

// EvaluateResponses computes response selection metrics over results with
// a target response.
func EvaluateResponses(results []ResponseResult) ResponseEvaluation {
	kept := make([]ResponseResult, 0, len(results))
	for _, r := range results {
		if r.Target != "" {
			kept = append(kept, r)
		}
	}

	targets := make([]string, len(kept))
	predictions := make([]string, len(kept))
	var errs []ResponseResult
	for i, r := range kept {
		targets[i], predictions[i] = r.Target, r.Prediction
		if r.Target != r.Prediction {
			errs = append(errs, r)
		}
	}
	return ResponseEvaluation{
		Report:      Metrics(targets, predictions, ""),
		Predictions: kept,
		Errors:      errs,
	}
}
