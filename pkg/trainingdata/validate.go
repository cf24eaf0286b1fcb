package trainingdata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a problem found in training data.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	return i.Severity + ": " + i.Message
}

// ValidateOptions tunes Validate.
type ValidateOptions struct {
	// MinExamplesPerIntent reports intents with fewer examples as warnings.
	MinExamplesPerIntent int
}

// Validate checks data for problems that make training unreliable.
// Identical texts labeled with different intents, entity spans outside
// their text and retrieval intents without responses are errors.
func Validate(data *engine.TrainingData, opts ValidateOptions) []Issue {
	var issues []Issue
	add := func(severity, format string, args ...interface{}) {
		issues = append(issues, Issue{Severity: severity, Message: fmt.Sprintf(format, args...)})
	}

	labels := make(map[string]map[string]bool)
	counts := make(map[string]int)
	for _, ex := range data.Examples {
		intent := FullIntent(ex)
		if intent == "" {
			continue
		}
		counts[intent]++
		text := strings.TrimSpace(strings.ToLower(ex.Text))
		if labels[text] == nil {
			labels[text] = make(map[string]bool)
		}
		labels[text][intent] = true

		for _, e := range ex.Entities() {
			if e.Start < 0 || e.End > len(ex.Text) || e.Start >= e.End {
				add(SeverityError, "entity %q in %q has span [%d,%d) outside the text", e.Entity, ex.Text, e.Start, e.End)
			}
		}
	}

	for _, text := range sortedKeys(labels) {
		if len(labels[text]) > 1 {
			add(SeverityError, "example %q is labeled with several intents: %s",
				text, strings.Join(sortedKeys(labels[text]), ", "))
		}
	}

	for _, intent := range sortedKeys(counts) {
		if opts.MinExamplesPerIntent > 0 && counts[intent] < opts.MinExamplesPerIntent {
			add(SeverityWarning, "intent %q has only %d examples, at least %d are recommended",
				intent, counts[intent], opts.MinExamplesPerIntent)
		}
		if _, key := engine.SplitRetrievalIntent(intent); key != "" && len(data.Responses[intent]) == 0 {
			add(SeverityError, "retrieval intent %q has no responses", intent)
		}
	}

	var unused []string
	for key := range data.Responses {
		if counts[key] == 0 {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	for _, key := range unused {
		add(SeverityWarning, "responses for %q have no training examples", key)
	}

	seen := make(map[string]bool)
	for _, lt := range data.LookupTables {
		if len(lt.Elements) == 0 {
			add(SeverityWarning, "lookup table %q is empty", lt.Name)
		}
		if seen[lt.Name] {
			add(SeverityWarning, "lookup table %q is defined more than once", lt.Name)
		}
		seen[lt.Name] = true
	}
	return issues
}

// HasErrors reports whether issues contains an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
