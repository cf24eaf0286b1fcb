package evaluation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/components"
	"github.com/zylhub/rasa/pkg/engine"
)

// NoEntity is the label of tokens outside every entity.
const NoEntity = "no_entity"

// EntityResult holds the gold and predicted entities of one test example
// and the tokens used to compare them.
type EntityResult struct {
	Text        string             `json:"text"`
	Targets     []engine.Entity    `json:"entities"`
	Predictions []engine.Entity    `json:"predicted_entities"`
	Tokens      []components.Token `json:"-"`
}

// AlignedLabels are per-token labels of one example: the gold labels and
// the labels produced by each extractor.
type AlignedLabels struct {
	Targets    []string
	Extractors map[string][]string
}

// AlignEntities labels every token of result. A token takes the label of
// the entity it overlaps most; the label joins entity type, group and role
// with dots, e.g. "city.trip.destination".
func AlignEntities(result EntityResult, extractors []string) (AlignedLabels, error) {
	if overlapping(result.Targets) {
		return AlignedLabels{}, fmt.Errorf("gold entities in %q overlap", result.Text)
	}

	byExtractor := make(map[string][]engine.Entity, len(extractors))
	for _, e := range result.Predictions {
		byExtractor[e.Extractor] = append(byExtractor[e.Extractor], e)
	}

	aligned := AlignedLabels{Extractors: make(map[string][]string, len(extractors))}
	for _, tok := range result.Tokens {
		aligned.Targets = append(aligned.Targets, tokenLabel(tok, result.Targets))
		for _, ex := range extractors {
			aligned.Extractors[ex] = append(aligned.Extractors[ex], tokenLabel(tok, byExtractor[ex]))
		}
	}
	return aligned, nil
}

// overlapping reports entities of different types crossing each other.
func overlapping(entities []engine.Entity) bool {
	sorted := append([]engine.Entity(nil), entities...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i+1].Start < sorted[i].End && sorted[i+1].Entity != sorted[i].Entity {
			return true
		}
	}
	return false
}

func intersection(tok components.Token, e engine.Entity) int {
	return max(0, min(tok.End, e.End)-max(tok.Start, e.Start))
}

func tokenLabel(tok components.Token, entities []engine.Entity) string {
	best, bestOverlap := -1, 0
	for i, e := range entities {
		if n := intersection(tok, e); n > bestOverlap {
			best, bestOverlap = i, n
		}
	}
	if best < 0 {
		return NoEntity
	}
	e := entities[best]
	parts := []string{e.Entity}
	if e.Group != "" {
		parts = append(parts, e.Group)
	}
	if e.Role != "" {
		parts = append(parts, e.Role)
	}
	return strings.Join(parts, ".")
}

// EvaluateEntities computes token level entity metrics for each extractor.
// The no_entity label is excluded from the per-label metrics.
func EvaluateEntities(results []EntityResult, extractors []string) (map[string]Report, error) {
	var targets []string
	predictions := make(map[string][]string, len(extractors))
	for _, r := range results {
		aligned, err := AlignEntities(r, extractors)
		if err != nil {
			return nil, err
		}
		targets = append(targets, aligned.Targets...)
		for _, ex := range extractors {
			predictions[ex] = append(predictions[ex], aligned.Extractors[ex]...)
		}
	}

	reports := make(map[string]Report, len(extractors))
	for _, ex := range extractors {
		reports[ex] = Metrics(targets, predictions[ex], NoEntity)
	}
	return reports, nil
}
