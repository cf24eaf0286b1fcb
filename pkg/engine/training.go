package engine

import (
	"sort"
	"strings"
)

// RetrievalIntentSeparator splits a retrieval intent such as
// "chitchat/ask_name" into its base intent and response key.
const RetrievalIntentSeparator = "/"

// RegexFeature is a named pattern from the training data.
type RegexFeature struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// LookupTable is a named list of entity values.
type LookupTable struct {
	Name     string   `json:"name" yaml:"name"`
	Elements []string `json:"elements" yaml:"elements"`
}

// TrainingData is the corpus handed to every component's Train.
type TrainingData struct {
	Examples       []*Message
	RegexFeatures  []RegexFeature
	LookupTables   []LookupTable
	EntitySynonyms map[string]string

	// Responses maps a full retrieval intent to its response texts.
	Responses map[string][]string
}

// Clone returns a copy whose examples can be annotated without touching
// the original corpus.
func (td *TrainingData) Clone() *TrainingData {
	c := &TrainingData{
		Examples:       make([]*Message, len(td.Examples)),
		RegexFeatures:  append([]RegexFeature(nil), td.RegexFeatures...),
		LookupTables:   append([]LookupTable(nil), td.LookupTables...),
		EntitySynonyms: make(map[string]string, len(td.EntitySynonyms)),
		Responses:      make(map[string][]string, len(td.Responses)),
	}
	for i, ex := range td.Examples {
		c.Examples[i] = ex.Clone()
	}
	for k, v := range td.EntitySynonyms {
		c.EntitySynonyms[k] = v
	}
	for k, v := range td.Responses {
		c.Responses[k] = append([]string(nil), v...)
	}
	return c
}

// IntentExamples returns examples that carry an intent label.
func (td *TrainingData) IntentExamples() []*Message {
	var out []*Message
	for _, ex := range td.Examples {
		if ex.IntentName() != "" {
			out = append(out, ex)
		}
	}
	return out
}

// EntityExamples returns examples annotated with at least one entity.
func (td *TrainingData) EntityExamples() []*Message {
	var out []*Message
	for _, ex := range td.Examples {
		if len(ex.Entities()) > 0 {
			out = append(out, ex)
		}
	}
	return out
}

// Intents returns the sorted set of labeled intents.
func (td *TrainingData) Intents() []string {
	seen := make(map[string]bool)
	for _, ex := range td.Examples {
		if name := ex.IntentName(); name != "" {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EntityTypes returns the sorted set of annotated entity types.
func (td *TrainingData) EntityTypes() []string {
	seen := make(map[string]bool)
	for _, ex := range td.Examples {
		for _, e := range ex.Entities() {
			seen[e.Entity] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SplitRetrievalIntent splits "chitchat/ask_name" into ("chitchat",
// "ask_name"). Plain intents return an empty key.
func SplitRetrievalIntent(name string) (base, key string) {
	if i := strings.Index(name, RetrievalIntentSeparator); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
