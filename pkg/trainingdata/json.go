package trainingdata

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"

	"github.com/zylhub/rasa/pkg/engine"
)

type jsonDocument struct {
	Data jsonData `json:"rasa_nlu_data"`
}

type jsonData struct {
	CommonExamples []jsonExample                `json:"common_examples"`
	RegexFeatures  []engine.RegexFeature        `json:"regex_features,omitempty"`
	LookupTables   []engine.LookupTable         `json:"lookup_tables,omitempty"`
	EntitySynonyms []jsonSynonym                `json:"entity_synonyms,omitempty"`
	Responses      map[string][]jsonResponseRef `json:"responses,omitempty"`
}

type jsonExample struct {
	Text     string       `json:"text"`
	Intent   string       `json:"intent,omitempty"`
	Entities []jsonEntity `json:"entities,omitempty"`
}

type jsonEntity struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Value  string `json:"value,omitempty"`
	Entity string `json:"entity"`
	Role   string `json:"role,omitempty"`
	Group  string `json:"group,omitempty"`
}

type jsonSynonym struct {
	Value    string   `json:"value"`
	Synonyms []string `json:"synonyms"`
}

type jsonResponseRef struct {
	Text string `json:"text"`
}

// ReadJSON parses training data in the "rasa_nlu_data" JSON format.
func ReadJSON(r io.Reader) (*engine.TrainingData, error) {
	var doc jsonDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode training data: %w", err)
	}

	data := New()
	for i, je := range doc.Data.CommonExamples {
		entities := make([]engine.Entity, 0, len(je.Entities))
		for _, e := range je.Entities {
			start, okStart := byteOffset(je.Text, e.Start)
			end, okEnd := byteOffset(je.Text, e.End)
			if !okStart || !okEnd || start >= end {
				return nil, fmt.Errorf("example %d: entity %q span [%d,%d) outside text", i, e.Entity, e.Start, e.End)
			}
			value := e.Value
			if value == "" {
				value = je.Text[start:end]
			}
			entities = append(entities, engine.Entity{
				Start: start, End: end, Value: value, Entity: e.Entity, Role: e.Role, Group: e.Group,
			})
		}
		data.Examples = append(data.Examples, NewExample(je.Text, je.Intent, entities))
	}
	data.RegexFeatures = doc.Data.RegexFeatures
	data.LookupTables = doc.Data.LookupTables
	for _, s := range doc.Data.EntitySynonyms {
		for _, variant := range s.Synonyms {
			data.EntitySynonyms[variant] = s.Value
		}
	}
	for key, refs := range doc.Data.Responses {
		for _, ref := range refs {
			data.Responses[key] = append(data.Responses[key], ref.Text)
		}
	}
	return data, nil
}

// WriteJSON writes data in the "rasa_nlu_data" JSON format.
func WriteJSON(w io.Writer, data *engine.TrainingData) error {
	doc := jsonDocument{Data: jsonData{
		CommonExamples: make([]jsonExample, 0, len(data.Examples)),
		RegexFeatures:  data.RegexFeatures,
		LookupTables:   data.LookupTables,
	}}
	for _, ex := range data.Examples {
		je := jsonExample{Text: ex.Text, Intent: FullIntent(ex)}
		for _, e := range ex.Entities() {
			je.Entities = append(je.Entities, jsonEntity{
				Start: runeOffset(ex.Text, e.Start), End: runeOffset(ex.Text, e.End), Value: e.Value, Entity: e.Entity, Role: e.Role, Group: e.Group,
			})
		}
		doc.Data.CommonExamples = append(doc.Data.CommonExamples, je)
	}

	byValue := make(map[string][]string)
	for variant, value := range data.EntitySynonyms {
		byValue[value] = append(byValue[value], variant)
	}
	for _, value := range sortedKeys(byValue) {
		variants := byValue[value]
		sort.Strings(variants)
		doc.Data.EntitySynonyms = append(doc.Data.EntitySynonyms, jsonSynonym{Value: value, Synonyms: variants})
	}

	if len(data.Responses) > 0 {
		doc.Data.Responses = make(map[string][]jsonResponseRef, len(data.Responses))
		for key, texts := range data.Responses {
			for _, t := range texts {
				doc.Data.Responses[key] = append(doc.Data.Responses[key], jsonResponseRef{Text: t})
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode training data: %w", err)
	}
	return nil
}

// The JSON format counts characters; messages use byte offsets.

// byteOffset converts a character offset in text to a byte offset.
func byteOffset(text string, chars int) (int, bool) {
	if chars < 0 {
		return 0, false
	}
	n := 0
	for i := range text {
		if n == chars {
			return i, true
		}
		n++
	}
	if n == chars {
		return len(text), true
	}
	return 0, false
}

// runeOffset converts a byte offset in text to a character offset.
func runeOffset(text string, bytes int) int {
	if bytes > len(text) {
		bytes = len(text)
	}
	return utf8.RuneCountInString(text[:bytes])
}
