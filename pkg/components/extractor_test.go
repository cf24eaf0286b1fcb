package components

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

const flightText = "fly from new york to berlin"

func flightTokens() []Token {
	return (&WhitespaceTokenizer{}).Tokenize(flightText)
}

func TestTagsToEntities(t *testing.T) {
	tests := []struct {
		name        string
		tags        EntityTags
		confidences []float64
		want        []engine.Entity
	}{
		{
			name: "bilou tags with min confidence",
			tags: EntityTags{Entity: []string{"O", "O", "B-city", "L-city", "O", "U-city"}},
			confidences: []float64{
				0, 0, 0.9, 0.7, 0, 1,
			},
			want: []engine.Entity{
				{Entity: "city", Value: "new york", Start: 9, End: 17, Confidence: 0.7},
				{Entity: "city", Value: "berlin", Start: 21, End: 27, Confidence: 1},
			},
		},
		{
			name: "plain tags merge adjacent tokens",
			tags: EntityTags{Entity: []string{"O", "O", "city", "city", "O", "city"}},
			want: []engine.Entity{
				{Entity: "city", Value: "new york", Start: 9, End: 17},
				{Entity: "city", Value: "berlin", Start: 21, End: 27},
			},
		},
		{
			name: "unit tags never merge",
			tags: EntityTags{Entity: []string{"O", "O", "U-city", "U-city", "O", "O"}},
			want: []engine.Entity{
				{Entity: "city", Value: "new", Start: 9, End: 12},
				{Entity: "city", Value: "york", Start: 13, End: 17},
			},
		},
		{
			name: "roles split entities",
			tags: EntityTags{
				Entity: []string{"O", "O", "city", "city", "O", "city"},
				Role:   []string{"O", "O", "from", "from", "O", "to"},
			},
			want: []engine.Entity{
				{Entity: "city", Role: "from", Value: "new york", Start: 9, End: 17},
				{Entity: "city", Role: "to", Value: "berlin", Start: 21, End: 27},
			},
		},
		{
			name: "short tag list",
			tags: EntityTags{Entity: []string{"U-verb"}},
			want: []engine.Entity{{Entity: "verb", Value: "fly", Start: 0, End: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagsToEntities(flightText, flightTokens(), tt.tags, tt.confidences)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("TagsToEntities() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntitiesToTags(t *testing.T) {
	entities := []engine.Entity{
		{Entity: "city", Start: 9, End: 17},
		{Entity: "city", Start: 21, End: 27},
		{Entity: "misaligned", Start: 10, End: 17},
	}
	got := EntitiesToTags(entities, flightTokens())
	want := []string{"O", "O", "B-city", "L-city", "O", "U-city"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EntitiesToTags() mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterTrainableEntities(t *testing.T) {
	ex := engine.NewTrainingExample(flightText, "book", []engine.Entity{
		{Entity: "city", Start: 9, End: 17, Value: "new york"},
		{Entity: "city", Start: 21, End: 27, Value: "berlin", Extractor: "OtherExtractor"},
		{Entity: "city", Start: 21, End: 27, Value: "berlin", Extractor: "Mine"},
	})
	plain := engine.NewTrainingExample("hello", "greet", nil)

	out := FilterTrainableEntities("Mine", []*engine.Message{ex, plain})
	if len(out) != 2 {
		t.Fatalf("got %d examples, want 2", len(out))
	}

	kept := out[0].Entities()
	if len(kept) != 2 || kept[0].Extractor != "" || kept[1].Extractor != "Mine" {
		t.Errorf("kept = %+v", kept)
	}
	if len(ex.Entities()) != 3 {
		t.Error("original example was modified")
	}
	if out[1].Has(engine.AttrEntities) {
		t.Error("example without entities gained an entities attribute")
	}
}

func TestCheckEntityAnnotations(t *testing.T) {
	aligned := engine.NewTrainingExample(flightText, "book", []engine.Entity{{Entity: "city", Start: 21, End: 27}})
	misaligned := engine.NewTrainingExample(flightText, "book", []engine.Entity{{Entity: "city", Start: 10, End: 17}})
	for _, ex := range []*engine.Message{aligned, misaligned} {
		ex.Set(engine.AttrTokens, flightTokens(), "tok")
	}

	data := &engine.TrainingData{Examples: []*engine.Message{aligned, misaligned}}
	if n := CheckEntityAnnotations(telemetry.NewNopLogger(), data); n != 1 {
		t.Errorf("CheckEntityAnnotations() = %d, want 1", n)
	}

	if got := MisalignedEntities(misaligned, flightTokens()); len(got) != 1 || got[0].Start != 10 {
		t.Errorf("MisalignedEntities() = %+v", got)
	}
}

func TestTokenSpan(t *testing.T) {
	tokens := flightTokens()
	start, end, ok := TokenSpan(engine.Entity{Start: 9, End: 17}, tokens)
	if !ok || start != 2 || end != 4 {
		t.Errorf("TokenSpan() = %d, %d, %v", start, end, ok)
	}
	if _, _, ok := TokenSpan(engine.Entity{Start: 9, End: 15}, tokens); ok {
		t.Error("span ending inside a token should not resolve")
	}
}

func TestEntitySynonymMapper_Params(t *testing.T) {
	params := engine.Params{"synonyms": map[string]interface{}{
		"New York City": []interface{}{"nyc", "big apple"},
		"Berlin":        []interface{}{"berlin"},
	}}
	c, err := newEntitySynonymMapper("synonyms", params, nil)
	if err != nil {
		t.Fatalf("newEntitySynonymMapper() error = %v", err)
	}

	msg := engine.NewMessage("fly from NYC to berlin")
	msg.AddEntities("regex",
		engine.Entity{Entity: "city", Value: "NYC", Start: 9, End: 12},
		engine.Entity{Entity: "city", Value: "berlin", Start: 16, End: 22},
	)
	if err := c.Process(context.Background(), msg, nil); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []engine.Entity{
		{Entity: "city", Value: "New York City", Start: 9, End: 12, Extractor: "regex", Processors: []string{"synonyms"}},
		// Only differs in case from the canonical value.
		{Entity: "city", Value: "berlin", Start: 16, End: 22, Extractor: "regex"},
	}
	if diff := cmp.Diff(want, msg.Entities()); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}
}
