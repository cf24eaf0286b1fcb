package trainingdata

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/zylhub/rasa/pkg/engine"
)

func TestParseExample(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		text     string
		entities []engine.Entity
	}{
		{
			name: "mixed annotation styles",
			line: `I need an [economy class](travel_flight_class:economy) ticket from ` +
				`[boston]{"entity": "city", "role": "from"} to [new york]{"entity": "city", "role": "to"}, please.`,
			text: "I need an economy class ticket from boston to new york, please.",
			entities: []engine.Entity{
				{Start: 10, End: 23, Value: "economy", Entity: "travel_flight_class"},
				{Start: 36, End: 42, Value: "boston", Entity: "city", Role: "from"},
				{Start: 46, End: 54, Value: "new york", Entity: "city", Role: "to"},
			},
		},
		{
			name: "no entities",
			line: "i'm looking for a place to eat",
			text: "i'm looking for a place to eat",
		},
		{
			name:     "entity with dash",
			line:     "i'm looking for a place in the [north](loc-direction) of town",
			text:     "i'm looking for a place in the north of town",
			entities: []engine.Entity{{Start: 31, End: 36, Value: "north", Entity: "loc-direction"}},
		},
		{
			name:     "entity with value",
			line:     "show me [chines](cuisine:chinese) restaurants",
			text:     "show me chines restaurants",
			entities: []engine.Entity{{Start: 8, End: 14, Value: "chinese", Entity: "cuisine"}},
		},
		{
			name:     "value with special characters",
			line:     `show me [italian]{"entity": "cuisine", "value": "22_ab-34*3.A:43er*+?df"} restaurants`,
			text:     "show me italian restaurants",
			entities: []engine.Entity{{Start: 8, End: 15, Value: "22_ab-34*3.A:43er*+?df", Entity: "cuisine"}},
		},
		{
			name: "braces without annotation stay literal",
			line: "Do you know {ABC} club?",
			text: "Do you know {ABC} club?",
		},
		{
			name:     "first colon separates entity and value",
			line:     "show me [chines](22_ab-34*3.A:43er*+?df) restaurants",
			text:     "show me chines restaurants",
			entities: []engine.Entity{{Start: 8, End: 14, Value: "43er*+?df", Entity: "22_ab-34*3.A"}},
		},
		{
			name: "roles with value override",
			line: `I want to fly from [Berlin](city) to [LA]{"entity": "city", "role": "from", "value": "Los Angeles"}`,
			text: "I want to fly from Berlin to LA",
			entities: []engine.Entity{
				{Start: 19, End: 25, Value: "Berlin", Entity: "city"},
				{Start: 29, End: 31, Value: "Los Angeles", Entity: "city", Role: "from"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _, err := ParseExample(tt.line, "test-intent")
			if err != nil {
				t.Fatalf("ParseExample() error = %v", err)
			}
			if ex.Text != tt.text {
				t.Errorf("text = %q, want %q", ex.Text, tt.text)
			}
			if ex.IntentName() != "test-intent" {
				t.Errorf("intent = %q", ex.IntentName())
			}
			if diff := cmp.Diff(tt.entities, ex.Entities(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("entities mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseExampleInvalidDict(t *testing.T) {
	if _, _, err := ParseExample(`[x]{"role": "from"}`, "i"); err == nil {
		t.Error("expected error for annotation without entity")
	}
	if _, _, err := ParseExample(`[x]{"entity": }`, "i"); err == nil {
		t.Error("expected error for malformed annotation")
	}
}

func TestParseMarkdown(t *testing.T) {
	md := `
<!-- comment -->
## intent:greet
- hey
- hello [there](addressee)

## intent:chitchat/ask_name
- what's your name

## synonym:10:00
- 10:00 am

## regex:zipcode
- [0-9]{5}

## lookup:city
* berlin
* new york

## response:chitchat/ask_name
- I'm a bot

## intent:travel
- go to [LA](city:Los Angeles)
`
	data, err := ParseMarkdown(md)
	if err != nil {
		t.Fatalf("ParseMarkdown() error = %v", err)
	}

	if len(data.Examples) != 4 {
		t.Fatalf("examples = %d, want 4", len(data.Examples))
	}
	chitchat := data.Examples[2]
	if chitchat.IntentName() != "chitchat" || FullIntent(chitchat) != "chitchat/ask_name" {
		t.Errorf("retrieval example intent = %q / %q", chitchat.IntentName(), FullIntent(chitchat))
	}

	wantSynonyms := map[string]string{"10:00 am": "10:00", "LA": "Los Angeles"}
	if diff := cmp.Diff(wantSynonyms, data.EntitySynonyms); diff != "" {
		t.Errorf("synonyms mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]engine.RegexFeature{{Name: "zipcode", Pattern: "[0-9]{5}"}}, data.RegexFeatures); diff != "" {
		t.Errorf("regex mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]engine.LookupTable{{Name: "city", Elements: []string{"berlin", "new york"}}}, data.LookupTables); diff != "" {
		t.Errorf("lookup mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"chitchat/ask_name": {"I'm a bot"}}, data.Responses); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMarkdownErrors(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"unknown section", "## story:happy\n- hello\n", "unknown section type"},
		{"missing name", "## intent\n- hello\n", "must look like"},
		{"item outside section", "- hello\n", "outside of a section"},
		{"invalid regex", "## regex:broken\n- [a-\n", "invalid regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkdown(tt.md)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseMarkdown() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	tests := []string{
		`## intent:z
- i'm looking for a place to eat
- i'm looking for a place in the [north](loc-direction) of town

## intent:a
- intent a
- also very important
`,
		`## intent:greet
- hey
- howdy

## intent:chitchat/ask_name
- What's your name?
- What can I call you?

## intent:chitchat/ask_weather
- How's the weather?
`,
	}
	for _, md := range tests {
		data, err := ParseMarkdown(md)
		if err != nil {
			t.Fatalf("ParseMarkdown() error = %v", err)
		}
		if diff := cmp.Diff(md, MarkdownString(data)); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFormatExample(t *testing.T) {
	tests := []struct {
		entity engine.Entity
		want   string
	}{
		{
			engine.Entity{Start: 0, End: 4, Value: "random", Entity: "word", Role: "role-name", Group: "group-name"},
			`[test]{"entity": "word", "role": "role-name", "group": "group-name", "value": "random"}`,
		},
		{engine.Entity{Start: 0, End: 4, Value: "test", Entity: "word"}, "[test](word)"},
		{
			engine.Entity{Start: 0, End: 4, Value: "test", Entity: "word", Role: "role-name", Group: "group-name"},
			`[test]{"entity": "word", "role": "role-name", "group": "group-name"}`,
		},
		{engine.Entity{Start: 0, End: 4, Value: "random", Entity: "word"}, `[test]{"entity": "word", "value": "random"}`},
	}
	for _, tt := range tests {
		ex := engine.NewTrainingExample("test", "greet", []engine.Entity{tt.entity})
		if got := FormatExample(ex); got != tt.want {
			t.Errorf("FormatExample() = %s, want %s", got, tt.want)
		}
	}
}

const jsonCorpus = `{
  "rasa_nlu_data": {
    "common_examples": [
      {"text": "test", "intent": "greet", "entities": [{"start": 0, "end": 4, "entity": "word"}]},
      {"text": "who are you", "intent": "chitchat/ask_name"}
    ],
    "regex_features": [{"name": "zipcode", "pattern": "[0-9]{5}"}],
    "lookup_tables": [{"name": "city", "elements": ["berlin"]}],
    "entity_synonyms": [{"value": "New York", "synonyms": ["NYC", "nyc"]}],
    "responses": {"chitchat/ask_name": [{"text": "I'm a bot"}]}
  }
}`

func TestReadJSON(t *testing.T) {
	data, err := ReadJSON(strings.NewReader(jsonCorpus))
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(data.Examples) != 2 {
		t.Fatalf("examples = %d", len(data.Examples))
	}
	if got := data.Examples[0].Entities(); len(got) != 1 || got[0].Value != "test" {
		t.Errorf("entities = %+v", got)
	}
	if FullIntent(data.Examples[1]) != "chitchat/ask_name" || data.Examples[1].IntentName() != "chitchat" {
		t.Errorf("retrieval intent not split: %q", FullIntent(data.Examples[1]))
	}
	if diff := cmp.Diff(map[string]string{"NYC": "New York", "nyc": "New York"}, data.EntitySynonyms); diff != "" {
		t.Errorf("synonyms mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, data); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	again, err := ReadJSON(&buf)
	if err != nil {
		t.Fatalf("ReadJSON() of written data error = %v", err)
	}
	if diff := cmp.Diff(MarkdownString(data), MarkdownString(again)); diff != "" {
		t.Errorf("JSON round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadJSONInvalidSpan(t *testing.T) {
	doc := `{"rasa_nlu_data": {"common_examples": [{"text": "hi", "entities": [{"start": 0, "end": 9, "entity": "x"}]}]}}`
	if _, err := ReadJSON(strings.NewReader(doc)); err == nil {
		t.Error("expected error for entity outside text")
	}
}

func TestReadJSONCharacterOffsets(t *testing.T) {
	doc := `{"rasa_nlu_data": {"common_examples": [
		{"text": "café au lait", "intent": "order", "entities": [{"start": 5, "end": 7, "entity": "word"}]},
		{"text": "zwei Brötchen bitte", "intent": "order", "entities": [{"start": 5, "end": 13, "entity": "item", "value": "bread"}]}
	]}}`
	data, err := ReadJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}

	want := []engine.Entity{
		{Entity: "word", Value: "au", Start: 6, End: 8},
		{Entity: "item", Value: "bread", Start: 5, End: 14},
	}
	for i, ex := range data.Examples {
		got := ex.Entities()
		if len(got) != 1 {
			t.Fatalf("example %d: entities = %+v", i, got)
		}
		if diff := cmp.Diff(want[i], got[0], cmpopts.IgnoreFields(engine.Entity{}, "Extractor", "Processors", "Confidence")); diff != "" {
			t.Errorf("example %d entity mismatch (-want +got):\n%s", i, diff)
		}
	}
	if got := data.Examples[1].Text[5:14]; got != "Brötchen" {
		t.Errorf("byte span = %q, want Brötchen", got)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, data); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for _, frag := range []string{`"start": 5,`, `"end": 7,`, `"end": 13,`} {
		if !strings.Contains(buf.String(), frag) {
			t.Errorf("written JSON missing %s:\n%s", frag, buf.String())
		}
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.md", "## intent:greet\n- hi\n")
	write("nested/b.json", jsonCorpus)
	write("README.txt", "ignored")

	data, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(data.Examples) != 3 || data.Examples[0].Text != "hi" {
		t.Errorf("examples = %d, first %q", len(data.Examples), data.Examples[0].Text)
	}
	if len(data.Responses["chitchat/ask_name"]) != 1 {
		t.Errorf("responses = %+v", data.Responses)
	}

	if _, err := Load(filepath.Join(dir, "README.txt")); err == nil {
		t.Error("expected unsupported format error")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for directory without training data")
	}
}

func TestValidate(t *testing.T) {
	data, err := ParseMarkdown(`## intent:greet
- hello
- hi

## intent:goodbye
- Hello

## intent:chitchat/ask_name
- who are you

## response:chitchat/ask_age
- old enough
`)
	if err != nil {
		t.Fatal(err)
	}

	issues := Validate(data, ValidateOptions{MinExamplesPerIntent: 2})
	want := []Issue{
		{SeverityError, `example "hello" is labeled with several intents: goodbye, greet`},
		{SeverityError, `retrieval intent "chitchat/ask_name" has no responses`},
		{SeverityWarning, `intent "chitchat/ask_name" has only 1 examples, at least 2 are recommended`},
		{SeverityWarning, `intent "goodbye" has only 1 examples, at least 2 are recommended`},
		{SeverityWarning, `responses for "chitchat/ask_age" have no training examples`},
	}
	less := func(a, b Issue) bool { return a.Message < b.Message }
	if diff := cmp.Diff(want, issues, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
	}
	if !HasErrors(issues) {
		t.Error("HasErrors() = false")
	}
}
