package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zylhub/rasa/pkg/engine"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *ParsedPipeline)
	}{
		{
			name: "valid pipeline with hidden helper",
			content: `
language: "en"

_tokenizer: {component: "WhitespaceTokenizer", params: lowercase: true}

pipeline: [
	_tokenizer,
	{component: "CountVectorsFeaturizer", params: {max_ngram: 2}},
	{component: "CentroidIntentClassifier", name: "intents"},
]

metadata: owner: "nlu-team"
`,
			checkFunc: func(t *testing.T, pp *ParsedPipeline) {
				want := engine.PipelineConfig{
					Language: "en",
					Steps: []engine.StepConfig{
						{Component: "WhitespaceTokenizer", Params: engine.Params{"lowercase": true}},
						{Component: "CountVectorsFeaturizer", Params: engine.Params{"max_ngram": float64(2)}},
						{Component: "CentroidIntentClassifier", Name: "intents"},
					},
					Metadata: map[string]string{"owner": "nlu-team"},
				}
				if diff := cmp.Diff(want, pp.Config); diff != "" {
					t.Errorf("config mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
pipeline: [
	{component: "WhitespaceTokenizer"
	invalid syntax here
]
`,
			wantErr: true,
		},
		{
			name:    "empty pipeline",
			content: `pipeline: []`,
			wantErr: true,
		},
		{
			name:    "unknown top-level field",
			content: `pipelines: [{component: "WhitespaceTokenizer"}]`,
			wantErr: true,
		},
		{
			name:    "missing component",
			content: `pipeline: [{name: "tokenizer"}]`,
			wantErr: true,
		},
		{
			name:    "invalid component identifier",
			content: `pipeline: [{component: "9tokenizer"}]`,
			wantErr: true,
		},
		{
			name: "invalid language",
			content: `
language: "english"
pipeline: [{component: "WhitespaceTokenizer"}]
`,
			wantErr: true,
		},
		{
			name: "unknown step field",
			content: `
pipeline: [{component: "WhitespaceTokenizer", parameters: {}}]
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() unexpected error: %v", err)
			}

			if tt.wantErr {
				if len(pp.Errors) == 0 {
					t.Errorf("expected validation errors, got none (config %+v)", pp.Config)
				}
				return
			}

			if len(pp.Errors) > 0 {
				t.Fatalf("unexpected errors: %v", pp.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pp)
			}
		})
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.cue")
	writeFile(t, base, `
language: "en"
pipeline: [
	{component: "WhitespaceTokenizer"},
	{component: "KeywordIntentClassifier"},
]
`)
	extra := filepath.Join(dir, "extra.cue")
	writeFile(t, extra, `metadata: stage: "dev"`)

	pp, err := parser.Parse(ctx, []string{base, extra})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(pp.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", pp.Errors)
	}
	if diff := cmp.Diff([]string{base, extra}, pp.SourceFiles); diff != "" {
		t.Errorf("source files mismatch (-want +got):\n%s", diff)
	}
	if len(pp.Config.Steps) != 2 || pp.Config.Metadata["stage"] != "dev" {
		t.Errorf("unexpected config: %+v", pp.Config)
	}

	conflict := filepath.Join(dir, "conflict.cue")
	writeFile(t, conflict, `language: "de"`)
	pp, err = parser.Parse(ctx, []string{base, conflict})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(pp.Errors) == 0 {
		t.Error("expected a conflict between en and de")
	}

	if _, err := parser.Parse(ctx, []string{filepath.Join(dir, "missing.cue")}); err == nil {
		t.Error("expected error for missing source")
	}
	if _, err := parser.Parse(ctx, nil); err == nil {
		t.Error("expected error for no sources")
	}
}

func TestCUEParser_ErrorLocation(t *testing.T) {
	parser := NewCUEParser()
	path := filepath.Join(t.TempDir(), "bad.cue")
	writeFile(t, path, "pipeline: [\n\t{component: \"WhitespaceTokenizer\"},\n\t{component: 42},\n]\n")

	_, err := parser.Evaluate(context.Background(), []string{path})
	if err == nil {
		t.Fatal("expected error")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if verrs[0].Line == 0 || verrs[0].Severity != "error" {
		t.Errorf("expected located error, got %+v", verrs[0])
	}
}

func TestCUEParser_ExportJSON(t *testing.T) {
	parser := NewCUEParser()
	out, err := parser.ExportJSON(context.Background(), `pipeline: [{component: "WhitespaceTokenizer"}]`)
	if err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}
	want := "{\n  \"pipeline\": [\n    {\n      \"component\": \"WhitespaceTokenizer\"\n    }\n  ]\n}"
	if string(out) != want {
		t.Errorf("ExportJSON() = %s, want %s", out, want)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
