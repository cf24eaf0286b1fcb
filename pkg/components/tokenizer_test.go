package components

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zylhub/rasa/pkg/engine"
)

func TestWhitespaceTokenizer_Tokenize(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		lowercase bool
		want      []Token
	}{
		{
			name: "punctuation at edges is trimmed",
			text: "Hello, world! e-mail me.",
			want: []Token{
				{Text: "Hello", Start: 0, End: 5},
				{Text: "world", Start: 7, End: 12},
				{Text: "e-mail", Start: 14, End: 20},
				{Text: "me", Start: 21, End: 23},
			},
		},
		{
			name: "punctuation only tokens are dropped",
			text: "hi !!",
			want: []Token{{Text: "hi", Start: 0, End: 2}},
		},
		{
			name:      "lowercase keeps offsets",
			text:      "  Good Morning",
			lowercase: true,
			want: []Token{
				{Text: "good", Start: 2, End: 6},
				{Text: "morning", Start: 7, End: 14},
			},
		},
		{
			name: "empty text",
			text: "   ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &WhitespaceTokenizer{lowercase: tt.lowercase}
			if diff := cmp.Diff(tt.want, tok.Tokenize(tt.text)); diff != "" {
				t.Errorf("Tokenize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWhitespaceTokenizer_IntentTokens(t *testing.T) {
	c, err := newWhitespaceTokenizer("tok", engine.Params{"intent_tokenization_flag": true, "intent_split_symbol": "+"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ex := engine.NewTrainingExample("what is the weather", "ask+weather", nil)
	if err := c.Process(context.Background(), ex, engine.NewSharedContext()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, ok := engine.AttributeValue[[]Token](ex, AttrIntentTokens)
	if !ok {
		t.Fatal("intent tokens missing")
	}
	if diff := cmp.Diff([]string{"ask", "weather"}, TokenTexts(got)); diff != "" {
		t.Errorf("intent tokens mismatch (-want +got):\n%s", diff)
	}

	msg := engine.NewMessage("no label")
	if err := c.Process(context.Background(), msg, engine.NewSharedContext()); err != nil {
		t.Fatal(err)
	}
	if msg.Has(AttrIntentTokens) {
		t.Error("unlabeled message should not get intent tokens")
	}
	if tokens, _ := Tokens(msg); len(tokens) != 2 {
		t.Errorf("tokens = %v", tokens)
	}
}
