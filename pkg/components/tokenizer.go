package components

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/zylhub/rasa/pkg/engine"
)

// WhitespaceTokenizerType is the registered type of WhitespaceTokenizer.
const WhitespaceTokenizerType = "WhitespaceTokenizer"

var wordPattern = regexp.MustCompile(`\S+`)

// WhitespaceTokenizer splits text on whitespace and strips punctuation at
// token edges. Offsets always refer to the original text.
type WhitespaceTokenizer struct {
	name               string
	lowercase          bool
	intentTokenization bool
	intentSplitSymbol  string
}

type whitespaceTokenizerParams struct {
	Lowercase              bool   `yaml:"lowercase"`
	IntentTokenizationFlag bool   `yaml:"intent_tokenization_flag"`
	IntentSplitSymbol      string `yaml:"intent_split_symbol"`
}

func newWhitespaceTokenizer(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p whitespaceTokenizerParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	return &WhitespaceTokenizer{
		name:               name,
		lowercase:          p.Lowercase,
		intentTokenization: p.IntentTokenizationFlag,
		intentSplitSymbol:  p.IntentSplitSymbol,
	}, nil
}

// Name implements engine.Component.
func (t *WhitespaceTokenizer) Name() string { return t.name }

// Process writes tokens for the message text and, on labeled examples with
// intent tokenization enabled, for the intent name.
func (t *WhitespaceTokenizer) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	msg.Set(engine.AttrTokens, t.Tokenize(msg.Text), t.name)

	if t.intentTokenization {
		if intent := msg.IntentName(); intent != "" {
			msg.Set(AttrIntentTokens, t.tokenizeIntent(intent), t.name)
		}
	}
	return nil
}

// Tokenize splits text into tokens.
func (t *WhitespaceTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		start, end := trimPunctuation(text, loc[0], loc[1])
		if start >= end {
			continue
		}
		word := text[start:end]
		if t.lowercase {
			word = strings.ToLower(word)
		}
		tokens = append(tokens, Token{Text: word, Start: start, End: end})
	}
	return tokens
}

func (t *WhitespaceTokenizer) tokenizeIntent(intent string) []Token {
	sep := t.intentSplitSymbol
	if sep == "" {
		sep = "_"
	}
	var tokens []Token
	offset := 0
	for _, part := range strings.Split(intent, sep) {
		if part != "" {
			tokens = append(tokens, Token{Text: part, Start: offset, End: offset + len(part)})
		}
		offset += len(part) + len(sep)
	}
	if len(tokens) == 0 {
		tokens = []Token{{Text: intent, Start: 0, End: len(intent)}}
	}
	return tokens
}

// trimPunctuation narrows [start,end) so that it neither begins nor ends
// with punctuation. Punctuation inside a word ("e-mail", "3.5") is kept.
func trimPunctuation(text string, start, end int) (int, int) {
	for start < end {
		r := rune(text[start])
		if r >= 0x80 || !unicode.IsPunct(r) {
			break
		}
		start++
	}
	for end > start {
		r := rune(text[end-1])
		if r >= 0x80 || !unicode.IsPunct(r) {
			break
		}
		end--
	}
	return start, end
}
