package components

import (
	"github.com/zylhub/rasa/pkg/engine"
)

// AttrIntentTokens holds the tokens of a training example's intent label
// when intent tokenization is enabled.
const AttrIntentTokens = "intent_tokens"

// Token is a span of the message text.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Tokens returns the tokens written by the tokenizer, if any.
func Tokens(msg *engine.Message) ([]Token, bool) {
	return engine.AttributeValue[[]Token](msg, engine.AttrTokens)
}

// TokenTexts returns the text of every token.
func TokenTexts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}
