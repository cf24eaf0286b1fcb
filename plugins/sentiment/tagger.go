// Package main implements the SentimentTagger component plugin. It scores
// the tokens of a message against a small polarity lexicon and writes the
// score and a label to the shared context. It compiles to WASM for the
// plugin host:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o sentiment.wasm
package main

import (
	"encoding/json"
	"strings"
)

// Context keys written by the plugin. They must match plugin.yaml.
const (
	KeyScore = "sentiment.score"
	KeyLabel = "sentiment.label"
)

// Labels assigned from the score.
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// neutralBand is the absolute score below which a message is neutral.
const neutralBand = 0.05

var lexicon = map[string]float64{
	"good":      1,
	"great":     1.5,
	"excellent": 2,
	"awesome":   2,
	"love":      1.5,
	"like":      0.5,
	"thanks":    1,
	"thank":     1,
	"happy":     1.5,
	"perfect":   2,
	"nice":      1,
	"yes":       0.5,
	"bad":       -1,
	"terrible":  -2,
	"awful":     -2,
	"hate":      -1.5,
	"angry":     -1.5,
	"sad":       -1,
	"wrong":     -1,
	"broken":    -1.5,
	"worst":     -2,
	"slow":      -0.5,
}

var negations = map[string]bool{
	"not": true, "never": true, "no": true, "don't": true, "dont": true,
	"isn't": true, "isnt": true, "wasn't": true, "wasnt": true,
}

var intensifiers = map[string]float64{
	"very": 1.5, "really": 1.5, "so": 1.3, "extremely": 2, "super": 1.5,
}

// request is the document the host sends to process.
type request struct {
	Message struct {
		Text   string   `json:"text"`
		Tokens []string `json:"tokens,omitempty"`
	} `json:"message"`
}

// update is the document returned to the host.
type update struct {
	Context map[string]interface{} `json:"context,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Score returns the sentiment of tokens in [-1, 1]. A negation flips the
// polarity of the next lexicon word; an intensifier scales it.
func Score(tokens []string) float64 {
	var sum float64
	var hits int
	negate, scale := false, 1.0
	for _, raw := range tokens {
		tok := strings.ToLower(strings.Trim(raw, ".,!?;:\"'"))
		if negations[tok] {
			negate = true
			continue
		}
		if f, ok := intensifiers[tok]; ok {
			scale *= f
			continue
		}
		v, ok := lexicon[tok]
		if !ok {
			continue
		}
		if negate {
			v = -v
		}
		sum += v * scale
		hits++
		negate, scale = false, 1.0
	}
	if hits == 0 {
		return 0
	}
	s := sum / float64(hits) / 2
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// Label maps a score to a label.
func Label(score float64) string {
	switch {
	case score >= neutralBand:
		return LabelPositive
	case score <= -neutralBand:
		return LabelNegative
	}
	return LabelNeutral
}

// handleProcess decodes a process request and encodes the update.
func handleProcess(input []byte) []byte {
	var req request
	if len(input) > 0 {
		if err := json.Unmarshal(input, &req); err != nil {
			return encode(update{Error: "invalid request: " + err.Error()})
		}
	}
	tokens := req.Message.Tokens
	if len(tokens) == 0 {
		tokens = strings.Fields(req.Message.Text)
	}
	score := Score(tokens)
	return encode(update{Context: map[string]interface{}{
		KeyScore: score,
		KeyLabel: Label(score),
	}})
}

func encode(u update) []byte {
	out, err := json.Marshal(u)
	if err != nil {
		return []byte(`{"error":"failed to encode update"}`)
	}
	return out
}
