package components

import (
	"context"
	"errors"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// LookupEntityExtractorType is the registered type of LookupEntityExtractor.
const LookupEntityExtractorType = "LookupEntityExtractor"

// LookupEntityExtractor tags token sequences that match entity values seen
// in annotated training examples or lookup tables. Matches learned from
// annotations carry confidence 1.0, lookup table matches the configured
// lookup_confidence; a multi-token entity keeps its lowest token confidence.
type LookupEntityExtractor struct {
	name    string
	cfg     lookupExtractorParams
	entries map[string]lookupEntry
	maxLen  int
}

type lookupEntry struct {
	Entity     string  `json:"entity"`
	Role       string  `json:"role,omitempty"`
	Group      string  `json:"group,omitempty"`
	Confidence float64 `json:"confidence"`
}

type lookupExtractorParams struct {
	CaseSensitive    bool    `yaml:"case_sensitive"`
	LookupConfidence float64 `yaml:"lookup_confidence"`
}

type lookupExtractorState struct {
	Entries map[string]lookupEntry `json:"entries"`
}

func newLookupEntityExtractor(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p lookupExtractorParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.LookupConfidence <= 0 || p.LookupConfidence > 1 {
		return nil, errors.New("lookup_confidence must be in (0, 1]")
	}
	return &LookupEntityExtractor{name: name, cfg: p}, nil
}

func loadLookupEntityExtractor(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, err := newLookupEntityExtractor(name, params, nil)
	if err != nil {
		return nil, err
	}
	x := c.(*LookupEntityExtractor)
	var state lookupExtractorState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	x.setEntries(state.Entries)
	return x, nil
}

// Name implements engine.Component.
func (x *LookupEntityExtractor) Name() string { return x.name }

func (x *LookupEntityExtractor) key(tokens []string) string {
	k := strings.Join(tokens, " ")
	if !x.cfg.CaseSensitive {
		k = strings.ToLower(k)
	}
	return k
}

func (x *LookupEntityExtractor) setEntries(entries map[string]lookupEntry) {
	x.entries = entries
	x.maxLen = 0
	for k := range entries {
		if n := len(strings.Fields(k)); n > x.maxLen {
			x.maxLen = n
		}
	}
}

// Train learns entity values from annotations this extractor may use and
// from lookup tables. Annotated values win over lookup table values.
func (x *LookupEntityExtractor) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	logger := telemetry.FromContext(ctx)
	CheckEntityAnnotations(logger, data)

	entries := make(map[string]lookupEntry)
	tokenizer := &WhitespaceTokenizer{}

	for _, lt := range data.LookupTables {
		for _, element := range lt.Elements {
			words := TokenTexts(tokenizer.Tokenize(element))
			if len(words) == 0 {
				continue
			}
			entries[x.key(words)] = lookupEntry{Entity: lt.Name, Confidence: x.cfg.LookupConfidence}
		}
	}

	for _, ex := range FilterTrainableEntities(x.name, data.EntityExamples()) {
		tokens, ok := Tokens(ex)
		if !ok {
			return errors.New("training example has no tokens")
		}
		for _, e := range ex.Entities() {
			start, end, ok := TokenSpan(e, tokens)
			if !ok {
				continue
			}
			words := TokenTexts(tokens[start:end])
			entries[x.key(words)] = lookupEntry{Entity: e.Entity, Role: e.Role, Group: e.Group, Confidence: 1.0}
		}
	}

	x.setEntries(entries)
	logger.WithField("entries", len(entries)).Debug("lookup entries trained")
	return nil
}

// Process tags the longest known token sequences and converts the tags into
// entities.
func (x *LookupEntityExtractor) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	tokens, ok := Tokens(msg)
	if !ok {
		return errors.New("message has no tokens")
	}

	tags := EntityTags{
		Entity: make([]string, len(tokens)),
		Role:   make([]string, len(tokens)),
		Group:  make([]string, len(tokens)),
	}
	confidences := make([]float64, len(tokens))
	for i := range tokens {
		tags.Entity[i], tags.Role[i], tags.Group[i] = NoEntityTag, NoEntityTag, NoEntityTag
	}

	words := TokenTexts(tokens)
	for i := 0; i < len(tokens); {
		matched := 0
		for n := min(x.maxLen, len(tokens)-i); n > 0; n-- {
			entry, ok := x.entries[x.key(words[i:i+n])]
			if !ok {
				continue
			}
			for j := i; j < i+n; j++ {
				prefix := prefixInside
				switch {
				case n == 1:
					prefix = prefixUnit
				case j == i:
					prefix = prefixBegin
				case j == i+n-1:
					prefix = prefixLast
				}
				tags.Entity[j] = prefix + entry.Entity
				if entry.Role != "" {
					tags.Role[j] = entry.Role
				}
				if entry.Group != "" {
					tags.Group[j] = entry.Group
				}
				confidences[j] = entry.Confidence
			}
			matched = n
			break
		}
		if matched == 0 {
			i++
		} else {
			i += matched
		}
	}

	msg.AddEntities(x.name, TagsToEntities(msg.Text, tokens, tags, confidences)...)
	return nil
}

// Persist writes the learned entries.
func (x *LookupEntityExtractor) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	return writeState(dir, lookupExtractorState{Entries: x.entries})
}
