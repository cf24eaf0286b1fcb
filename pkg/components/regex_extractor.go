package components

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// RegexEntityExtractorType is the registered type of RegexEntityExtractor.
const RegexEntityExtractorType = "RegexEntityExtractor"

// RegexEntityExtractor finds entities with regular expressions from its
// parameters, the training data's regex features and lookup tables.
// Confidence is always 1.0; it is meaningful only for this extractor.
type RegexEntityExtractor struct {
	name     string
	cfg      regexExtractorParams
	patterns []namedPattern
	compiled []*regexp.Regexp
}

type namedPattern struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

type regexExtractorParams struct {
	Patterns            []namedPattern `yaml:"patterns"`
	UseLookupTables     bool           `yaml:"use_lookup_tables"`
	UseRegexes          bool           `yaml:"use_regexes"`
	CaseSensitive       bool           `yaml:"case_sensitive"`
	UseWordBoundaries   bool           `yaml:"use_word_boundaries"`
	OnlyTrainedEntities bool           `yaml:"only_trained_entities"`
}

type regexExtractorState struct {
	Patterns []namedPattern `json:"patterns"`
}

func newRegexEntityExtractor(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	var p regexExtractorParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	x := &RegexEntityExtractor{name: name, cfg: p}
	if err := x.compile(p.Patterns); err != nil {
		return nil, err
	}
	return x, nil
}

func loadRegexEntityExtractor(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	c, err := newRegexEntityExtractor(name, params, nil)
	if err != nil {
		return nil, err
	}
	x := c.(*RegexEntityExtractor)
	var state regexExtractorState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	if err := x.compile(state.Patterns); err != nil {
		return nil, err
	}
	return x, nil
}

// Name implements engine.Component.
func (x *RegexEntityExtractor) Name() string { return x.name }

// Train collects patterns from the training data. Configured patterns are
// always kept.
func (x *RegexEntityExtractor) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	patterns := append([]namedPattern(nil), x.cfg.Patterns...)

	if x.cfg.UseRegexes {
		for _, rf := range data.RegexFeatures {
			patterns = append(patterns, namedPattern{Name: rf.Name, Pattern: rf.Pattern})
		}
	}
	if x.cfg.UseLookupTables {
		for _, lt := range data.LookupTables {
			if p := lookupPattern(lt.Elements); p != "" {
				patterns = append(patterns, namedPattern{Name: lt.Name, Pattern: p})
			}
		}
	}

	if x.cfg.OnlyTrainedEntities {
		known := make(map[string]bool)
		for _, e := range data.EntityTypes() {
			known[e] = true
		}
		filtered := patterns[:0]
		for _, p := range patterns {
			if known[p.Name] {
				filtered = append(filtered, p)
			}
		}
		patterns = filtered
	}

	if len(patterns) == 0 {
		telemetry.FromContext(ctx).Warnf("%s has no patterns, it will not extract any entities", x.name)
	}
	return x.compile(patterns)
}

func lookupPattern(elements []string) string {
	if len(elements) == 0 {
		return ""
	}
	escaped := make([]string, len(elements))
	for i, e := range elements {
		escaped[i] = regexp.QuoteMeta(e)
	}
	// Longest first so alternation prefers the longest match.
	sort.SliceStable(escaped, func(i, j int) bool { return len(escaped[i]) > len(escaped[j]) })
	return "(" + strings.Join(escaped, "|") + ")"
}

func (x *RegexEntityExtractor) compile(patterns []namedPattern) error {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		expr := p.Pattern
		if x.cfg.UseWordBoundaries {
			expr = `\b(?:` + expr + `)\b`
		}
		if !x.cfg.CaseSensitive {
			expr = `(?i)` + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("invalid pattern for %q: %w", p.Name, err)
		}
		compiled[i] = re
	}
	x.patterns = patterns
	x.compiled = compiled
	return nil
}

// Process adds one entity per pattern match.
func (x *RegexEntityExtractor) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	var found []engine.Entity
	for i, re := range x.compiled {
		for _, loc := range re.FindAllStringIndex(msg.Text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			found = append(found, engine.Entity{
				Start:      loc[0],
				End:        loc[1],
				Value:      msg.Text[loc[0]:loc[1]],
				Entity:     x.patterns[i].Name,
				Confidence: 1.0,
			})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	msg.AddEntities(x.name, found...)
	return nil
}

// Persist writes the collected patterns.
func (x *RegexEntityExtractor) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	return writeState(dir, regexExtractorState{Patterns: x.patterns})
}
