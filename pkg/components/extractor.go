package components

import (
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// NoEntityTag marks a token outside any entity.
const NoEntityTag = "O"

// BILOU prefixes.
const (
	prefixBegin  = "B-"
	prefixInside = "I-"
	prefixLast   = "L-"
	prefixUnit   = "U-"
)

// FilterTrainableEntities returns copies of examples keeping only the
// entity annotations the named extractor may learn from: those without an
// extractor and those created by name itself.
func FilterTrainableEntities(name string, examples []*engine.Message) []*engine.Message {
	out := make([]*engine.Message, 0, len(examples))
	for _, ex := range examples {
		c := ex.Clone()
		var keep []engine.Entity
		for _, e := range ex.Entities() {
			if e.Extractor == "" || e.Extractor == name {
				keep = append(keep, e)
			}
		}
		if ex.Has(engine.AttrEntities) {
			c.Set(engine.AttrEntities, keep, engine.WriterTrainingData)
		}
		out = append(out, c)
	}
	return out
}

// MisalignedEntities returns the entities of msg whose boundaries do not
// coincide with token boundaries.
func MisalignedEntities(msg *engine.Message, tokens []Token) []engine.Entity {
	starts := make(map[int]bool, len(tokens))
	ends := make(map[int]bool, len(tokens))
	for _, t := range tokens {
		starts[t.Start] = true
		ends[t.End] = true
	}
	var out []engine.Entity
	for _, e := range msg.Entities() {
		if !starts[e.Start] || !ends[e.End] {
			out = append(out, e)
		}
	}
	return out
}

// CheckEntityAnnotations logs a warning for every training example with an
// entity that does not span whole tokens. It returns the number of such
// examples.
func CheckEntityAnnotations(logger *telemetry.Logger, data *engine.TrainingData) int {
	misaligned := 0
	for _, ex := range data.EntityExamples() {
		tokens, ok := Tokens(ex)
		if !ok {
			continue
		}
		if len(MisalignedEntities(ex, tokens)) > 0 {
			misaligned++
			logger.WithField("intent", ex.IntentName()).Warnf(
				"misaligned entity annotation in message %q: entity start and end must match token boundaries", ex.Text)
		}
	}
	return misaligned
}

// TokenSpan returns the index of the first and one past the last token an
// entity covers, or ok=false when the entity does not span whole tokens.
func TokenSpan(e engine.Entity, tokens []Token) (start, end int, ok bool) {
	start, end = -1, -1
	for i, t := range tokens {
		if t.Start == e.Start {
			start = i
		}
		if t.End == e.End {
			end = i + 1
		}
	}
	if start < 0 || end <= start {
		return 0, 0, false
	}
	return start, end, true
}

// EntityTags holds one tag per token for the entity type and, optionally,
// role and group. Tags may carry BILOU prefixes.
type EntityTags struct {
	Entity []string
	Role   []string
	Group  []string
}

func tagAt(tags []string, i int) string {
	if i >= len(tags) {
		return NoEntityTag
	}
	return tags[i]
}

func splitBILOU(tag string) (prefix, label string) {
	for _, p := range []string{prefixBegin, prefixInside, prefixLast, prefixUnit} {
		if strings.HasPrefix(tag, p) {
			return p, tag[len(p):]
		}
	}
	return "", tag
}

// TagsToEntities turns per-token tags into entities. Adjacent tokens with
// the same entity, role and group tags merge into one entity unless a B- or
// U- prefix starts a new one. A merged entity keeps the lowest confidence of
// its tokens. confidences may be nil.
func TagsToEntities(text string, tokens []Token, tags EntityTags, confidences []float64) []engine.Entity {
	var entities []engine.Entity
	lastEntity, lastRole, lastGroup := NoEntityTag, NoEntityTag, NoEntityTag

	for i, tok := range tokens {
		prefix, entityTag := splitBILOU(tagAt(tags.Entity, i))
		if entityTag == NoEntityTag || entityTag == "" {
			lastEntity = NoEntityTag
			continue
		}
		_, role := splitBILOU(tagAt(tags.Role, i))
		_, group := splitBILOU(tagAt(tags.Group, i))

		newEntity := lastEntity != entityTag || lastRole != role || lastGroup != group ||
			prefix == prefixBegin || prefix == prefixUnit

		if newEntity {
			e := engine.Entity{Entity: entityTag, Start: tok.Start, End: tok.End}
			if role != NoEntityTag {
				e.Role = role
			}
			if group != NoEntityTag {
				e.Group = group
			}
			if confidences != nil && i < len(confidences) {
				e.Confidence = confidences[i]
			}
			entities = append(entities, e)
		} else {
			last := &entities[len(entities)-1]
			last.End = tok.End
			if confidences != nil && i < len(confidences) && confidences[i] < last.Confidence {
				last.Confidence = confidences[i]
			}
		}

		lastEntity, lastRole, lastGroup = entityTag, role, group
		if prefix == prefixLast || prefix == prefixUnit {
			lastEntity = NoEntityTag
		}
	}

	for i := range entities {
		entities[i].Value = text[entities[i].Start:entities[i].End]
	}
	return entities
}

// EntitiesToTags converts entity annotations into BILOU tags over tokens.
// Entities that do not span whole tokens are skipped.
func EntitiesToTags(entities []engine.Entity, tokens []Token) []string {
	tags := make([]string, len(tokens))
	for i := range tags {
		tags[i] = NoEntityTag
	}
	for _, e := range entities {
		start, end, ok := TokenSpan(e, tokens)
		if !ok {
			continue
		}
		if end-start == 1 {
			tags[start] = prefixUnit + e.Entity
			continue
		}
		tags[start] = prefixBegin + e.Entity
		for i := start + 1; i < end-1; i++ {
			tags[i] = prefixInside + e.Entity
		}
		tags[end-1] = prefixLast + e.Entity
	}
	return tags
}
