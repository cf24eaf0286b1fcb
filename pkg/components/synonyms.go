package components

import (
	"context"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// EntitySynonymMapperType is the registered type of EntitySynonymMapper.
const EntitySynonymMapperType = "EntitySynonymMapper"

// EntitySynonymMapper replaces entity values with their canonical synonym.
// It never creates entities; every entity it changes records it as a
// processor.
type EntitySynonymMapper struct {
	name     string
	synonyms map[string]string
}

type synonymState struct {
	Synonyms map[string]string `json:"synonyms"`
}

func newEntitySynonymMapper(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	m := &EntitySynonymMapper{name: name, synonyms: make(map[string]string)}
	// Synonyms given as params are available without training.
	if raw, ok := params["synonyms"].(map[string]interface{}); ok {
		for canonical, v := range raw {
			variants := engine.Params{"v": v}
			for _, variant := range variants.Strings("v") {
				m.add(variant, canonical)
			}
		}
	}
	return m, nil
}

func loadEntitySynonymMapper(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	m := &EntitySynonymMapper{name: name}
	var state synonymState
	if err := readState(dir, meta, &state); err != nil {
		return nil, err
	}
	m.synonyms = state.Synonyms
	if m.synonyms == nil {
		m.synonyms = make(map[string]string)
	}
	return m, nil
}

// Name implements engine.Component.
func (m *EntitySynonymMapper) Name() string { return m.name }

func (m *EntitySynonymMapper) add(variant, canonical string) {
	key := strings.ToLower(variant)
	if key == strings.ToLower(canonical) {
		return
	}
	m.synonyms[key] = canonical
}

// Train reads the corpus synonym table and every annotation whose value
// differs from its text.
func (m *EntitySynonymMapper) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	logger := telemetry.FromContext(ctx)
	for variant, canonical := range data.EntitySynonyms {
		m.add(variant, canonical)
	}
	for _, ex := range data.EntityExamples() {
		for _, e := range ex.Entities() {
			if e.Start < 0 || e.End > len(ex.Text) || e.Start >= e.End {
				continue
			}
			text := ex.Text[e.Start:e.End]
			if existing, ok := m.synonyms[strings.ToLower(text)]; ok && existing != e.Value {
				logger.Warnf("synonym %q maps to both %q and %q, keeping %q", text, existing, e.Value, e.Value)
			}
			m.add(text, e.Value)
		}
	}
	return nil
}

// Process maps entity values that have a synonym.
func (m *EntitySynonymMapper) Process(_ context.Context, msg *engine.Message, _ *engine.SharedContext) error {
	for i, e := range msg.Entities() {
		canonical, ok := m.synonyms[strings.ToLower(e.Value)]
		if !ok || canonical == e.Value {
			continue
		}
		if err := msg.UpdateEntity(i, m.name, func(ent *engine.Entity) {
			ent.Value = canonical
		}); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the synonym table.
func (m *EntitySynonymMapper) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	return writeState(dir, synonymState{Synonyms: m.synonyms})
}
