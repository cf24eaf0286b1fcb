package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Well-known attribute keys.
const (
	AttrIntent           = "intent"
	AttrIntentRanking    = "intent_ranking"
	AttrEntities         = "entities"
	AttrResponseSelector = "response_selector"
	AttrTokens           = "tokens"
	AttrTextFeatures     = "text_features"

	// AttrIntentResponseKey is the full retrieval intent label, e.g.
	// "chitchat/ask_name", of a training example.
	AttrIntentResponseKey = "intent_response_key"

	// AttrResponse is the training label for retrieval intents.
	AttrResponse = "response"
)

// WriterTrainingData is the writer recorded for labels that come from the
// training corpus rather than from a component.
const WriterTrainingData = "training_data"

// Attribute is one value on a Message together with every component that
// wrote it, in write order. The last writer owns the current value.
type Attribute struct {
	Value   interface{} `json:"value"`
	Writers []string    `json:"writers"`
}

// LastWriter returns the component that produced the current value.
func (a Attribute) LastWriter() string {
	if len(a.Writers) == 0 {
		return ""
	}
	return a.Writers[len(a.Writers)-1]
}

// Entity is a labeled span within the message text.
type Entity struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Value      string  `json:"value"`
	Entity     string  `json:"entity"`
	Role       string  `json:"role,omitempty"`
	Group      string  `json:"group,omitempty"`
	Confidence float64 `json:"confidence_entity,omitempty"`

	// Extractor is the component that created the span. Set once.
	Extractor string `json:"extractor,omitempty"`

	// Processors lists, in execution order, every later component that
	// modified this entity. Only grows.
	Processors []string `json:"processors,omitempty"`

	AdditionalInfo map[string]interface{} `json:"additional_info,omitempty"`
}

func (e Entity) clone() Entity {
	c := e
	if e.Processors != nil {
		c.Processors = append([]string(nil), e.Processors...)
	}
	if e.AdditionalInfo != nil {
		c.AdditionalInfo = make(map[string]interface{}, len(e.AdditionalInfo))
		for k, v := range e.AdditionalInfo {
			c.AdditionalInfo[k] = v
		}
	}
	return c
}

// Intent is a candidate intent with a confidence local to the classifier
// that produced it.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Message is one utterance flowing through the pipeline. A Message is owned
// by a single run and is not safe for concurrent use.
type Message struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`

	attributes map[string]*Attribute
}

// NewMessage creates a message with a fresh id.
func NewMessage(text string) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Text:       text,
		Time:       time.Now().UTC(),
		attributes: make(map[string]*Attribute),
	}
}

// NewTrainingExample creates a labeled message. Entities keep whatever
// extractor they carry so that extractor-specific annotations survive.
func NewTrainingExample(text, intent string, entities []Entity) *Message {
	m := NewMessage(text)
	if intent != "" {
		m.Set(AttrIntent, Intent{Name: intent, Confidence: 1}, WriterTrainingData)
	}
	if len(entities) > 0 {
		cp := make([]Entity, len(entities))
		for i, e := range entities {
			cp[i] = e.clone()
		}
		m.Set(AttrEntities, cp, WriterTrainingData)
	}
	return m
}

// Set writes an attribute and appends writer to its history. Later writes
// overwrite earlier values.
func (m *Message) Set(key string, value interface{}, writer string) {
	if m.attributes == nil {
		m.attributes = make(map[string]*Attribute)
	}
	attr, ok := m.attributes[key]
	if !ok {
		attr = &Attribute{}
		m.attributes[key] = attr
	}
	attr.Value = value
	attr.Writers = append(attr.Writers, writer)
}

// Get returns the current value of an attribute.
func (m *Message) Get(key string) (interface{}, bool) {
	attr, ok := m.attributes[key]
	if !ok {
		return nil, false
	}
	return attr.Value, true
}

// Attribute returns a copy of the attribute including its writer history.
func (m *Message) Attribute(key string) (Attribute, bool) {
	attr, ok := m.attributes[key]
	if !ok {
		return Attribute{}, false
	}
	return Attribute{Value: attr.Value, Writers: append([]string(nil), attr.Writers...)}, true
}

// Has reports whether the attribute has been written.
func (m *Message) Has(key string) bool {
	_, ok := m.attributes[key]
	return ok
}

// Keys returns the attribute names in sorted order.
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(m.attributes))
	for k := range m.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AttributeValue returns the attribute value as T.
func AttributeValue[T any](m *Message, key string) (T, bool) {
	var zero T
	v, ok := m.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Intent returns the current intent.
func (m *Message) Intent() (Intent, bool) {
	return AttributeValue[Intent](m, AttrIntent)
}

// IntentName returns the current intent name or the empty string.
func (m *Message) IntentName() string {
	intent, _ := m.Intent()
	return intent.Name
}

// Entities returns a copy of the current entities.
func (m *Message) Entities() []Entity {
	ents, _ := AttributeValue[[]Entity](m, AttrEntities)
	out := make([]Entity, len(ents))
	for i, e := range ents {
		out[i] = e.clone()
	}
	return out
}

// AddEntities appends entities created by extractor. Entities without an
// extractor are stamped with it; an existing extractor is never replaced.
func (m *Message) AddEntities(extractor string, entities ...Entity) {
	current := m.Entities()
	for _, e := range entities {
		e = e.clone()
		if e.Extractor == "" {
			e.Extractor = extractor
		}
		current = append(current, e)
	}
	m.Set(AttrEntities, current, extractor)
}

// UpdateEntity applies fn to the entity at index i and records processor in
// its processors list. Changes fn makes to Extractor or Processors are
// discarded.
func (m *Message) UpdateEntity(i int, processor string, fn func(*Entity)) error {
	current := m.Entities()
	if i < 0 || i >= len(current) {
		return fmt.Errorf("entity index %d out of range (%d entities)", i, len(current))
	}
	e := current[i]
	extractor, processors := e.Extractor, e.Processors
	fn(&e)
	e.Extractor = extractor
	e.Processors = append(processors, processor)
	current[i] = e
	m.Set(AttrEntities, current, processor)
	return nil
}

// Clone returns a deep copy of the message's attribute bookkeeping. Entity
// slices are copied; other values are shared and must be treated as
// immutable by components.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:         m.ID,
		Text:       m.Text,
		Time:       m.Time,
		attributes: make(map[string]*Attribute, len(m.attributes)),
	}
	for k, attr := range m.attributes {
		value := attr.Value
		if ents, ok := value.([]Entity); ok {
			cp := make([]Entity, len(ents))
			for i, e := range ents {
				cp[i] = e.clone()
			}
			value = cp
		}
		c.attributes[k] = &Attribute{
			Value:   value,
			Writers: append([]string(nil), attr.Writers...),
		}
	}
	return c
}
