package components

import (
	"encoding/json"
	"fmt"

	"github.com/zylhub/rasa/pkg/engine"
)

// messageView is the JSON document script and plugin components receive
// for one message.
type messageView struct {
	Text          string          `json:"text"`
	Intent        *engine.Intent  `json:"intent,omitempty"`
	IntentRanking []engine.Intent `json:"intent_ranking,omitempty"`
	Entities      []engine.Entity `json:"entities"`
	Tokens        []string        `json:"tokens,omitempty"`
}

type exchangeRequest struct {
	Message messageView            `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	State   json.RawMessage        `json:"state,omitempty"`
}

type entityUpdate struct {
	Index int     `json:"index"`
	Value *string `json:"value,omitempty"`
	Role  *string `json:"role,omitempty"`
	Group *string `json:"group,omitempty"`
}

// exchangeUpdate is what a script or plugin returns. Entities are new
// entities created by the component; EntityUpdates modify existing ones.
type exchangeUpdate struct {
	Intent        *engine.Intent         `json:"intent,omitempty"`
	IntentRanking []engine.Intent        `json:"intent_ranking,omitempty"`
	Entities      []engine.Entity        `json:"entities,omitempty"`
	EntityUpdates []entityUpdate         `json:"entity_updates,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

type trainRequest struct {
	Examples []messageView `json:"examples"`
}

type trainResponse struct {
	State json.RawMessage `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

func viewOf(msg *engine.Message) messageView {
	v := messageView{Text: msg.Text, Entities: msg.Entities()}
	if intent, ok := msg.Intent(); ok {
		v.Intent = &intent
	}
	v.IntentRanking, _ = engine.AttributeValue[[]engine.Intent](msg, engine.AttrIntentRanking)
	if tokens, ok := Tokens(msg); ok {
		v.Tokens = TokenTexts(tokens)
	}
	return v
}

func newExchangeRequest(msg *engine.Message, sc *engine.SharedContext, reads []string, state json.RawMessage) exchangeRequest {
	req := exchangeRequest{Message: viewOf(msg), State: state}
	for _, key := range reads {
		if v, ok := sc.Get(key); ok {
			if req.Context == nil {
				req.Context = make(map[string]interface{}, len(reads))
			}
			req.Context[key] = v
		}
	}
	return req
}

func newTrainRequest(data *engine.TrainingData) trainRequest {
	req := trainRequest{Examples: make([]messageView, len(data.Examples))}
	for i, ex := range data.Examples {
		req.Examples[i] = viewOf(ex)
	}
	return req
}

// toGeneric converts v into plain maps and slices via JSON.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fromGeneric decodes a plain value into target via JSON.
func fromGeneric(v interface{}, target interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// apply writes an update to the message and shared context. Context keys
// not declared in writes are rejected.
func (u *exchangeUpdate) apply(name string, msg *engine.Message, sc *engine.SharedContext, writes []string) error {
	if u.Error != "" {
		return fmt.Errorf("component reported error: %s", u.Error)
	}

	if len(u.Context) > 0 {
		allowed := make(map[string]bool, len(writes))
		for _, w := range writes {
			allowed[w] = true
		}
		for key, v := range u.Context {
			if !allowed[key] {
				return fmt.Errorf("context key %q is not declared in writes", key)
			}
			sc.Set(key, v, name)
		}
	}

	if u.Intent != nil {
		msg.Set(engine.AttrIntent, *u.Intent, name)
	}
	if u.IntentRanking != nil {
		msg.Set(engine.AttrIntentRanking, u.IntentRanking, name)
	}

	for _, eu := range u.EntityUpdates {
		eu := eu
		if err := msg.UpdateEntity(eu.Index, name, func(e *engine.Entity) {
			if eu.Value != nil {
				e.Value = *eu.Value
			}
			if eu.Role != nil {
				e.Role = *eu.Role
			}
			if eu.Group != nil {
				e.Group = *eu.Group
			}
		}); err != nil {
			return err
		}
	}

	if len(u.Entities) > 0 {
		created := make([]engine.Entity, len(u.Entities))
		for i, e := range u.Entities {
			if e.Start < 0 || e.End > len(msg.Text) || e.Start > e.End {
				return fmt.Errorf("entity %q span [%d,%d) outside text", e.Entity, e.Start, e.End)
			}
			// Provenance is owned by the engine.
			e.Extractor, e.Processors = "", nil
			if e.Value == "" {
				e.Value = msg.Text[e.Start:e.End]
			}
			created[i] = e
		}
		msg.AddEntities(name, created...)
	}
	return nil
}

// describeUserComponent reads a descriptor from params for components
// whose capabilities are declared by the user.
func describeUserComponent(params engine.Params) (engine.Descriptor, error) {
	d := engine.Descriptor{
		Trainable:           params.Bool("trainable", false),
		ProcessTrainingData: params.Bool("process_training_data", false),
	}
	lists := make(map[string][]string, 4)
	for _, key := range []string{"reads", "writes", "provides", "requires"} {
		values := params.Strings(key)
		if raw, ok := params[key]; ok && raw != nil && len(values) != listLen(raw) {
			return engine.Descriptor{}, fmt.Errorf("param %s must be a list of strings", key)
		}
		lists[key] = values
	}
	d.Reads, d.Writes = lists["reads"], lists["writes"]
	for _, c := range lists["provides"] {
		d.Provides = append(d.Provides, engine.Capability(c))
	}
	for _, c := range lists["requires"] {
		d.Requires = append(d.Requires, engine.Capability(c))
	}
	return d, nil
}

func listLen(v interface{}) int {
	switch l := v.(type) {
	case []string:
		return len(l)
	case []interface{}:
		return len(l)
	}
	return -1
}
