package engine

import (
	"time"
)

// StepConfig is one entry of a pipeline configuration.
type StepConfig struct {
	// Component is the registered factory type, e.g. "WhitespaceTokenizer".
	Component string `json:"component" yaml:"component" validate:"required"`

	// Name is an optional instance name. Defaults to Component. Entity
	// provenance and error messages use it.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Params are the component parameters.
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`
}

// InstanceName returns Name, or Component when Name is empty.
func (s StepConfig) InstanceName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Component
}

// PipelineConfig is the ordered, user-declared list of components.
type PipelineConfig struct {
	Language string            `json:"language,omitempty" yaml:"language,omitempty"`
	Steps    []StepConfig      `json:"pipeline" yaml:"pipeline" validate:"required,min=1,dive"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ResponseCandidate is one ranked response.
type ResponseCandidate struct {
	ResponseKey string  `json:"response_key"`
	Response    string  `json:"response"`
	Confidence  float64 `json:"confidence"`
}

// ResponseSelection is the selected response for a retrieval intent.
type ResponseSelection struct {
	RetrievalIntent string              `json:"retrieval_intent"`
	Response        ResponseCandidate   `json:"response"`
	Ranking         []ResponseCandidate `json:"ranking,omitempty"`
}

// Result is the structured interpretation of one message.
type Result struct {
	MessageID        string                       `json:"message_id"`
	Text             string                       `json:"text"`
	Intent           *Intent                      `json:"intent,omitempty"`
	IntentRanking    []Intent                     `json:"intent_ranking,omitempty"`
	Entities         []Entity                     `json:"entities"`
	ResponseSelector map[string]ResponseSelection `json:"response_selector,omitempty"`

	// Provenance lists the writers of every attribute in write order.
	Provenance map[string][]string `json:"provenance,omitempty"`

	// Message is the processed message with its full attribute bag.
	Message *Message `json:"-"`
}

// NewResult reads a processed message back into a Result.
func NewResult(msg *Message) *Result {
	r := &Result{
		MessageID:  msg.ID,
		Text:       msg.Text,
		Entities:   msg.Entities(),
		Provenance: make(map[string][]string),
		Message:    msg,
	}
	if intent, ok := msg.Intent(); ok {
		r.Intent = &intent
	}
	if ranking, ok := AttributeValue[[]Intent](msg, AttrIntentRanking); ok {
		r.IntentRanking = append([]Intent(nil), ranking...)
	}
	if sel, ok := AttributeValue[map[string]ResponseSelection](msg, AttrResponseSelector); ok {
		r.ResponseSelector = make(map[string]ResponseSelection, len(sel))
		for k, v := range sel {
			r.ResponseSelector[k] = v
		}
	}
	for _, key := range msg.Keys() {
		attr, _ := msg.Attribute(key)
		r.Provenance[key] = attr.Writers
	}
	return r
}

// StepResult is the outcome of one component in a run.
type StepResult struct {
	Name     string        `json:"name"`
	Position int           `json:"position"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunSummary summarizes a training run or a single inference run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Phase       Phase         `json:"phase"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Examples    int           `json:"examples"`
	Steps       []StepResult  `json:"steps"`
	Error       string        `json:"error,omitempty"`
}
