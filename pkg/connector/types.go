package connector

import (
	"context"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/nlg"
)

// Parser turns text into a parse result. *engine.Interpreter satisfies it.
type Parser interface {
	Parse(ctx context.Context, text string) (*engine.Result, error)
}

// UserMessage is one inbound channel message.
type UserMessage struct {
	Channel    string            `json:"channel"`
	Sender     string            `json:"sender"`
	Text       string            `json:"text"`
	DeliveryID string            `json:"delivery_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Output is what the connector forwards after a message was parsed.
type Output struct {
	Message  *UserMessage   `json:"message"`
	Result   *engine.Result `json:"result"`
	Response *nlg.Response  `json:"response,omitempty"`
}

// OutputChannel receives processed messages.
type OutputChannel interface {
	Send(ctx context.Context, out *Output) error
}

// Delivery outcomes, as reported in responses and metrics.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeIgnoredRetry = "ignored_retry"
	OutcomeFailed       = "failed"
)

// webhookRequest is the body of POST /webhooks/{channel}.
type webhookRequest struct {
	Sender     string            `json:"sender" validate:"required"`
	Text       string            `json:"text" validate:"required"`
	DeliveryID string            `json:"delivery_id" validate:"omitempty,max=256"`
	Metadata   map[string]string `json:"metadata"`
}

// webhookResponse is returned for every accepted webhook call.
type webhookResponse struct {
	Status     string         `json:"status"`
	DeliveryID string         `json:"delivery_id"`
	Attempts   int            `json:"attempts,omitempty"`
	Result     *engine.Result `json:"result,omitempty"`
	Response   *nlg.Response  `json:"response,omitempty"`
}

// parseRequest is the body of POST /model/parse.
type parseRequest struct {
	Text      string `json:"text" validate:"required"`
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
