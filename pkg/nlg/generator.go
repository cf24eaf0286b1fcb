// Package nlg generates bot responses for parsed messages, either through
// an external HTTP endpoint or from locally stored templates.
package nlg

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylhub/rasa/pkg/engine"
)

// ErrNoTemplate is returned when a generator has nothing for a template.
var ErrNoTemplate = errors.New("no response template")

// Button is a quick reply attached to a response.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Response is a generated bot message.
type Response struct {
	Text       string                 `json:"text,omitempty"`
	Buttons    []Button               `json:"buttons,omitempty"`
	Image      string                 `json:"image,omitempty"`
	Attachment interface{}            `json:"attachment,omitempty"`
	Custom     map[string]interface{} `json:"custom,omitempty"`
}

// Empty reports whether the response carries nothing to send.
func (r *Response) Empty() bool {
	return r.Text == "" && len(r.Buttons) == 0 && r.Image == "" && r.Attachment == nil && len(r.Custom) == 0
}

// Tracker is the conversation state a generator may draw on.
type Tracker struct {
	SenderID      string                 `json:"sender_id"`
	Slots         map[string]interface{} `json:"slots"`
	LatestMessage *engine.Result         `json:"latest_message,omitempty"`
}

// NewTracker builds a tracker for sender whose slots are filled from the
// entities of result. Later entities overwrite earlier ones.
func NewTracker(sender string, result *engine.Result) *Tracker {
	t := &Tracker{SenderID: sender, Slots: map[string]interface{}{}, LatestMessage: result}
	if result == nil {
		return t
	}
	for _, e := range result.Entities {
		t.Slots[e.Entity] = e.Value
	}
	return t
}

// Generator produces a response for a template name.
type Generator interface {
	Generate(ctx context.Context, template string, tracker *Tracker, channel string, args map[string]interface{}) (*Response, error)
}

// Config selects and configures a generator.
type Config struct {
	// URL of an external generation endpoint.
	URL     string
	Timeout time.Duration

	// Templates maps template names to response variations.
	Templates map[string][]string
}

// Resolve returns the generator described by cfg: the external endpoint
// when a URL is set, otherwise local templates. It returns nil when
// neither is configured.
func Resolve(cfg Config, logger zerolog.Logger) Generator {
	if cfg.URL != "" {
		logger.Debug().Str("url", cfg.URL).Msg("Using external response generator")
		return NewCallbackGenerator(cfg.URL, WithTimeout(cfg.Timeout), WithLogger(logger))
	}
	if len(cfg.Templates) > 0 {
		logger.Debug().Int("templates", len(cfg.Templates)).Msg("Using template response generator")
		return NewTemplateGenerator(cfg.Templates)
	}
	return nil
}

// TemplateFor names the response template for an intent.
func TemplateFor(intent string) string {
	return "utter_" + intent
}
