package nlg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single callback request.
const DefaultTimeout = 5 * time.Second

// CallbackGenerator asks an external HTTP endpoint for responses.
type CallbackGenerator struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// CallbackOption configures a CallbackGenerator.
type CallbackOption func(*CallbackGenerator)

// WithTimeout sets the per-request timeout. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) CallbackOption {
	return func(g *CallbackGenerator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) CallbackOption {
	return func(g *CallbackGenerator) { g.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) CallbackOption {
	return func(g *CallbackGenerator) {
		g.logger = logger.With().Str("component", "nlg").Logger()
	}
}

// NewCallbackGenerator creates a generator posting to url.
func NewCallbackGenerator(url string, opts ...CallbackOption) *CallbackGenerator {
	g := &CallbackGenerator{
		url:     url,
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type callbackChannel struct {
	Name string `json:"name"`
}

type callbackRequest struct {
	Template  string                 `json:"template"`
	Arguments map[string]interface{} `json:"arguments"`
	Tracker   *Tracker               `json:"tracker"`
	Channel   callbackChannel        `json:"channel"`
}

// Generate posts the template request and decodes the endpoint's response.
// A 404 from the endpoint maps to ErrNoTemplate.
func (g *CallbackGenerator) Generate(ctx context.Context, template string, tracker *Tracker, channel string, args map[string]interface{}) (*Response, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	body, err := json.Marshal(callbackRequest{
		Template:  template,
		Arguments: args,
		Tracker:   tracker,
		Channel:   callbackChannel{Name: channel},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal nlg request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create nlg request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call nlg endpoint: %w", err)
	}
	defer resp.Body.Close()

	g.logger.Debug().
		Str("template", template).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("NLG callback")

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, template)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("nlg endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode nlg response: %w", err)
	}
	return &out, nil
}
