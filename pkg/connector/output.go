package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOutput posts every output as JSON to a URL.
type HTTPOutput struct {
	url    string
	client *http.Client
}

// NewHTTPOutput creates an output posting to url with the given timeout.
func NewHTTPOutput(url string, timeout time.Duration) *HTTPOutput {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOutput{url: url, client: &http.Client{Timeout: timeout}}
}

// Send implements OutputChannel.
func (o *HTTPOutput) Send(ctx context.Context, out *Output) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create output request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send output: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("output endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogOutput writes outputs to a logger.
type LogOutput struct {
	logger zerolog.Logger
}

// NewLogOutput creates an output that logs every message at info level.
func NewLogOutput(logger zerolog.Logger) *LogOutput {
	return &LogOutput{logger: logger.With().Str("component", "output").Logger()}
}

// Send implements OutputChannel.
func (o *LogOutput) Send(_ context.Context, out *Output) error {
	ev := o.logger.Info().
		Str("channel", out.Message.Channel).
		Str("sender", out.Message.Sender).
		Str("delivery_id", out.Message.DeliveryID)
	if out.Result != nil && out.Result.Intent != nil {
		ev = ev.Str("intent", out.Result.Intent.Name).Float64("confidence", out.Result.Intent.Confidence)
	}
	if out.Response != nil && out.Response.Text != "" {
		ev = ev.Str("response", out.Response.Text)
	}
	ev.Msg("Message processed")
	return nil
}

// CollectingOutput keeps outputs in memory.
type CollectingOutput struct {
	mu      sync.Mutex
	outputs []*Output
	err     error
}

// Send implements OutputChannel. It fails with the error set by FailWith.
func (o *CollectingOutput) Send(_ context.Context, out *Output) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.outputs = append(o.outputs, out)
	return nil
}

// FailWith makes subsequent sends fail with err. Nil restores success.
func (o *CollectingOutput) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Outputs returns a copy of the collected outputs.
func (o *CollectingOutput) Outputs() []*Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Output(nil), o.outputs...)
}
