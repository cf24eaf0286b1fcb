package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// DefaultStartupTimeout bounds how long NewClient waits for READY.
const DefaultStartupTimeout = 30 * time.Second

// ErrWorkerExited is returned for requests still pending when the worker
// stops.
var ErrWorkerExited = errors.New("worker exited")

// Client talks to a rasa-worker over its stdin and stdout. Requests may be
// issued concurrently; responses are matched by id.
type Client struct {
	encoder *Encoder
	decoder *Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *ReadyMessage
	cmd     *exec.Cmd

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
	exit    *ExitMessage
	readErr error
	done    chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	startupTimeout time.Duration
}

// WithStartupTimeout overrides DefaultStartupTimeout.
func WithStartupTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.startupTimeout = d }
}

// NewClient performs the READY handshake on the given pipes and starts
// reading responses.
func NewClient(ctx context.Context, stdin io.WriteCloser, stdout io.ReadCloser, opts ...ClientOption) (*Client, error) {
	o := clientOptions{startupTimeout: DefaultStartupTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		encoder: NewEncoder(stdin),
		decoder: NewDecoder(stdout),
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}

	readyCtx, cancel := context.WithTimeout(ctx, o.startupTimeout)
	defer cancel()

	readyCh := make(chan *ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		switch msg.Type {
		case MessageTypeReady:
		case MessageTypeError:
			var em ErrorMessage
			if err := DecodeData(msg, &em); err != nil {
				errCh <- err
				return
			}
			errCh <- em.Err()
			return
		default:
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if err := DecodeData(msg, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = stdin.Close()
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
	}

	go c.readLoop()
	return c, nil
}

// StartWorker launches the worker binary at path and connects to it.
// The process is killed if ctx is cancelled.
func StartWorker(ctx context.Context, path string, args []string, opts ...ClientOption) (*Client, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	c, err := NewClient(ctx, stdin, stdout, opts...)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	c.cmd = cmd
	return c, nil
}

// Ready returns the worker's READY announcement.
func (c *Client) Ready() *ReadyMessage {
	return c.ready
}

// Parse sends one utterance and waits for its RESULT. A deadline on ctx is
// forwarded to the worker as the request timeout.
func (c *Client) Parse(ctx context.Context, id, text string) (*ResultMessage, error) {
	req := &ParseMessage{ID: id, Text: text}
	if deadline, ok := ctx.Deadline(); ok {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 1 {
			return nil, context.DeadlineExceeded
		}
		req.Timeout = ms
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parse request: %w", err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	if c.readErr != nil || c.exit != nil {
		c.mu.Unlock()
		return nil, ErrWorkerExited
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %s already in flight", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.encoder.EncodeParse(req); err != nil {
		return nil, fmt.Errorf("failed to send parse request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrWorkerExited
		}
		if msg.Type == MessageTypeError {
			var em ErrorMessage
			if err := DecodeData(msg, &em); err != nil {
				return nil, err
			}
			return nil, em.Err()
		}
		var res ResultMessage
		if err := DecodeData(msg, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
}

// readLoop dispatches responses to waiting requests until the stream ends.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			c.fail(err, nil)
			return
		}

		switch msg.Type {
		case MessageTypeResult, MessageTypeError:
			var ref struct {
				ID string `json:"id"`
			}
			if err := DecodeData(msg, &ref); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[ref.ID]
			if ok {
				delete(c.pending, ref.ID)
			}
			c.mu.Unlock()
			// Responses for abandoned requests are dropped.
			if ok {
				ch <- msg
			}
		case MessageTypeExit:
			var exit ExitMessage
			_ = DecodeData(msg, &exit)
			c.fail(nil, &exit)
			return
		}
	}
}

func (c *Client) fail(err error, exit *ExitMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		c.readErr = err
	} else if err != nil {
		c.readErr = ErrWorkerExited
	}
	c.exit = exit
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Exit returns the worker's EXIT message once it has been received.
func (c *Client) Exit() *ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Close asks the worker to exit and waits for it to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	running := c.exit == nil && c.readErr == nil
	c.mu.Unlock()

	if running {
		_ = c.encoder.EncodeExit(&ExitMessage{Reason: "client closed"})
	}
	if err := c.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("failed to close worker stdin: %w", err)
	}

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		_ = c.stdout.Close()
	}

	if c.cmd != nil {
		if err := c.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return fmt.Errorf("failed to wait for worker: %w", err)
			}
		}
	}
	return nil
}
