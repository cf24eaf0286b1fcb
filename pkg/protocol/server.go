package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylhub/rasa/pkg/engine"
)

// Parser parses a single utterance. *engine.Interpreter satisfies it.
type Parser interface {
	Parse(ctx context.Context, text string) (*engine.Result, error)
}

// Server answers PARSE requests read from in and writes responses to out.
// Requests are handled one at a time in arrival order.
type Server struct {
	parser Parser
	dec    *Decoder
	enc    *Encoder
	logger zerolog.Logger

	parsed int
	failed int
}

// NewServer creates a server for one stdio session.
func NewServer(parser Parser, in io.Reader, out io.Writer, logger zerolog.Logger) *Server {
	return &Server{
		parser: parser,
		dec:    NewDecoder(in),
		enc:    NewEncoder(out),
		logger: logger.With().Str("component", "protocol").Logger(),
	}
}

// Serve announces ready and processes requests until the host sends EXIT,
// in is closed, or ctx is cancelled. It always tries to send a final EXIT
// message and returns it.
func (s *Server) Serve(ctx context.Context, ready *ReadyMessage) (*ExitMessage, error) {
	if err := s.enc.EncodeReady(ready); err != nil {
		return nil, fmt.Errorf("failed to send READY: %w", err)
	}

	type decoded struct {
		msg *Message
		err error
	}
	msgs := make(chan decoded)
	go func() {
		for {
			msg, err := s.dec.Decode()
			select {
			case msgs <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
		}
	}()

	for {
		var d decoded
		select {
		case <-ctx.Done():
			return s.finish("cancelled", 1)
		case d = <-msgs:
		}

		if d.err != nil {
			if errors.Is(d.err, io.EOF) {
				return s.finish("input closed", 0)
			}
			s.logger.Warn().Err(d.err).Msg("Skipping malformed message")
			_ = s.enc.EncodeError(&ErrorMessage{Code: CodeInvalidRequest, Message: d.err.Error(), Position: -1})
			continue
		}

		switch d.msg.Type {
		case MessageTypeParse:
			s.handleParse(ctx, d.msg)
		case MessageTypeExit:
			return s.finish("exit requested", 0)
		default:
			_ = s.enc.EncodeError(&ErrorMessage{
				Code:     CodeInvalidRequest,
				Message:  fmt.Sprintf("unexpected message type: %s", d.msg.Type),
				Position: -1,
			})
		}
	}
}

func (s *Server) handleParse(ctx context.Context, msg *Message) {
	var req ParseMessage
	if err := DecodeData(msg, &req); err != nil {
		s.failed++
		_ = s.enc.EncodeError(&ErrorMessage{Code: CodeInvalidRequest, Message: err.Error(), Position: -1})
		return
	}
	if err := req.Validate(); err != nil {
		s.failed++
		_ = s.enc.EncodeError(&ErrorMessage{ID: req.ID, Code: CodeInvalidRequest, Message: err.Error(), Position: -1})
		return
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := s.parser.Parse(reqCtx, req.Text)
	duration := time.Since(start)
	if err != nil {
		s.failed++
		em := NewErrorMessage(req.ID, err)
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && em.Class == "" {
			em.Code = CodeTimeout
		}
		s.logger.Debug().Str("id", req.ID).Err(err).Msg("Parse failed")
		if err := s.enc.EncodeError(em); err != nil {
			s.logger.Error().Err(err).Msg("Failed to send error")
		}
		return
	}

	s.parsed++
	if err := s.enc.EncodeResult(&ResultMessage{ID: req.ID, Result: result, Duration: duration.Seconds()}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send result")
	}
}

func (s *Server) finish(reason string, code int) (*ExitMessage, error) {
	exit := &ExitMessage{Reason: reason, ExitCode: code, Parsed: s.parsed, Failed: s.failed}
	if err := s.enc.EncodeExit(exit); err != nil {
		return exit, fmt.Errorf("failed to send EXIT: %w", err)
	}
	return exit, nil
}
