// Package protocol defines the JSON-lines stdio protocol spoken between a
// host process and rasa-worker.
//
// The worker announces itself with READY, answers every PARSE with either
// RESULT or ERROR carrying the same id, and sends EXIT before it stops.
// The host may send EXIT to ask the worker to stop.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker has loaded its model.
	MessageTypeReady MessageType = "READY"
	// MessageTypeParse asks the worker to parse one utterance.
	MessageTypeParse MessageType = "PARSE"
	// MessageTypeResult carries a parse result.
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError reports a failed parse or a fatal worker error.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent by the worker before terminating, or by the
	// host to request termination.
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks if the message type is known.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeParse, MessageTypeResult, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", mt)
	}
}

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage describes the model the worker serves.
type ReadyMessage struct {
	Version    string            `json:"version"`
	PID        int               `json:"pid"`
	ArchiveID  string            `json:"archive_id,omitempty"`
	Language   string            `json:"language,omitempty"`
	Components []string          `json:"components"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ParseMessage asks for one utterance to be parsed.
type ParseMessage struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Timeout  int               `json:"timeout,omitempty"` // milliseconds, 0 = none
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the parse request.
func (p *ParseMessage) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("parse id is required")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// ResultMessage carries the result of a PARSE.
type ResultMessage struct {
	ID       string         `json:"id"`
	Result   *engine.Result `json:"result"`
	Duration float64        `json:"duration"` // seconds
}

// ErrorMessage reports a failure. ID is empty for errors not tied to a
// request. Class, Code, Component, Position and Phase mirror
// engine.EngineError so callers can classify remote failures.
type ErrorMessage struct {
	ID        string                 `json:"id,omitempty"`
	Class     string                 `json:"class,omitempty"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Position  int                    `json:"position"`
	Phase     string                 `json:"phase,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Parsed   int    `json:"parsed"`
	Failed   int    `json:"failed"`
}

// Error codes used outside engine errors.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeParseFailed    = "PARSE_FAILED"
	CodeTimeout        = "TIMEOUT"
	CodeLoadFailed     = "LOAD_FAILED"
)

// NewErrorMessage converts err into an ErrorMessage for request id.
// Engine errors keep their classification.
func NewErrorMessage(id string, err error) *ErrorMessage {
	msg := &ErrorMessage{ID: id, Code: CodeParseFailed, Message: err.Error(), Position: -1}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		msg.Class = string(ee.Class)
		msg.Message = ee.Message
		if ee.Err != nil {
			msg.Message += ": " + ee.Err.Error()
		}
		msg.Code = ee.Code
		msg.Component = ee.Component
		msg.Position = ee.Position
		msg.Phase = string(ee.Phase)
		msg.Details = ee.Details
	}
	return msg
}

// Err converts the message back into an error. Classified messages become
// *engine.EngineError so errors.Is works across the process boundary.
func (e *ErrorMessage) Err() error {
	if e.Class == "" {
		return &RemoteError{Code: e.Code, Message: e.Message}
	}
	return &engine.EngineError{
		Class:     engine.ErrorClass(e.Class),
		Message:   e.Message,
		Code:      e.Code,
		Component: e.Component,
		Position:  e.Position,
		Phase:     engine.Phase(e.Phase),
		Details:   e.Details,
	}
}

// RemoteError is an unclassified error reported by the worker.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker error %s: %s", e.Code, e.Message)
}
