package connector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/blake2b"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/nlg"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// NoRetryHeader tells the platform not to retry an acknowledged delivery.
const NoRetryHeader = "X-Slack-No-Retry"

// Config configures retry handling of the webhook.
type Config struct {
	// RetryHeader carries the retry number. Its presence marks a retry.
	RetryHeader string

	// RetryReasonHeader carries why the platform retried.
	RetryReasonHeader string

	// ErrorsIgnoreRetry lists retry reasons acknowledged without
	// processing.
	ErrorsIgnoreRetry []string

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns the Slack-compatible defaults.
func DefaultConfig() Config {
	return Config{
		RetryHeader:       "X-Slack-Retry-Num",
		RetryReasonHeader: "X-Slack-Retry-Reason",
		ErrorsIgnoreRetry: []string{"http_timeout"},
		MaxBodyBytes:      1 << 20,
	}
}

// Handler serves the inbound webhook and a direct parse endpoint.
type Handler struct {
	cfg       Config
	parser    Parser
	store     DeliveryStore
	output    OutputChannel
	generator nlg.Generator
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
	validate  *validator.Validate
}

// Option configures a Handler.
type Option func(*Handler)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(h *Handler) {
		if cfg.MaxBodyBytes <= 0 {
			cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
		}
		h.cfg = cfg
	}
}

// WithGenerator generates a response for each parsed message from the
// template named after its intent.
func WithGenerator(g nlg.Generator) Option {
	return func(h *Handler) { h.generator = g }
}

// WithTelemetry records delivery metrics, events and spans.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(h *Handler) {
		if t != nil {
			h.telemetry = t
		}
	}
}

// NewHandler creates a handler. A nil store uses an unbounded in-memory
// store.
func NewHandler(parser Parser, store DeliveryStore, output OutputChannel, opts ...Option) *Handler {
	h := &Handler{
		cfg:       DefaultConfig(),
		parser:    parser,
		store:     store,
		output:    output,
		telemetry: telemetry.NewNop(),
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = NewMemoryDeliveryStore(0)
	}
	h.logger = h.telemetry.Logger.NewComponentLogger("connector")
	return h
}

// Register adds the handler's routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{channel}", h.handleWebhook)
	mux.HandleFunc("POST /model/parse", h.handleParse)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	var req webhookRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Without a delivery id, retries are matched on content.
	derived := req.DeliveryID == ""
	if derived {
		req.DeliveryID = contentDeliveryID(channel, req.Sender, req.Text)
	}
	reason, retried := h.retryReason(r)

	msg := &UserMessage{
		Channel:    channel,
		Sender:     req.Sender,
		Text:       req.Text,
		DeliveryID: req.DeliveryID,
		Metadata:   req.Metadata,
		ReceivedAt: time.Now().UTC(),
	}

	ctx, span := h.telemetry.Tracer.StartSpan(r.Context(), "connector.webhook",
		attribute.String("channel", channel),
		telemetry.AttrMessageID.String(msg.DeliveryID),
	)
	defer span.End()

	log := h.logger.WithFields(map[string]interface{}{
		"channel":     channel,
		"delivery_id": msg.DeliveryID,
		"sender":      msg.Sender,
	})

	if retried && slices.Contains(h.cfg.ErrorsIgnoreRetry, reason) {
		w.Header().Set(NoRetryHeader, "1")
		h.skip(channel, msg.DeliveryID, OutcomeIgnoredRetry, "retry reason "+reason)
		log.WithField("reason", reason).Debug("Ignoring platform retry")
		writeJSON(w, http.StatusOK, webhookResponse{Status: OutcomeIgnoredRetry, DeliveryID: msg.DeliveryID})
		return
	}

	delivery, process, err := h.store.BeginDelivery(ctx, channel, msg.DeliveryID, msg.Sender)
	if err != nil {
		telemetry.RecordError(span, err)
		log.WithError(err).Error("Failed to register delivery")
		writeError(w, http.StatusInternalServerError, "failed to register delivery", "STORE_FAILED")
		return
	}
	if !process && derived && !retried {
		// The sender repeated an earlier text.
		process = true
	}
	if !process {
		h.skip(channel, msg.DeliveryID, OutcomeDuplicate, "already handled")
		log.WithField("attempts", delivery.Attempts).Debug("Duplicate delivery")
		writeJSON(w, http.StatusOK, webhookResponse{Status: OutcomeDuplicate, DeliveryID: msg.DeliveryID, Attempts: delivery.Attempts})
		return
	}

	result, err := h.parser.Parse(ctx, msg.Text)
	if err != nil {
		h.fail(ctx, msg, err)
		telemetry.RecordError(span, err)
		log.WithError(err).Error("Failed to parse message")
		writeError(w, http.StatusInternalServerError, err.Error(), engine.ErrorCodeOf(err))
		return
	}

	out := &Output{Message: msg, Result: result, Response: h.generate(ctx, msg, result, log)}
	if err := h.output.Send(ctx, out); err != nil {
		h.fail(ctx, msg, err)
		telemetry.RecordError(span, err)
		log.WithError(err).Error("Failed to forward message")
		writeError(w, http.StatusBadGateway, err.Error(), "OUTPUT_FAILED")
		return
	}

	if err := h.store.CompleteDelivery(ctx, channel, msg.DeliveryID, nil); err != nil {
		log.WithError(err).Warn("Failed to mark delivery processed")
	}
	h.telemetry.Metrics.RecordDelivery(channel, OutcomeProcessed)
	telemetry.RecordSuccess(span)

	writeJSON(w, http.StatusOK, webhookResponse{
		Status:     OutcomeProcessed,
		DeliveryID: msg.DeliveryID,
		Attempts:   delivery.Attempts,
		Result:     result,
		Response:   out.Response,
	})
}

// contentDeliveryID derives a delivery id from the message itself.
func contentDeliveryID(channel, sender, text string) string {
	sum := blake2b.Sum256([]byte(channel + "\x00" + sender + "\x00" + text))
	return "content-" + hex.EncodeToString(sum[:16])
}

// retryReason reports the retry reason and whether the request is a retry.
func (h *Handler) retryReason(r *http.Request) (string, bool) {
	if h.cfg.RetryHeader == "" || r.Header.Get(h.cfg.RetryHeader) == "" {
		return "", false
	}
	return r.Header.Get(h.cfg.RetryReasonHeader), true
}

func (h *Handler) generate(ctx context.Context, msg *UserMessage, result *engine.Result, log *telemetry.Logger) *nlg.Response {
	if h.generator == nil || result.Intent == nil {
		return nil
	}
	tracker := nlg.NewTracker(msg.Sender, result)
	resp, err := h.generator.Generate(ctx, nlg.TemplateFor(result.Intent.Name), tracker, msg.Channel, nil)
	if err != nil {
		if !errors.Is(err, nlg.ErrNoTemplate) {
			log.WithError(err).Warn("Failed to generate response")
		}
		return nil
	}
	return resp
}

func (h *Handler) skip(channel, deliveryID, outcome, reason string) {
	h.telemetry.Metrics.RecordDelivery(channel, outcome)
	_ = h.telemetry.Events.PublishDeliverySkipped(channel, deliveryID, reason)
}

func (h *Handler) fail(ctx context.Context, msg *UserMessage, cause error) {
	errMsg := cause.Error()
	if err := h.store.CompleteDelivery(ctx, msg.Channel, msg.DeliveryID, &errMsg); err != nil {
		h.logger.WithError(err).Warn("Failed to mark delivery failed")
	}
	h.telemetry.Metrics.RecordDelivery(msg.Channel, OutcomeFailed)
	if class := engine.ErrorClassOf(cause); class != "" {
		h.telemetry.Metrics.RecordError(string(class), engine.ErrorCodeOf(cause))
	}
}

func (h *Handler) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.parser.Parse(r.Context(), req.Text)
	if err != nil {
		status := http.StatusInternalServerError
		if engine.IsPersistenceError(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error(), engine.ErrorCodeOf(err))
		return
	}
	if req.MessageID != "" {
		result.MessageID = req.MessageID
	}
	writeJSON(w, http.StatusOK, result)
}

// modelHolder is implemented by parsers that may not have a model loaded.
type modelHolder interface {
	Pipeline() (*engine.Pipeline, error)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if mh, ok := h.parser.(modelHolder); ok {
		if _, err := mh.Pipeline(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates a JSON body, writing the error response
// itself when that fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "INVALID_REQUEST")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "INVALID_REQUEST")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Code: "INVALID_REQUEST", Details: details})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
