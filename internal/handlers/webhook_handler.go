// Package handlers holds the inbound HTTP surface: the gateway webhook
// endpoint that feeds C2/C8. The liveness/readiness probes live in
// internal/bootstrap (RegisterHealthRoutes). Adapted from the original WebhookHandler:
// same tracer-field-on-struct, c.Request.Context()-derived span, and
// payload-size-bounded body read, rewired from a single fixed-format
// WhatsApp Cloud API payload to the instance-scoped envelope spec §6
// names, and from a "parse then hand to WhatsAppService" pipeline to
// "parse then hand to internal/preprocess then internal/orchestrator".
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/orchestrator"
	"github.com/kumon/receptionist/internal/preprocess"
	"github.com/kumon/receptionist/internal/telemetry"
)

const maxWebhookPayloadSize = 1024 * 1024 * 16

// inboundEnvelope is the gateway's webhook body: one inbound message from
// one peer on one pinned instance.
type inboundEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	Instance       string    `json:"instance"`
	Text           string    `json:"text"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// WebhookHandler is the inbound HTTP surface for C2 (preprocess) and C8
// (orchestrator).
type WebhookHandler struct {
	preprocessor *preprocess.Preprocessor
	orchestrator *orchestrator.Orchestrator
	cfg          *config.Config
	payloadPool  sync.Pool
	tracer       trace.Tracer
}

// NewWebhookHandler builds a WebhookHandler.
func NewWebhookHandler(p *preprocess.Preprocessor, o *orchestrator.Orchestrator, cfg *config.Config) (*WebhookHandler, error) {
	if p == nil {
		return nil, errNilPreprocessor
	}
	if o == nil {
		return nil, errNilOrchestrator
	}

	return &WebhookHandler{
		preprocessor: p,
		orchestrator: o,
		cfg:          cfg,
		payloadPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 0, maxWebhookPayloadSize)
			},
		},
		tracer: telemetry.Tracer("webhook-handler"),
	}, nil
}

var (
	errNilPreprocessor = handlerError("preprocessor is required")
	errNilOrchestrator = handlerError("orchestrator is required")
)

// systemReplyTemplate names the canned reply and checkpoint reason for a
// drop reason that spec §4.2 still requires exactly one real templated
// reply for, rather than silence.
type systemReplyTemplate struct {
	templateName     string
	checkpointReason string
}

var systemReplyTemplates = map[preprocess.DropReason]systemReplyTemplate{
	preprocess.DropDeferredHours:     {templateName: "generic:after_hours:default", checkpointReason: models.ReasonDeferredHours},
	preprocess.DropInjectionDetected: {templateName: "generic:injection_refusal:default", checkpointReason: models.ReasonInjectionRefusal},
}

func systemReplyFor(reason preprocess.DropReason) (systemReplyTemplate, bool) {
	tmpl, ok := systemReplyTemplates[reason]
	return tmpl, ok
}

type handlerError string

func (e handlerError) Error() string { return string(e) }

// HandleWebhook processes one inbound gateway webhook call: preprocess
// (authenticity, dedup, rate limit, hours gate, sanitization) then a
// synchronous orchestrator turn. A Dropped turn is never a transport
// error — the gateway should not retry it — except an invalid signature,
// which the handler reports as 401 so a misconfigured gateway notices.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handle_webhook",
		trace.WithAttributes(
			attribute.String("handler", "webhook"),
			attribute.String("method", c.Request.Method),
		),
	)
	defer span.End()

	body := h.payloadPool.Get().([]byte)
	defer h.payloadPool.Put(body[:0])

	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookPayloadSize)
	body, err := io.ReadAll(reader)
	if err != nil {
		span.SetAttributes(attribute.String("error", "payload_too_large"))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		span.SetAttributes(attribute.String("error", "invalid_payload"))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	turn, err := h.preprocessor.Process(ctx, preprocess.RawPayload{
		ConversationID: env.ConversationID,
		PeerID:         env.PeerID,
		Instance:       env.Instance,
		Text:           env.Text,
		MessageID:      env.MessageID,
		Timestamp:      env.Timestamp,
		Signature:      c.GetHeader("X-Gateway-Signature"),
		Body:           body,
	}, h.cfg.Server.WebhookSecret)
	if err != nil {
		var dropped *preprocess.Dropped
		if errors.As(err, &dropped) {
			span.SetAttributes(attribute.String("drop_reason", string(dropped.Reason)))
			if dropped.Reason == preprocess.DropInvalidSignature {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
				return
			}

			if systemReply, ok := systemReplyFor(dropped.Reason); ok {
				if err := h.orchestrator.DispatchSystemReply(ctx, orchestrator.SystemReply{
					ConversationID:   env.ConversationID,
					PeerID:           env.PeerID,
					Instance:         env.Instance,
					MessageID:        env.MessageID,
					TemplateName:     systemReply.templateName,
					CheckpointReason: systemReply.checkpointReason,
				}); err != nil {
					span.SetAttributes(attribute.String("error", err.Error()))
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send system reply"})
					return
				}
			}

			c.JSON(http.StatusOK, gin.H{"status": "dropped", "reason": dropped.Reason})
			return
		}
		span.SetAttributes(attribute.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preprocessing failed"})
		return
	}

	if err := h.orchestrator.Dispatch(ctx, turn); err != nil {
		span.SetAttributes(attribute.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process turn"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
