// Package handlers contains the HTTP handlers for the subledger API.
//
// The webhook route is unauthenticated. It is called by the payment provider
// and trusts only the signature over the exact bytes received.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subledger/internal/core"
	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/reconcile"
	"subledger/internal/types"
)

// maxWebhookBodySize caps provider payloads. Larger bodies are rejected
// before verification.
const maxWebhookBodySize = 256 << 10

// VerifierLookup resolves the verifier for a provider path segment.
// Implemented by external.ClientRegistry.
type VerifierLookup interface {
	Verifier(provider string) (external.WebhookVerifier, bool)
}

// EventProcessor runs a verified delivery. Implemented by reconcile.Processor.
type EventProcessor interface {
	Process(ctx context.Context, evt *external.ProviderEvent, raw []byte) (*reconcile.Result, error)
}

// WebhookResponse is the body of every webhook reply.
type WebhookResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebhookHandler receives provider events.
type WebhookHandler struct {
	verifiers VerifierLookup
	processor EventProcessor
	metrics   metrics.Recorder
	logger    *slog.Logger
}

func NewWebhookHandler(verifiers VerifierLookup, processor EventProcessor, m metrics.Recorder, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &WebhookHandler{
		verifiers: verifiers,
		processor: processor,
		metrics:   m,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook outside /v1 so no compression or body
// rewriting happens before verification.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.Handle)
}

// Handle processes POST /webhooks/{provider}.
//
//  1. Resolve the provider's verifier (404 when unknown).
//  2. Read the raw body, capped at maxWebhookBodySize.
//  3. Verify the signature over those bytes (400, nothing is stored).
//  4. Process on a context detached from the client connection.
//  5. Reply 200 for processed and duplicate deliveries, 500 when the event
//     could not be recorded or the handler failed unexpectedly.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	verifier, ok := h.verifiers.Verifier(provider)
	if !ok {
		writeWebhook(w, r, http.StatusNotFound, WebhookResponse{
			Error: types.ProcessingErrorText(types.NewAppError(types.ErrCodeNotFoundProvider, "unknown provider", nil)),
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"provider", provider,
			"error", err,
		)
		h.metrics.RecordWebhook(r.Context(), "unknown", metrics.OutcomeRejected, 0)
		writeWebhook(w, r, status, WebhookResponse{
			Error: types.ProcessingErrorText(types.NewAppError(types.ErrCodeValidationPayload, "failed to read request body", err)),
		})
		return
	}

	evt, err := verifier.Verify(payload, r.Header.Get(signatureHeader(provider)))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected",
			"provider", provider,
			"error", err,
		)
		h.metrics.RecordWebhook(r.Context(), "unknown", metrics.OutcomeRejected, 0)
		writeWebhook(w, r, http.StatusBadRequest, WebhookResponse{Error: types.ProcessingErrorText(err)})
		return
	}

	start := time.Now()
	res, err := h.processor.Process(context.WithoutCancel(r.Context()), evt, payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"duration", time.Since(start),
			"error", err,
		)
		writeWebhook(w, r, http.StatusInternalServerError, WebhookResponse{
			EventID:   evt.ID,
			EventType: evt.Type,
			Error:     types.ProcessingErrorText(err),
		})
		return
	}

	writeWebhook(w, r, http.StatusOK, WebhookResponse{
		Success:   true,
		EventID:   res.ExternalID,
		EventType: string(res.EventType),
	})
}

// signatureHeader names the header carrying the provider's signature.
func signatureHeader(provider string) string {
	switch provider {
	case external.ProviderStripe:
		return "Stripe-Signature"
	default:
		return "X-Webhook-Signature"
	}
}

func writeWebhook(w http.ResponseWriter, r *http.Request, status int, body WebhookResponse) {
	core.JSON(w, r, status, body)
}
