package handlers

import (
	"io"
	"log/slog"
	"net/http"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/webhook"
)

// WebhookHandler receives source-control deliveries.
type WebhookHandler struct {
	processor *webhook.Processor
	logger    *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(p *webhook.Processor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: p,
		logger:    logger,
	}
}

// GitHub handles POST /webhooks/github. The signature is checked over the
// raw body, so it is read before anything is decoded.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, h.logger, perrors.Validation("Invalid Request."))
		return
	}

	resp, err := h.processor.Handle(r.Context(), webhook.EventType(r.Header), r.Header.Get(webhook.HeaderSignature), body)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
