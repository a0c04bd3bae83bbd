// Package handlers implements the HTTP endpoints of the API server.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/stackpilot/internal/api/errors"
	perrors "github.com/narvanalabs/stackpilot/internal/errors"
)

// maxBodyBytes bounds request bodies and webhook payloads.
const maxBodyBytes = 5 << 20

// Message is the body of an operation without a richer result.
type Message struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError classifies err and writes its public message. Unclassified
// failures are logged with their detail.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apierrors.FromError(err).WithRequestID(middleware.GetReqID(r.Context()))
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.Error("request failed",
			"error", err,
			"kind", perrors.KindOf(err),
			"path", r.URL.Path,
			"request_id", apiErr.RequestID,
		)
	}
	apierrors.WriteError(w, apiErr)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteError(w, apierrors.NewValidationError(message).WithRequestID(middleware.GetReqID(r.Context())))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return perrors.Validation("Request body is required.")
		}
		return perrors.Validation("Invalid Request.")
	}
	return nil
}
