package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
)

// StackHandler handles database and service stacks.
type StackHandler struct {
	orch   *orchestrator.Service
	logger *slog.Logger
}

// NewStackHandler creates a new stack handler.
func NewStackHandler(orch *orchestrator.Service, logger *slog.Logger) *StackHandler {
	return &StackHandler{
		orch:   orch,
		logger: logger,
	}
}

// StackResponse describes a deployed stack. Creation responses are
// redacted; lookups carry the connection credentials.
type StackResponse struct {
	Success       bool                  `json:"success"`
	Message       string                `json:"message,omitempty"`
	Name          string                `json:"name"`
	Configuration *models.Configuration `json:"configuration"`
	Envs          map[string]string     `json:"envs,omitempty"`
}

const messageDeployed = "Deployed."

// DeployDatabase handles POST /v1/databases.
func (h *StackHandler) DeployDatabase(w http.ResponseWriter, r *http.Request) {
	var raw models.Configuration
	if err := decodeJSON(w, r, &raw); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	cfg, err := h.orch.DeployDatabase(r.Context(), &raw)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, StackResponse{
		Success:       true,
		Message:       messageDeployed,
		Name:          cfg.General.DeployID,
		Configuration: cfg.Redacted(),
	})
}

// GetDatabase handles GET /v1/databases/{deployId}.
func (h *StackHandler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	d, err := h.orch.Database(r.Context(), chi.URLParam(r, "deployId"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, deployedResponse(d))
}

// RemoveDatabase handles DELETE /v1/databases/{deployId}.
func (h *StackHandler) RemoveDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.RemoveDatabase(r.Context(), chi.URLParam(r, "deployId")); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Message{Success: true, Message: orchestrator.MessageRemoved})
}

// DeployService handles POST /v1/services/{template}.
func (h *StackHandler) DeployService(w http.ResponseWriter, r *http.Request) {
	var raw models.Configuration
	if err := decodeJSON(w, r, &raw); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	cfg, err := h.orch.DeployService(r.Context(), chi.URLParam(r, "template"), &raw)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, StackResponse{
		Success:       true,
		Message:       messageDeployed,
		Name:          cfg.General.DeployID,
		Configuration: cfg.Redacted(),
	})
}

// GetService handles GET /v1/services/{name}.
func (h *StackHandler) GetService(w http.ResponseWriter, r *http.Request) {
	d, err := h.orch.ServiceStack(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, deployedResponse(d))
}

// RemoveService handles DELETE /v1/services/{name}.
func (h *StackHandler) RemoveService(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.RemoveService(r.Context(), chi.URLParam(r, "name")); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Message{Success: true, Message: orchestrator.MessageRemoved})
}

// Dashboard handles GET /v1/dashboard.
func (h *StackHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.orch.Dashboard(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, dash)
}

func deployedResponse(d *fleet.Deployed) StackResponse {
	envs := make(map[string]string, len(d.Service.Env))
	for _, kv := range d.Service.Env {
		k, v, _ := strings.Cut(kv, "=")
		envs[k] = v
	}
	return StackResponse{
		Success:       true,
		Name:          d.StackName(),
		Configuration: d.Configuration,
		Envs:          envs,
	}
}
