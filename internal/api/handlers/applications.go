package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
)

// ApplicationHandler handles application endpoints.
type ApplicationHandler struct {
	orch   *orchestrator.Service
	logger *slog.Logger
}

// NewApplicationHandler creates a new application handler.
func NewApplicationHandler(orch *orchestrator.Service, logger *slog.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		orch:   orch,
		logger: logger,
	}
}

// Deploy handles POST /v1/applications/deploy. ?force=true rebuilds an
// unchanged target.
func (h *ApplicationHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var raw models.Configuration
	if err := decodeJSON(w, r, &raw); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := h.orch.Trigger(r.Context(), &raw, orchestrator.TriggerOptions{
		Source: orchestrator.SourceAPI,
		Force:  force,
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, res)
}

// Check handles POST /v1/applications/check.
func (h *ApplicationHandler) Check(w http.ResponseWriter, r *http.Request) {
	var raw models.Configuration
	if err := decodeJSON(w, r, &raw); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.orch.CheckDomain(r.Context(), &raw); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Message{Success: true, Message: "OK"})
}

// Config handles GET /v1/applications/config?nickname=.
func (h *ApplicationHandler) Config(w http.ResponseWriter, r *http.Request) {
	nickname := r.URL.Query().Get("nickname")
	if nickname == "" {
		WriteBadRequest(w, r, "nickname is required")
		return
	}

	cfg, err := h.orch.Configuration(r.Context(), nickname)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg.Redacted())
}

// PreviewsRequest toggles preview deployments of a main application.
type PreviewsRequest struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	Enabled      bool   `json:"enabled"`
}

// Previews handles POST /v1/applications/previews.
func (h *ApplicationHandler) Previews(w http.ResponseWriter, r *http.Request) {
	var req PreviewsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if req.Organization == "" || req.Name == "" || req.Branch == "" {
		WriteBadRequest(w, r, "organization, name and branch are required")
		return
	}

	cfg, err := h.orch.SetPreviews(r.Context(), models.NaturalKey{
		Organization: req.Organization,
		Name:         req.Name,
		Branch:       req.Branch,
	}, req.Enabled)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg.Redacted())
}

// RemoveRequest names the application to remove.
type RemoveRequest struct {
	Nickname string `json:"nickname"`
}

// Remove handles DELETE /v1/applications.
func (h *ApplicationHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if req.Nickname == "" {
		WriteBadRequest(w, r, "nickname is required")
		return
	}

	if err := h.orch.RemoveApplication(r.Context(), req.Nickname); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Message{Success: true, Message: orchestrator.MessageRemoved})
}

// HistoryResponse is one page of deployment history.
type HistoryResponse struct {
	Deployments []*models.Deployment `json:"deployments"`
	Total       int                  `json:"total"`
	Page        int                  `json:"page"`
	PageSize    int                  `json:"pageSize"`
}

// History handles GET /v1/applications/deployments.
func (h *ApplicationHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	organization, name, branch := q.Get("organization"), q.Get("name"), q.Get("branch")
	if organization == "" || name == "" || branch == "" {
		WriteBadRequest(w, r, "organization, name and branch are required")
		return
	}

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, r, h.logger, perrors.Validation("page must be a positive integer"))
			return
		}
		page = n
	}

	deployments, total, err := h.orch.History(r.Context(), organization, name, branch, page)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if deployments == nil {
		deployments = []*models.Deployment{}
	}
	WriteJSON(w, http.StatusOK, HistoryResponse{
		Deployments: deployments,
		Total:       total,
		Page:        page,
		PageSize:    orchestrator.HistoryPageSize,
	})
}

// ApplicationLogsResponse carries the runtime output of an application.
type ApplicationLogsResponse struct {
	Success bool     `json:"success"`
	Logs    []string `json:"logs"`
}

// Logs handles GET /v1/applications/logs?name=.
func (h *ApplicationHandler) Logs(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		WriteBadRequest(w, r, "name is required")
		return
	}

	lines, err := h.orch.ApplicationLogs(r.Context(), name)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	WriteJSON(w, http.StatusOK, ApplicationLogsResponse{Success: true, Logs: lines})
}
