package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/models"
)

const (
	defaultLogLimit = 500
	maxLogLimit     = 5000

	streamPollInterval = 2 * time.Second
	streamWriteWait    = 10 * time.Second
)

// DeploymentHandler serves the log stream of deploy attempts.
type DeploymentHandler struct {
	tracker      *lifecycle.Tracker
	upgrader     websocket.Upgrader
	pollInterval time.Duration
	closing      context.Context
	logger       *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(tracker *lifecycle.Tracker, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pollInterval: streamPollInterval,
		closing:      context.Background(),
		logger:       logger,
	}
}

// CloseOn ends every open stream once ctx is done.
func (h *DeploymentHandler) CloseOn(ctx context.Context) {
	h.closing = ctx
}

// LogsResponse is a page of log entries and the attempt's current state.
type LogsResponse struct {
	Deployment *models.Deployment  `json:"deployment"`
	Logs       []*models.LogEntry `json:"logs"`
	Next       int64               `json:"next"`
}

// Logs handles GET /v1/deployments/{deployId}/logs?after=&limit=.
func (h *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	deployID := chi.URLParam(r, "deployId")
	after, limit, err := logWindow(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	d, err := h.tracker.Get(r.Context(), deployID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	entries, err := h.tracker.Logs(r.Context(), deployID, after, limit)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}

	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].Sequence
	}
	WriteJSON(w, http.StatusOK, LogsResponse{Deployment: d, Logs: entries, Next: next})
}

func logWindow(r *http.Request) (int64, int, error) {
	q := r.URL.Query()

	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, perrors.Validation("after must be a non-negative integer")
		}
		after = n
	}

	limit := defaultLogLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, perrors.Validation("limit must be a positive integer")
		}
		limit = min(n, maxLogLimit)
	}
	return after, limit, nil
}

// StreamEvent is one websocket frame of the log stream.
type StreamEvent struct {
	Type       string             `json:"type"`
	Entry      *models.LogEntry   `json:"entry,omitempty"`
	Deployment *models.Deployment `json:"deployment,omitempty"`
}

// Stream event types.
const (
	EventLog  = "log"
	EventDone = "done"
)

// Stream handles GET /v1/deployments/{deployId}/logs/stream. It replays the
// stored entries after ?after=, follows new ones, and closes with a done
// event once the attempt is terminal.
func (h *DeploymentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	deployID := chi.URLParam(r, "deployId")
	after, _, err := logWindow(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if _, err := h.tracker.Get(r.Context(), deployID); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "deploy_id", deployID)
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Time{})

	// Subscribe before replaying so nothing appended in between is lost.
	sub := h.tracker.Broker().Subscribe(deployID)
	defer h.tracker.Broker().Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.closing, cancel)
	defer stop()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s := &logStream{conn: conn, tracker: h.tracker, deployID: deployID, last: after}
	if err := s.follow(ctx, sub, h.pollInterval); err != nil && ctx.Err() == nil {
		h.logger.Debug("log stream ended", "error", err, "deploy_id", deployID)
	}
}

type logStream struct {
	conn     *websocket.Conn
	tracker  *lifecycle.Tracker
	deployID string
	last     int64
}

func (s *logStream) follow(ctx context.Context, sub *lifecycle.Subscriber, poll time.Duration) error {
	if err := s.replay(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			// Live entries only wake the reader; the store is authoritative.
			drain(sub.Ch)
			if err := s.replay(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			d, err := s.tracker.Get(ctx, s.deployID)
			if err != nil {
				return err
			}
			if !d.Progress.IsTerminal() {
				continue
			}
			if err := s.replay(ctx); err != nil {
				return err
			}
			return s.write(StreamEvent{Type: EventDone, Deployment: d})
		}
	}
}

func drain(ch <-chan *models.LogEntry) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *logStream) replay(ctx context.Context) error {
	for {
		entries, err := s.tracker.Logs(ctx, s.deployID, s.last, defaultLogLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.send(e); err != nil {
				return err
			}
		}
		if len(entries) < defaultLogLimit {
			return nil
		}
	}
}

func (s *logStream) send(e *models.LogEntry) error {
	if err := s.write(StreamEvent{Type: EventLog, Entry: e}); err != nil {
		return err
	}
	s.last = e.Sequence
	return nil
}

func (s *logStream) write(ev StreamEvent) error {
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(ev)
}
