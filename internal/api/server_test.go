package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/api/handlers"
	"github.com/narvanalabs/stackpilot/internal/api/health"
	"github.com/narvanalabs/stackpilot/internal/auth"
	"github.com/narvanalabs/stackpilot/internal/builder"
	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/configuration"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/fleet/fleettest"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
	"github.com/narvanalabs/stackpilot/internal/queue"
	"github.com/narvanalabs/stackpilot/internal/store/memory"
	"github.com/narvanalabs/stackpilot/internal/webhook"
	"github.com/narvanalabs/stackpilot/pkg/config"
)

const webhookSecret = "hook-secret"

var jwtSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeCloner struct{}

func (fakeCloner) Clone(_ context.Context, cfg *models.Configuration) (*clone.Result, error) {
	dir := cfg.General.Workdir
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		return nil, err
	}
	return &clone.Result{Dir: dir, CommitSHA: "0ddba11c0ffee0ddba11c0ffee0ddba11c0ffee0"}, nil
}

type harness struct {
	server  *httptest.Server
	store   *memory.Store
	fleet   *fleettest.Fake
	queue   *queue.MemoryQueue
	tracker *lifecycle.Tracker
	token   string
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.LoadWithDefaults()
	cfg.Webhook.RateLimit = 0
	for _, f := range tune {
		f(cfg)
	}

	h := &harness{
		store: memory.New(),
		fleet: fleettest.New(),
		queue: queue.NewMemoryQueue(),
	}
	h.tracker = lifecycle.NewTracker(h.store, discard())
	m := metrics.New()
	orch := orchestrator.New(orchestrator.Deps{
		Store:      h.store,
		Normalizer: configuration.NewNormalizer(t.TempDir(), nil),
		Cloner:     fakeCloner{},
		Fleet:      h.fleet,
		Generator:  manifest.NewGenerator("coolify", nil),
		Tracker:    h.tracker,
		Queue:      h.queue,
		Metrics:    m,
		Logger:     discard(),
	})
	authSvc := auth.NewService(jwtSecret, time.Hour, nil)
	token, err := authSvc.GenerateToken("operator")
	require.NoError(t, err)
	h.token = token

	srv := NewServer(cfg, Deps{
		Orchestrator: orch,
		Webhook:      webhook.NewProcessor(webhookSecret, orch, m, discard()),
		Auth:         authSvc,
		Metrics:      m,
		Health:       map[string]health.Pinger{"store": h.store},
	}, discard())
	h.server = httptest.NewServer(srv.Router())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	p := builder.NewPipeline(builder.PipelineDeps{
		Cloner:    fakeCloner{},
		Detector:  changes.NewDetector(h.fleet, fleet.NewProjection(h.fleet, discard())),
		Generator: manifest.NewGenerator("coolify", nil),
		Fleet:     h.fleet,
		Tracker:   h.tracker,
		Logger:    discard(),
	})
	for {
		job, err := h.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoJobs) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, p.Run(ctx, job))
		require.NoError(t, h.queue.Ack(ctx, job.ID))
	}
}

// do sends an authenticated request and decodes the JSON response into out.
func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func rawApp() *models.Configuration {
	return &models.Configuration{
		General:    models.General{IsPreviewDeploymentEnabled: true},
		Repository: models.Repository{ID: 42, Organization: "acme", Name: "web", Branch: "main"},
		Publish:    models.Publish{Domain: "web.example.com", Secrets: []models.Secret{{Name: "TOKEN", Value: "hunter2"}}},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Contains(t, body.Components, "store")
}

func TestV1RequiresToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/v1/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeployLifecycle(t *testing.T) {
	h := newHarness(t)

	var queued orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &queued))
	assert.True(t, queued.Queued)
	assert.Equal(t, orchestrator.MessageQueued, queued.Message)
	require.NotEmpty(t, queued.DeployID)

	var busy apiError
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &busy))
	assert.Equal(t, orchestrator.MessageBusy, busy.Message)

	h.drain(t)

	var unchanged orchestrator.TriggerResult
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &unchanged))
	assert.True(t, unchanged.Success)
	assert.False(t, unchanged.Queued)
	assert.Equal(t, orchestrator.MessageUnchanged, unchanged.Message)

	var forced orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy?force=true", rawApp(), &forced))
	h.drain(t)

	var history handlers.HistoryResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet,
		"/v1/applications/deployments?organization=acme&name=web&branch=main&page=1", nil, &history))
	assert.Equal(t, 2, history.Total)
	assert.Equal(t, orchestrator.HistoryPageSize, history.PageSize)
	require.Len(t, history.Deployments, 2)
	assert.Equal(t, forced.DeployID, history.Deployments[0].DeployID)
	for _, d := range history.Deployments {
		assert.Equal(t, models.ProgressDone, d.Progress)
	}

	var logs handlers.LogsResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/deployments/"+queued.DeployID+"/logs", nil, &logs))
	require.NotEmpty(t, logs.Logs)
	for i := 1; i < len(logs.Logs); i++ {
		assert.Greater(t, logs.Logs[i].Sequence, logs.Logs[i-1].Sequence)
	}
	assert.Equal(t, logs.Logs[len(logs.Logs)-1].Sequence, logs.Next)

	var tail handlers.LogsResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet,
		"/v1/deployments/"+queued.DeployID+"/logs?after="+itoa(logs.Next), nil, &tail))
	assert.Empty(t, tail.Logs)
}

func TestDeployRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/applications/deploy", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e apiError
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/applications/deploy",
		&models.Configuration{Repository: models.Repository{Organization: "acme"}}, &e))
	assert.Equal(t, "VALIDATION_ERROR", e.Code)
	assert.Empty(t, h.fleet.Deploys())
}

func TestCheckDomain(t *testing.T) {
	h := newHarness(t)

	var ok handlers.Message
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/applications/check", rawApp(), &ok))
	assert.True(t, ok.Success)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), nil))
	h.drain(t)

	other := rawApp()
	other.Repository.Name = "api"
	var conflict apiError
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/applications/check", other, &conflict))
	assert.Equal(t, orchestrator.MessageDomain, conflict.Message)
}

func TestConfigRedactsSecrets(t *testing.T) {
	h := newHarness(t)

	var res orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &res))
	h.drain(t)

	var cfg models.Configuration
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/applications/config?nickname="+res.Nickname, nil, &cfg))
	assert.Equal(t, "acme", cfg.Repository.Organization)
	require.Len(t, cfg.Publish.Secrets, 1)
	assert.NotEqual(t, "hunter2", cfg.Publish.Secrets[0].Value)

	var missing apiError
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/applications/config?nickname=nobody", nil, &missing))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/applications/config", nil, &missing))
}

func TestApplicationLogs(t *testing.T) {
	h := newHarness(t)

	var res orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &res))
	h.drain(t)
	require.NotEmpty(t, res.Name)

	var empty handlers.ApplicationLogsResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/applications/logs?name="+res.Name, nil, &empty))
	assert.True(t, empty.Success)
	assert.NotNil(t, empty.Logs)
	assert.Empty(t, empty.Logs)

	h.fleet.SetLogs(manifest.PrimaryServiceName(res.Name),
		"2026-10-18T10:00:00Z listening on :3000",
		"2026-10-18T10:00:01Z GET / 200",
	)
	var logs handlers.ApplicationLogsResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/applications/logs?name="+res.Name, nil, &logs))
	assert.Equal(t, []string{
		"2026-10-18T10:00:00Z listening on :3000",
		"2026-10-18T10:00:01Z GET / 200",
	}, logs.Logs)

	var missing apiError
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/applications/logs?name=nothing", nil, &missing))
	assert.Equal(t, "No such service. Is it under deployment?", missing.Message)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/applications/logs", nil, &missing))
}

func TestPreviewsAndRemove(t *testing.T) {
	h := newHarness(t)

	var res orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &res))
	h.drain(t)

	var cfg models.Configuration
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/applications/previews", handlers.PreviewsRequest{
		Organization: "acme", Name: "web", Branch: "main", Enabled: false,
	}, &cfg))
	assert.False(t, cfg.General.IsPreviewDeploymentEnabled)

	var removed handlers.Message
	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/applications",
		handlers.RemoveRequest{Nickname: res.Nickname}, &removed))
	assert.Equal(t, orchestrator.MessageRemoved, removed.Message)
	assert.NotEmpty(t, h.fleet.Removals())

	var missing apiError
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/applications/config?nickname="+res.Nickname, nil, &missing))
}

func TestDatabaseEndpoints(t *testing.T) {
	h := newHarness(t)

	var created handlers.StackResponse
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/databases",
		&models.Configuration{Database: &models.Database{Type: "postgresql"}}, &created))
	require.NotEmpty(t, created.Name)
	for _, p := range created.Configuration.Database.Passwords {
		assert.Equal(t, "********", p)
	}

	var found handlers.StackResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/databases/"+created.Name, nil, &found))
	assert.Equal(t, created.Name, found.Name)
	require.Len(t, found.Configuration.Database.Passwords, 2)
	assert.NotEqual(t, "********", found.Configuration.Database.Passwords[0])
	assert.NotEmpty(t, found.Envs)

	var dash orchestrator.Dashboard
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/dashboard", nil, &dash))
	assert.Len(t, dash.Databases, 1)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/databases/"+created.Name, nil, nil))
	var missing apiError
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/databases/"+created.Name, nil, &missing))
	assert.Equal(t, "No database found.", missing.Message)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/databases",
		&models.Configuration{Database: &models.Database{Type: "oracle"}}, &missing))
}

func TestServiceEndpoints(t *testing.T) {
	h := newHarness(t)

	var created handlers.StackResponse
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/services/minio",
		&models.Configuration{Service: &models.Service{BaseURL: "https://files.example.com"}}, &created))

	var found handlers.StackResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/services/minio", nil, &found))
	assert.Equal(t, "minio", found.Name)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/services/minio", nil, nil))
	var missing apiError
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/services/minio", nil, &missing))
}

func TestWebhookEndpoint(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), nil))
	h.drain(t)

	body := []byte(`{"ref":"refs/heads/main","after":"0ddba11","repository":{"id":42}}`)
	post := func(signature string) (*http.Response, webhook.Response) {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/webhooks/github", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(webhook.HeaderEvent, webhook.EventPush)
		req.Header.Set(webhook.HeaderSignature, signature)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out webhook.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, out := post(webhook.Sign([]byte(webhookSecret), body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success, "an unchanged target is still an accepted delivery")
	assert.False(t, out.Queued)
	assert.Equal(t, orchestrator.MessageUnchanged, out.Message)

	resp, _ = post(webhook.Sign([]byte("wrong"), body))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Webhook.RateLimit = 0.001
		c.Webhook.Burst = 1
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(h.server.URL+"/webhooks/github", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}

func TestLogStream(t *testing.T) {
	h := newHarness(t)

	var res orchestrator.TriggerResult
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/applications/deploy", rawApp(), &res))
	h.drain(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/deployments/" + res.DeployID + "/logs/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + h.token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var (
		entries []*models.LogEntry
		done    *models.Deployment
	)
	for done == nil {
		var ev handlers.StreamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		switch ev.Type {
		case handlers.EventLog:
			entries = append(entries, ev.Entry)
		case handlers.EventDone:
			done = ev.Deployment
		}
	}

	assert.Equal(t, models.ProgressDone, done.Progress)
	require.NotEmpty(t, entries)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
	}
}

func TestLogStreamUnknownDeployment(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/deployments/missing/logs/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + h.token}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/dashboard", nil, nil))

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `route="/v1/dashboard"`)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
