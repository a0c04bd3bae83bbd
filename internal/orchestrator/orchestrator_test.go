package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/builder"
	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/configuration"
	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/fleet/fleettest"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/queue"
	"github.com/narvanalabs/stackpilot/internal/store"
	"github.com/narvanalabs/stackpilot/internal/store/memory"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

type fakeCloner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCloner) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeCloner) Clone(_ context.Context, cfg *models.Configuration) (*clone.Result, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	dir := cfg.General.Workdir
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		return nil, err
	}
	return &clone.Result{Dir: dir, CommitSHA: testSHA}, nil
}

// failingQueue rejects every job.
type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) Enqueue(context.Context, *models.BuildJob) error {
	return errors.New("queue unavailable")
}

type harness struct {
	svc     *Service
	store   *memory.Store
	fleet   *fleettest.Fake
	queue   *queue.MemoryQueue
	tracker *lifecycle.Tracker
	cloner  *fakeCloner
	tmp     string
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		fleet:  fleettest.New(),
		queue:  queue.NewMemoryQueue(),
		cloner: &fakeCloner{},
		tmp:    t.TempDir(),
	}
	h.tracker = lifecycle.NewTracker(h.store, discard())
	deps := Deps{
		Store:          h.store,
		Normalizer:     configuration.NewNormalizer(h.tmp, nil),
		Cloner:         h.cloner,
		Fleet:          h.fleet,
		Generator:      manifest.NewGenerator("coolify", nil),
		Tracker:        h.tracker,
		Queue:          h.queue,
		Logger:         discard(),
		ReservedDomain: "platform.example.com",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = New(deps)
	return h
}

// drain runs every queued job through the pipeline.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	p := builder.NewPipeline(builder.PipelineDeps{
		Cloner:    h.cloner,
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

func (h *harness) deployments(t *testing.T) []*models.Deployment {
	t.Helper()
	list, _, err := h.store.Deployments().List(context.Background(), store.DeploymentFilter{})
	require.NoError(t, err)
	return list
}

func rawApp() *models.Configuration {
	return &models.Configuration{
		General:    models.General{IsPreviewDeploymentEnabled: true},
		Repository: models.Repository{ID: 42, Organization: "acme", Name: "web", Branch: "main"},
		Publish:    models.Publish{Domain: "web.example.com"},
	}
}

func TestTriggerQueuesAttempt(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Trigger(context.Background(), rawApp(), TriggerOptions{Source: SourceAPI})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, MessageQueued, res.Message)
	assert.Equal(t, changes.StepBuild, res.Step)
	assert.NotEmpty(t, res.DeployID)

	d, err := h.tracker.Get(context.Background(), res.DeployID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressQueued, d.Progress)

	stored, err := h.store.Configurations().GetByNickname(context.Background(), res.Nickname)
	require.NoError(t, err)
	assert.Equal(t, res.DeployID, stored.General.DeployID)
	assert.Equal(t, testSHA[:7], stored.Build.Container.Tag)
	assert.Equal(t, 1, h.queue.Len())
}

func TestTriggerThenPipelineDeploys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	d, err := h.tracker.Get(ctx, res.DeployID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressDone, d.Progress)
	assert.Equal(t, []string{res.Name}, h.fleet.Deploys())

	entries, err := h.tracker.Logs(ctx, res.DeployID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, models.LogLevelInfo, e.Level, e.Message)
	}
}

func TestTriggerUnchangedCreatesNoAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Queued)
	assert.Equal(t, MessageUnchanged, res.Message)
	assert.Len(t, h.deployments(t), 1)
	assert.Equal(t, 0, h.queue.Len())

	dirs, err := os.ReadDir(h.tmp)
	require.NoError(t, err)
	assert.Empty(t, dirs, "skipped trigger releases its workdir")
}

func TestTriggerForceRebuildsUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, changes.StepBuild, res.Step)
}

func TestTriggerRejectsOpenTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)

	_, err = h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrConflict)
	assert.Equal(t, MessageBusy, perrors.PublicMessage(err))

	list := h.deployments(t)
	require.Len(t, list, 1)
	assert.Equal(t, models.ProgressQueued, list[0].Progress, "rejection leaves the open attempt alone")
}

func TestConcurrentTriggersQueueOnce(t *testing.T) {
	h := newHarness(t)
	const n = 8

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.svc.Trigger(context.Background(), rawApp(), TriggerOptions{})
		}(i)
	}
	wg.Wait()

	queued, rejected := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			queued++
		case errors.Is(err, perrors.ErrConflict):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, queued)
	assert.Equal(t, n-1, rejected)
	assert.Len(t, h.deployments(t), 1)
	assert.Equal(t, 1, h.queue.Len())
}

func TestTriggerDomainConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := rawApp()
	other.Repository.Name = "api"
	_, err := h.svc.Trigger(ctx, other, TriggerOptions{})
	require.NoError(t, err)

	_, err = h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	assert.ErrorIs(t, err, perrors.ErrConflict)
	assert.Equal(t, MessageDomain, perrors.PublicMessage(err))

	sub := rawApp()
	sub.Publish.Path = "/docs"
	assert.NoError(t, h.svc.CheckDomain(ctx, sub))

	reserved := rawApp()
	reserved.Publish.Domain = "platform.example.com"
	assert.ErrorIs(t, h.svc.CheckDomain(ctx, reserved), perrors.ErrConflict)
}

func TestTriggerValidation(t *testing.T) {
	h := newHarness(t)
	raw := rawApp()
	raw.Repository.Branch = ""

	_, err := h.svc.Trigger(context.Background(), raw, TriggerOptions{})
	assert.ErrorIs(t, err, perrors.ErrValidation)
	assert.Empty(t, h.deployments(t))
	assert.Equal(t, 0, h.cloner.calls)
}

func TestTriggerFailureFailsLatestAttempt(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Queue = failingQueue{queue.NewMemoryQueue()}
	})

	_, err := h.svc.Trigger(context.Background(), rawApp(), TriggerOptions{})
	require.Error(t, err)

	list := h.deployments(t)
	require.Len(t, list, 1)
	assert.Equal(t, models.ProgressFailed, list[0].Progress)
}

func TestCloneFailureFailsOpenAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	require.True(t, first.Queued)

	h.cloner.fail(errors.New("remote hung up"))
	_, err = h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	assert.ErrorIs(t, err, perrors.ErrBuild)

	d, err := h.tracker.Get(ctx, first.DeployID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressFailed, d.Progress, "the open attempt carries the failure")
	assert.Len(t, h.deployments(t), 1)
}

func TestPreviewLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	main, err := h.svc.MainConfiguration(ctx, 42, "main")
	require.NoError(t, err)

	res, err := h.svc.TriggerPreview(ctx, main, 7, TriggerOptions{Source: SourceWebhook})
	require.NoError(t, err)
	require.True(t, res.Queued)
	h.drain(t)

	preview, err := h.store.Configurations().Get(ctx, models.NaturalKey{
		Organization: "acme", Name: "web", Branch: "main", PullRequest: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "pr7.web.example.com", preview.Publish.Domain)

	require.NoError(t, h.svc.ClosePreview(ctx, main, 7))

	_, err = h.store.Configurations().Get(ctx, preview.NaturalKey())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{preview.Build.Container.Name}, h.fleet.Removals())
	for _, d := range h.deployments(t) {
		assert.NotEqual(t, "pr7.web.example.com", d.Domain)
	}
	_, err = h.tracker.Logs(ctx, res.DeployID, 0, 0)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestTriggerPreviewDisabled(t *testing.T) {
	h := newHarness(t)
	main := rawApp()
	main.General.IsPreviewDeploymentEnabled = false

	_, err := h.svc.TriggerPreview(context.Background(), main, 3, TriggerOptions{})
	assert.ErrorIs(t, err, perrors.ErrValidation)
	assert.Empty(t, h.deployments(t))
}

func TestMainConfigurationNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.MainConfiguration(context.Background(), 42, "dev")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestRemoveApplicationRemovesPreviews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)
	main, err := h.svc.MainConfiguration(ctx, 42, "main")
	require.NoError(t, err)
	_, err = h.svc.TriggerPreview(ctx, main, 2, TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.svc.RemoveApplication(ctx, res.Nickname))

	all, err := h.store.Configurations().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.deployments(t))
	assert.Len(t, h.fleet.Removals(), 2)
	assert.Empty(t, h.fleet.Stacks())

	err = h.svc.RemoveApplication(ctx, res.Nickname)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestSetPreviewsDisableTearsDownPreviews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)
	main, err := h.svc.MainConfiguration(ctx, 42, "main")
	require.NoError(t, err)
	_, err = h.svc.TriggerPreview(ctx, main, 5, TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	cfg, err := h.svc.SetPreviews(ctx, main.NaturalKey(), false)
	require.NoError(t, err)
	assert.False(t, cfg.General.IsPreviewDeploymentEnabled)

	previews, err := h.store.Configurations().ListPreviews(ctx, "acme", "web", "main")
	require.NoError(t, err)
	assert.Empty(t, previews)
	assert.Len(t, h.fleet.Removals(), 1)

	_, err = h.svc.SetPreviews(ctx, models.NaturalKey{Organization: "acme", Name: "nope", Branch: "main"}, true)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestConfigurationFallsBackToFleetLabels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)

	fromStore, err := h.svc.Configuration(ctx, res.Nickname)
	require.NoError(t, err)

	// Drop the record; the running stack still describes the application.
	require.NoError(t, h.store.Configurations().Delete(ctx, fromStore.NaturalKey()))
	fromLabels, err := h.svc.Configuration(ctx, res.Nickname)
	require.NoError(t, err)
	assert.Equal(t, fromStore.NaturalKey(), fromLabels.NaturalKey())

	_, err = h.svc.Configuration(ctx, "missing-nickname")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestHistoryPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		res, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{Force: true})
		require.NoError(t, err)
		h.drain(t)
		require.NotEmpty(t, res.DeployID)
	}

	first, total, err := h.svc.History(ctx, "acme", "web", "main", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Len(t, first, HistoryPageSize)

	second, _, err := h.svc.History(ctx, "acme", "web", "main", 2)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.NotEqual(t, first[0].DeployID, second[0].DeployID)
}

func TestDatabaseLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg, err := h.svc.DeployDatabase(ctx, &models.Configuration{
		Database: &models.Database{Type: "postgresql"},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Database.Passwords, 2)
	deployID := cfg.General.DeployID

	found, err := h.svc.Database(ctx, deployID)
	require.NoError(t, err)
	assert.Equal(t, deployID, found.StackName())
	assert.Equal(t, cfg.Database.Passwords, found.Configuration.Database.Passwords)

	require.NoError(t, h.svc.RemoveDatabase(ctx, deployID))
	_, err = h.svc.Database(ctx, deployID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.ErrorIs(t, h.svc.RemoveDatabase(ctx, deployID), perrors.ErrNotFound)
}

func TestDeployDatabaseUnknownEngine(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.DeployDatabase(context.Background(), &models.Configuration{
		Database: &models.Database{Type: "oracle"},
	})
	assert.ErrorIs(t, err, perrors.ErrValidation)
	assert.Empty(t, h.fleet.Deploys())
}

func TestServiceLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg, err := h.svc.DeployService(ctx, "minio", &models.Configuration{
		Service: &models.Service{BaseURL: "https://files.example.com"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Service.Secrets["MINIO_ROOT_PASSWORD"])

	found, err := h.svc.ServiceStack(ctx, "minio")
	require.NoError(t, err)
	assert.Equal(t, "minio", found.StackName())

	dash, err := h.svc.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Services, 1)
	assert.Equal(t, "minio", dash.Services[0].ServiceName)
	assert.Equal(t, "********", dash.Services[0].Configuration.Service.Secrets["MINIO_ROOT_PASSWORD"])

	require.NoError(t, h.svc.RemoveService(ctx, "minio"))
	_, err = h.svc.ServiceStack(ctx, "minio")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestDashboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Trigger(ctx, rawApp(), TriggerOptions{})
	require.NoError(t, err)
	h.drain(t)
	main, err := h.svc.MainConfiguration(ctx, 42, "main")
	require.NoError(t, err)
	_, err = h.svc.TriggerPreview(ctx, main, 9, TriggerOptions{})
	require.NoError(t, err)
	_, err = h.svc.DeployDatabase(ctx, &models.Configuration{Database: &models.Database{Type: "redis"}})
	require.NoError(t, err)

	dash, err := h.svc.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Applications, 1)
	assert.True(t, dash.Applications[0].HasPreviews)
	assert.Len(t, dash.Databases, 1)
	assert.Empty(t, dash.Services)
}
