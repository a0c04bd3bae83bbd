package builder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/fleet/fleettest"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store/memory"
	"github.com/narvanalabs/stackpilot/internal/store/storetest"
)

const testSHA = "abc1234def5678900000000000000000000000000"

// fakeCloner materializes a checkout with an optional Dockerfile.
type fakeCloner struct {
	noDockerfile bool
	err          error
	calls        int
}

func (c *fakeCloner) Clone(_ context.Context, cfg *models.Configuration) (*clone.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	dir := cfg.General.Workdir
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return nil, err
	}
	if !c.noDockerfile {
		if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return &clone.Result{Dir: dir, CommitSHA: testSHA}, nil
}

type harness struct {
	store    *memory.Store
	fleet    *fleettest.Fake
	tracker  *lifecycle.Tracker
	cloner   *fakeCloner
	pipeline *Pipeline
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		fleet:  fleettest.New(),
		cloner: &fakeCloner{},
	}
	h.tracker = lifecycle.NewTracker(h.store, discard())
	projection := fleet.NewProjection(h.fleet, discard())
	h.pipeline = NewPipeline(PipelineDeps{
		Cloner:    h.cloner,
		Detector:  changes.NewDetector(h.fleet, projection),
		Generator: manifest.NewGenerator("coolify", nil),
		Fleet:     h.fleet,
		Tracker:   h.tracker,
		Logger:    discard(),
	})
	return h
}

// job queues an attempt for cfg with a fresh deployId and workdir.
func (h *harness) job(t *testing.T, cfg *models.Configuration) *models.BuildJob {
	t.Helper()
	cfg = cfg.Clone()
	cfg.General.DeployID = uuid.NewString()
	cfg.General.Workdir = filepath.Join(t.TempDir(), cfg.General.DeployID)
	_, err := h.tracker.Queue(context.Background(), cfg)
	require.NoError(t, err)
	return models.NewBuildJob(uuid.NewString(), cfg, "", time.Now().UTC())
}

func (h *harness) deployment(t *testing.T, job *models.BuildJob) *models.Deployment {
	t.Helper()
	d, err := h.tracker.Get(context.Background(), job.DeployID)
	require.NoError(t, err)
	return d
}

func (h *harness) messages(t *testing.T, job *models.BuildJob) ([]string, []*models.LogEntry) {
	t.Helper()
	entries, err := h.store.Logs().List(context.Background(), job.DeployID, 0, 0)
	require.NoError(t, err)
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs, entries
}

func appConfig() *models.Configuration {
	return storetest.Configuration("acme", "web", "main", 0)
}

func TestPipelineBuildsAndDeploys(t *testing.T) {
	h := newHarness(t)
	h.fleet.BuildOutput = []string{"Step 1/1 : FROM scratch", "Successfully built 0123"}
	job := h.job(t, appConfig())

	require.NoError(t, h.pipeline.Run(context.Background(), job))

	d := h.deployment(t, job)
	assert.Equal(t, models.ProgressDone, d.Progress)
	assert.Equal(t, models.StageDone, d.Stage)

	assert.Equal(t, []string{"web:abc1234"}, h.fleet.Builds())
	assert.Equal(t, []string{"web"}, h.fleet.Deploys())

	msgs, entries := h.messages(t, job)
	assert.Equal(t, []string{
		"Cloning repository.",
		"### Building application.",
		"Step 1/1 : FROM scratch",
		"Successfully built 0123",
		"### Building done.",
		"### Publishing.",
		"### Published done!",
	}, msgs)
	for _, e := range entries {
		assert.Equal(t, models.LogLevelInfo, e.Level)
	}
	assert.NoDirExists(t, job.Configuration.General.Workdir)
}

func TestPipelineSkipsUnchangedCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Run(ctx, h.job(t, appConfig())))

	second := h.job(t, appConfig())
	require.NoError(t, h.pipeline.Run(ctx, second))

	d := h.deployment(t, second)
	assert.Equal(t, models.ProgressDone, d.Progress)
	assert.Equal(t, models.StageSkipped, d.Stage)
	assert.Len(t, h.fleet.Builds(), 1)
	assert.Len(t, h.fleet.Deploys(), 1)

	msgs, _ := h.messages(t, second)
	assert.Contains(t, msgs, "Nothing changed, no need to redeploy.")
	assert.NoDirExists(t, second.Configuration.General.Workdir)
}

func TestPipelineRedeploysConfigurationChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Run(ctx, h.job(t, appConfig())))

	changed := appConfig()
	changed.Publish.Secrets = append(changed.Publish.Secrets, models.Secret{Name: "NEW", Value: "1"})
	job := h.job(t, changed)
	require.NoError(t, h.pipeline.Run(ctx, job))

	assert.Equal(t, models.ProgressDone, h.deployment(t, job).Progress)
	assert.Len(t, h.fleet.Builds(), 1, "image is reused")
	assert.Equal(t, []string{"web", "web"}, h.fleet.Deploys())

	msgs, _ := h.messages(t, job)
	assert.Contains(t, msgs, "Image web:abc1234 found, skipping build.")

	doc, ok := h.fleet.Doc("web")
	require.True(t, ok)
	assert.Contains(t, string(doc), "NEW: \"1\"")
}

func TestPipelineForceRebuilds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Run(ctx, h.job(t, appConfig())))

	job := h.job(t, appConfig())
	job.Force = true
	require.NoError(t, h.pipeline.Run(ctx, job))

	assert.Len(t, h.fleet.Builds(), 2)
	assert.Equal(t, models.StageDone, h.deployment(t, job).Stage)
}

func TestPipelineBuildFailure(t *testing.T) {
	h := newHarness(t)
	h.fleet.BuildOutput = []string{"Step 1/2 : RUN yarn"}
	h.fleet.BuildErr = &fleet.BuildError{Message: "The command '/bin/sh -c yarn' returned a non-zero code: 1"}
	job := h.job(t, appConfig())

	err := h.pipeline.Run(context.Background(), job)
	require.Error(t, err)

	d := h.deployment(t, job)
	assert.Equal(t, models.ProgressFailed, d.Progress)
	assert.Equal(t, models.StageFailed, d.Stage)
	assert.Empty(t, h.fleet.Deploys())

	msgs, entries := h.messages(t, job)
	assert.Contains(t, msgs, "Step 1/2 : RUN yarn")
	last := entries[len(entries)-1]
	assert.Equal(t, models.LogLevelError, last.Level)
	assert.Equal(t, "The command '/bin/sh -c yarn' returned a non-zero code: 1", last.Message)
	assert.NoDirExists(t, job.Configuration.General.Workdir)
}

func TestPipelineMissingDockerfile(t *testing.T) {
	h := newHarness(t)
	h.cloner.noDockerfile = true
	job := h.job(t, appConfig())

	require.Error(t, h.pipeline.Run(context.Background(), job))
	_, entries := h.messages(t, job)
	assert.Equal(t, "No custom dockerfile found.", entries[len(entries)-1].Message)
	assert.Empty(t, h.fleet.Builds())
}

func TestPipelineUnknownBuildpack(t *testing.T) {
	h := newHarness(t)
	cfg := appConfig()
	cfg.Build.Pack = "heroku"
	job := h.job(t, cfg)

	require.Error(t, h.pipeline.Run(context.Background(), job))
	assert.Equal(t, models.ProgressFailed, h.deployment(t, job).Progress)
	_, entries := h.messages(t, job)
	assert.Equal(t, "No buildpack found.", entries[len(entries)-1].Message)
}

func TestPipelineFleetFailureLeavesPreviousStack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Run(ctx, h.job(t, appConfig())))
	before, _ := h.fleet.Doc("web")

	h.fleet.DeployErr = errors.New("swarm unavailable")
	job := h.job(t, appConfig())
	job.Force = true
	require.Error(t, h.pipeline.Run(ctx, job))

	assert.Equal(t, models.ProgressFailed, h.deployment(t, job).Progress)
	after, _ := h.fleet.Doc("web")
	assert.Equal(t, before, after)
}

func TestPipelineCloneFailure(t *testing.T) {
	h := newHarness(t)
	h.cloner.err = &clone.CloneError{ExitCode: 128, Stderr: "Repository not found."}
	job := h.job(t, appConfig())

	require.Error(t, h.pipeline.Run(context.Background(), job))
	assert.Equal(t, models.ProgressFailed, h.deployment(t, job).Progress)
}

func TestPipelineHonoursDecidedStepAndExistingCheckout(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, appConfig())
	_, err := clone.Checkout(context.Background(), h.cloner, job.Configuration)
	require.NoError(t, err)
	job.Step = string(changes.StepBuild)

	require.NoError(t, h.pipeline.Run(context.Background(), job))
	assert.Equal(t, 1, h.cloner.calls, "checkout made by the trigger is reused")
	assert.Equal(t, []string{"web:abc1234"}, h.fleet.Builds())
}

func TestRemovable(t *testing.T) {
	assert.False(t, removable(""))
	assert.False(t, removable("/"))
	assert.False(t, removable("."))
	assert.True(t, removable("/tmp/stackpilot/abc"))
}
