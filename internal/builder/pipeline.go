// Package builder runs deploy attempts: clone, build, generate and apply the
// stack, reporting every step to the lifecycle tracker.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narvanalabs/stackpilot/internal/builder/buildpack"
	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// Pipeline executes one build job end to end.
type Pipeline struct {
	cloner    clone.Cloner
	detector  *changes.Detector
	packs     *buildpack.Registry
	generator *manifest.Generator
	fleet     fleet.Fleet
	tracker   *lifecycle.Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Cloner    clone.Cloner
	Detector  *changes.Detector
	Packs     *buildpack.Registry
	Generator *manifest.Generator
	Fleet     fleet.Fleet
	Tracker   *lifecycle.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Packs == nil {
		d.Packs = buildpack.DefaultRegistry()
	}
	return &Pipeline{
		cloner:    d.Cloner,
		detector:  d.Detector,
		packs:     d.Packs,
		generator: d.Generator,
		fleet:     d.Fleet,
		tracker:   d.Tracker,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Run executes job. On failure the attempt is marked failed with the cause as
// its last log line and the error is returned. The workdir is always removed.
func (p *Pipeline) Run(ctx context.Context, job *models.BuildJob) error {
	start := time.Now()
	cfg := job.Configuration
	logger := p.logger.With("deploy_id", job.DeployID, "job_id", job.ID)
	defer p.cleanup(logger, cfg.General.Workdir)

	logger.Info("processing build job", "target", cfg.Target().String(), "step", job.Step)

	step, err := p.run(ctx, job)
	if err != nil {
		logger.Error("pipeline failed", "step", step, "error", err)
		if failErr := p.tracker.Fail(context.WithoutCancel(ctx), job.DeployID, err); failErr != nil {
			logger.Error("failed to mark deployment failed", "error", failErr)
		}
		p.metrics.PipelineRun(string(step), "failed", time.Since(start))
		return err
	}

	outcome := "done"
	if step == changes.StepSkip {
		outcome = "skipped"
	}
	logger.Info("pipeline finished", "step", step, "outcome", outcome, "duration", time.Since(start))
	p.metrics.PipelineRun(string(step), outcome, time.Since(start))
	return nil
}

func (p *Pipeline) run(ctx context.Context, job *models.BuildJob) (changes.Step, error) {
	cfg := job.Configuration
	id := job.DeployID

	if err := p.tracker.Start(ctx, id, models.StageCloning); err != nil {
		return "", err
	}
	if !clone.Exists(cfg.General.Workdir) {
		p.tracker.Info(ctx, id, "Cloning repository.")
		if _, err := clone.Checkout(ctx, p.cloner, cfg); err != nil {
			return "", perrors.Build("Cloning the repository failed.", err)
		}
	}

	step := changes.Step(job.Step)
	if step == "" {
		next, res, err := p.detector.NextStep(ctx, cfg, job.Force)
		if err != nil {
			return "", perrors.Fleet("precheck", err)
		}
		p.logger.Debug("precheck", "deploy_id", id, "result", res, "step", next)
		step = next
	}

	if step == changes.StepSkip {
		p.tracker.Info(ctx, id, "Nothing changed, no need to redeploy.")
		return step, p.tracker.Done(ctx, id, true)
	}

	if err := p.tracker.Start(ctx, id, models.StageBuilding); err != nil {
		return step, err
	}
	if err := p.build(ctx, id, cfg, step); err != nil {
		return step, err
	}

	if err := p.tracker.Start(ctx, id, models.StageDeploying); err != nil {
		return step, err
	}
	if err := p.deploy(ctx, id, cfg); err != nil {
		return step, err
	}

	return step, p.tracker.Done(ctx, id, false)
}

// build produces cfg's image. A redeploy reuses the image when it is present.
func (p *Pipeline) build(ctx context.Context, id string, cfg *models.Configuration, step changes.Step) error {
	image := cfg.Build.Container.Image()
	if step == changes.StepRedeploy {
		exists, err := p.fleet.ImageExists(ctx, image)
		if err != nil {
			return perrors.Fleet("inspect image", err)
		}
		if exists {
			p.tracker.Info(ctx, id, fmt.Sprintf("Image %s found, skipping build.", image))
			return nil
		}
	}

	p.tracker.Info(ctx, id, "### Building application.")
	if err := p.packs.Run(ctx, cfg, p.fleet, p.tracker.Output(ctx, id)); err != nil {
		return err
	}
	p.tracker.Info(ctx, id, "### Building done.")
	return nil
}

func (p *Pipeline) deploy(ctx context.Context, id string, cfg *models.Configuration) error {
	p.tracker.Info(ctx, id, "### Publishing.")

	m, err := p.generator.Generate(cfg, manifest.KindApplication)
	if err != nil {
		return err
	}
	if err := m.WriteFiles(); err != nil {
		return fmt.Errorf("writing manifest files: %w", err)
	}
	doc, err := m.YAML()
	if err != nil {
		return err
	}
	if err := p.fleet.DeployStack(ctx, m.Name, doc, true); err != nil {
		return perrors.Fleet("deploy stack", err)
	}

	p.tracker.Info(ctx, id, "### Published done!")
	return nil
}

// cleanup removes the attempt's workdir. Failures are logged only.
func (p *Pipeline) cleanup(logger *slog.Logger, workdir string) {
	if !removable(workdir) {
		return
	}
	if err := os.RemoveAll(workdir); err != nil {
		logger.Warn("failed to remove workdir", "workdir", workdir, "error", err)
	}
}

func removable(dir string) bool {
	if dir == "" {
		return false
	}
	clean := filepath.Clean(dir)
	return clean != "/" && clean != "."
}
