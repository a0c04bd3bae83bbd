// Package changes decides whether a deploy attempt needs a build, a redeploy of the
// existing image, or nothing at all.
package changes

import (
	"context"
	"fmt"

	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// Step is the action the pipeline takes for an attempt.
type Step string

const (
	StepSkip     Step = "skip"
	StepRedeploy Step = "redeploy"
	StepBuild    Step = "build"
)

// Result is the outcome of a precheck against the running fleet.
type Result struct {
	FoundService  bool `json:"foundService"`
	ImageChanged  bool `json:"imageChanged"`
	ConfigChanged bool `json:"configChanged"`
	ForceUpdate   bool `json:"forceUpdate"`
}

// Skip reports whether the attempt is a no-op.
func (r Result) Skip() bool {
	return r.FoundService && !r.ImageChanged && !r.ConfigChanged && !r.ForceUpdate
}

// NextStep maps the result onto a pipeline action. Only a configuration change on an
// unchanged image is redeployed without building.
func (r Result) NextStep() Step {
	switch {
	case r.Skip():
		return StepSkip
	case r.FoundService && !r.ImageChanged && !r.ForceUpdate:
		return StepRedeploy
	default:
		return StepBuild
	}
}

// Detector compares a candidate configuration with what is running.
type Detector struct {
	fleet      fleet.Fleet
	projection *fleet.Projection
}

// NewDetector creates a Detector.
func NewDetector(f fleet.Fleet, projection *fleet.Projection) *Detector {
	return &Detector{fleet: f, projection: projection}
}

// Precheck looks up the running application for cfg's natural key and compares it with
// cfg. force is the operator's explicit override.
func (d *Detector) Precheck(ctx context.Context, cfg *models.Configuration, force bool) (Result, error) {
	res := Result{ForceUpdate: force}

	running, err := d.projection.FindApplication(ctx, cfg.NaturalKey())
	if err != nil {
		return Result{}, fmt.Errorf("looking up running service: %w", err)
	}
	if running == nil {
		return res, nil
	}
	res.FoundService = true

	image := cfg.Build.Container.Image()
	res.ImageChanged = running.Service.Image != image

	changed, err := ConfigChanged(running.Configuration, cfg)
	if err != nil {
		return Result{}, err
	}
	res.ConfigChanged = changed

	if running.Configuration.Build.Pack != cfg.Build.Pack {
		res.ForceUpdate = true
	}
	if !res.ForceUpdate {
		crashed, err := d.crashLooping(ctx, running, image)
		if err != nil {
			return Result{}, err
		}
		res.ForceUpdate = crashed
	}
	return res, nil
}

// NextStep runs Precheck and returns the step it implies.
func (d *Detector) NextStep(ctx context.Context, cfg *models.Configuration, force bool) (Step, Result, error) {
	res, err := d.Precheck(ctx, cfg, force)
	if err != nil {
		return "", Result{}, err
	}
	return res.NextStep(), res, nil
}

// crashLooping reports whether a task of the running service at image failed and was
// shut down, meaning the current release never became healthy.
func (d *Detector) crashLooping(ctx context.Context, running *fleet.Deployed, image string) (bool, error) {
	tasks, err := d.fleet.ServiceTasks(ctx, manifest.PrimaryServiceName(running.StackName()))
	if err != nil {
		return false, fmt.Errorf("listing service tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Image == image && t.Crashed() {
			return true, nil
		}
	}
	return false, nil
}
