package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/claim"
	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// Trigger sources, used as metric labels.
const (
	SourceWebhook = "webhook"
	SourceAPI     = "api"
)

// Caller-facing outcome messages.
const (
	MessageQueued    = "Deployment queued."
	MessageUnchanged = "Nothing changed, no need to redeploy."
	MessageBusy      = "Already in the queue."
	MessageDomain    = "Domain/path are already in use."
	MessageRemoved   = "Removed"
)

// TriggerOptions tune a single trigger.
type TriggerOptions struct {
	Source string
	// Force rebuilds even when nothing changed.
	Force bool
}

// TriggerResult describes what a trigger did. Success is true for every
// accepted trigger; Queued tells a new attempt from an unchanged target.
type TriggerResult struct {
	Success  bool         `json:"success"`
	Queued   bool         `json:"queued"`
	Message  string       `json:"message"`
	Nickname string       `json:"nickname,omitempty"`
	Name     string       `json:"name,omitempty"`
	DeployID string       `json:"deployId,omitempty"`
	Step     changes.Step `json:"step,omitempty"`
}

// Trigger normalizes raw and queues a deploy attempt for it. An unchanged
// target is reported without creating an attempt. Failures after the
// request was accepted fail the target's latest open attempt. Stale attempts
// are reconciled on every call.
//
// A failure before the new attempt is recorded (clone or precheck) still
// fails the latest open attempt, even one a worker is running. This is
// intended: the target's newest attempt carries the failure the caller saw.
func (s *Service) Trigger(ctx context.Context, raw *models.Configuration, opts TriggerOptions) (*TriggerResult, error) {
	defer s.reconcileQuietly(ctx)

	cfg, err := s.normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return s.trigger(ctx, cfg, opts)
}

func (s *Service) trigger(ctx context.Context, cfg *models.Configuration, opts TriggerOptions) (res *TriggerResult, err error) {
	if opts.Source == "" {
		opts.Source = SourceAPI
	}
	target := cfg.Target()
	logger := s.logger.With("target", target.String(), "deploy_id", cfg.General.DeployID, "source", opts.Source)

	queued := false
	defer func() {
		if !queued {
			s.releaseWorkdir(cfg.General.Workdir)
		}
		if err == nil || perrors.IsTriggerRejection(err) {
			return
		}
		logger.Error("trigger failed", "error", err)
		if _, failErr := s.tracker.FailLatest(context.WithoutCancel(ctx), target, err); failErr != nil {
			logger.Error("failed to fail latest deployment", "error", failErr)
		}
	}()

	if err := s.checkDomain(ctx, cfg); err != nil {
		return nil, err
	}

	if _, err := clone.Checkout(ctx, s.cloner, cfg); err != nil {
		return nil, perrors.Build("Cloning the repository failed.", err)
	}

	step, result, err := s.detector.NextStep(ctx, cfg, opts.Force)
	if err != nil {
		return nil, perrors.Fleet("precheck", err)
	}
	logger.Debug("precheck", "result", result, "step", step)
	if step == changes.StepSkip {
		s.metrics.Trigger(opts.Source, string(step))
		return &TriggerResult{Success: true, Message: MessageUnchanged, Nickname: cfg.General.Nickname, Step: step}, nil
	}

	if err := s.record(ctx, cfg); err != nil {
		return nil, err
	}

	job := models.NewBuildJob(uuid.NewString(), cfg, string(step), s.now())
	job.Force = opts.Force
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing build job: %w", err)
	}
	queued = true

	s.metrics.Trigger(opts.Source, string(step))
	logger.Info("deployment queued", "step", step, "job_id", job.ID)
	return &TriggerResult{
		Success:  true,
		Queued:   true,
		Message:  MessageQueued,
		Nickname: cfg.General.Nickname,
		Name:     cfg.Build.Container.Name,
		DeployID: cfg.General.DeployID,
		Step:     step,
	}, nil
}

// record creates the attempt and stores cfg unless an attempt for the same
// target is already open. The check and the insert run under the target's claim.
func (s *Service) record(ctx context.Context, cfg *models.Configuration) error {
	target := cfg.Target()
	err := s.claimer.Claim(ctx, target.String(), func(ctx context.Context) error {
		open, err := s.store.Deployments().ListOpen(ctx, target)
		if err != nil {
			return fmt.Errorf("listing open deployments: %w", err)
		}
		if len(open) > 0 {
			return perrors.Conflict(MessageBusy)
		}
		return s.store.WithTx(ctx, func(tx store.Store) error {
			if _, err := s.tracker.QueueIn(ctx, tx, cfg); err != nil {
				return err
			}
			if err := tx.Configurations().Upsert(ctx, cfg); err != nil {
				return fmt.Errorf("storing configuration: %w", err)
			}
			return nil
		})
	})
	if errors.Is(err, claim.ErrBusy) {
		return perrors.Conflict(MessageBusy)
	}
	return err
}

// CheckDomain normalizes raw and reports a conflict when its domain and path
// are taken by another application or by the platform itself.
func (s *Service) CheckDomain(ctx context.Context, raw *models.Configuration) error {
	cfg, err := s.normalizer.Normalize(raw)
	if err != nil {
		return err
	}
	return s.checkDomain(ctx, cfg)
}

func (s *Service) checkDomain(ctx context.Context, cfg *models.Configuration) error {
	if s.reservedDomain != "" && cfg.Publish.Domain == s.reservedDomain {
		return perrors.Conflict(MessageDomain)
	}
	if cfg.IsPreview() {
		return nil
	}
	others, err := s.store.Configurations().ListByDomain(ctx, cfg.Publish.Domain)
	if err != nil {
		return fmt.Errorf("listing configurations by domain: %w", err)
	}
	key := cfg.NaturalKey()
	for _, other := range others {
		if other.NaturalKey() != key && store.SameDomainPath(other.Publish.Path, cfg.Publish.Path) {
			return perrors.Conflict(MessageDomain)
		}
	}
	return nil
}
