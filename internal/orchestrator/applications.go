package orchestrator

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// HistoryPageSize is the number of attempts per history page.
const HistoryPageSize = 5

// ApplicationLogTail caps the runtime log lines returned for an application.
const ApplicationLogTail = 1000

// MainConfiguration returns the stored non-preview configuration of repository
// repoID on branch.
func (s *Service) MainConfiguration(ctx context.Context, repoID int64, branch string) (*models.Configuration, error) {
	all, err := s.store.Configurations().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}
	for _, cfg := range all {
		if cfg.Repository.ID == repoID && cfg.Repository.Branch == branch && !cfg.IsPreview() {
			return cfg, nil
		}
	}
	return nil, perrors.NotFound("No configuration found.")
}

// TriggerPreview queues a preview attempt for pull request number of main.
func (s *Service) TriggerPreview(ctx context.Context, main *models.Configuration, number int, opts TriggerOptions) (*TriggerResult, error) {
	defer s.reconcileQuietly(ctx)

	if !main.General.IsPreviewDeploymentEnabled {
		return nil, perrors.Validation("Preview deployments are disabled.")
	}
	cfg, err := s.normalizer.Preview(main, number)
	if err != nil {
		return nil, err
	}
	return s.trigger(ctx, cfg, opts)
}

// ClosePreview tears down the preview of pull request number of main.
func (s *Service) ClosePreview(ctx context.Context, main *models.Configuration, number int) error {
	defer s.reconcileQuietly(ctx)

	if !main.General.IsPreviewDeploymentEnabled {
		return perrors.Validation("Preview deployments are disabled.")
	}
	preview, err := s.normalizer.Preview(main, number)
	if err != nil {
		return err
	}
	stored, err := s.store.Configurations().Get(ctx, preview.NaturalKey())
	switch {
	case err == nil:
		preview = stored
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading preview configuration: %w", err)
	}
	return s.Teardown(ctx, preview)
}

// Teardown deletes cfg's configuration and every attempt and log of its target,
// then removes its stack.
func (s *Service) Teardown(ctx context.Context, cfg *models.Configuration) error {
	var purged int
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		err := tx.Configurations().Delete(ctx, cfg.NaturalKey())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting configuration: %w", err)
		}
		purged, err = s.tracker.PurgeIn(ctx, tx, cfg.Target())
		return err
	})
	if err != nil {
		return err
	}
	if err := s.fleet.RemoveStack(ctx, cfg.Build.Container.Name); err != nil {
		return perrors.Fleet("remove stack", err)
	}
	s.logger.Info("target torn down",
		"key", cfg.NaturalKey().String(),
		"stack", cfg.Build.Container.Name,
		"deployments", purged,
	)
	return nil
}

// RemoveApplication tears down the application with nickname. Removing a main
// application removes its previews too.
func (s *Service) RemoveApplication(ctx context.Context, nickname string) error {
	cfg, err := s.store.Configurations().GetByNickname(ctx, nickname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return perrors.NotFound("No configuration found.")
		}
		return fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.IsPreview() {
		if err := s.teardownPreviews(ctx, cfg); err != nil {
			return err
		}
	}
	return s.Teardown(ctx, cfg)
}

// SetPreviews enables or disables preview deployments of the main
// configuration for key. Disabling tears down every existing preview.
func (s *Service) SetPreviews(ctx context.Context, key models.NaturalKey, enabled bool) (*models.Configuration, error) {
	key.PullRequest = 0
	cfg, err := s.store.Configurations().Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NotFound("No configuration found.")
		}
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	cfg.General.IsPreviewDeploymentEnabled = enabled
	if err := s.store.Configurations().Upsert(ctx, cfg); err != nil {
		return nil, fmt.Errorf("storing configuration: %w", err)
	}
	if !enabled {
		if err := s.teardownPreviews(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (s *Service) teardownPreviews(ctx context.Context, main *models.Configuration) error {
	key := main.NaturalKey()
	previews, err := s.store.Configurations().ListPreviews(ctx, key.Organization, key.Name, key.Branch)
	if err != nil {
		return fmt.Errorf("listing previews: %w", err)
	}
	for _, p := range previews {
		if err := s.Teardown(ctx, p); err != nil {
			return fmt.Errorf("removing preview %d: %w", p.General.PullRequest, err)
		}
	}
	return nil
}

// Configuration returns the configuration with nickname, from the store or,
// failing that, from the labels of the running application.
func (s *Service) Configuration(ctx context.Context, nickname string) (*models.Configuration, error) {
	cfg, err := s.store.Configurations().GetByNickname(ctx, nickname)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	running, err := s.projection.FindByNickname(ctx, nickname)
	if err != nil {
		return nil, perrors.Fleet("list services", err)
	}
	if running == nil {
		return nil, perrors.NotFound("No configuration found.")
	}
	return running.Configuration, nil
}

// History returns one page of attempts for a target, newest first, and the
// total number of attempts. Pages start at 1.
func (s *Service) History(ctx context.Context, organization, name, branch string, page int) ([]*models.Deployment, int, error) {
	if page < 1 {
		page = 1
	}
	return s.tracker.History(ctx, store.DeploymentFilter{
		Organization: organization,
		Name:         name,
		Branch:       branch,
		Limit:        HistoryPageSize,
		Offset:       (page - 1) * HistoryPageSize,
	})
}

// ApplicationLogs returns the runtime output of the application deployed as
// stack name, read from its primary service.
func (s *Service) ApplicationLogs(ctx context.Context, name string) ([]string, error) {
	lines, err := s.fleet.ServiceLogs(ctx, manifest.PrimaryServiceName(name), ApplicationLogTail)
	if errors.Is(err, fleet.ErrServiceNotFound) {
		return nil, perrors.NotFound("No such service. Is it under deployment?")
	}
	if err != nil {
		return nil, perrors.Fleet("service logs", err)
	}
	return lines, nil
}
