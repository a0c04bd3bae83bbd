package orchestrator

import (
	"context"
	"fmt"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// DeployDatabase generates credentials for a new database and deploys it.
// The returned configuration carries the generated credentials.
func (s *Service) DeployDatabase(ctx context.Context, raw *models.Configuration) (*models.Configuration, error) {
	cfg := raw.Clone()
	cfg.General.Type = models.ConfigurationTypeDatabase
	cfg, err := s.normalizer.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, cfg, manifest.KindDatabase); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeployService deploys the service template with settings from raw.
func (s *Service) DeployService(ctx context.Context, template string, raw *models.Configuration) (*models.Configuration, error) {
	cfg := raw.Clone()
	cfg.General.Type = models.ConfigurationTypeService
	if cfg.Service == nil {
		cfg.Service = &models.Service{}
	}
	cfg.Service.Template = template
	cfg, err := s.normalizer.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, cfg, manifest.KindService); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Service) apply(ctx context.Context, cfg *models.Configuration, kind manifest.Kind) error {
	m, err := s.generator.Generate(cfg, kind)
	if err != nil {
		return err
	}
	defer s.releaseWorkdir(cfg.General.Workdir)

	if err := m.WriteFiles(); err != nil {
		return fmt.Errorf("writing manifest files: %w", err)
	}
	doc, err := m.YAML()
	if err != nil {
		return err
	}
	if err := s.fleet.DeployStack(ctx, m.Name, doc, true); err != nil {
		return perrors.Fleet("deploy stack", err)
	}
	s.logger.Info("stack deployed", "kind", kind, "stack", m.Name)
	return nil
}

// Database returns the running database deployed as deployID.
func (s *Service) Database(ctx context.Context, deployID string) (*fleet.Deployed, error) {
	return s.findStack(ctx, manifest.KindDatabase, deployID, "No database found.")
}

// RemoveDatabase removes the database deployed as deployID.
func (s *Service) RemoveDatabase(ctx context.Context, deployID string) error {
	return s.removeStack(ctx, manifest.KindDatabase, deployID, "No database found.")
}

// ServiceStack returns the running service-template stack name.
func (s *Service) ServiceStack(ctx context.Context, name string) (*fleet.Deployed, error) {
	return s.findStack(ctx, manifest.KindService, name, "No service found.")
}

// RemoveService removes the service-template stack name.
func (s *Service) RemoveService(ctx context.Context, name string) error {
	return s.removeStack(ctx, manifest.KindService, name, "No service found.")
}

func (s *Service) findStack(ctx context.Context, kind manifest.Kind, name, missing string) (*fleet.Deployed, error) {
	d, err := s.projection.FindStack(ctx, kind, name)
	if err != nil {
		return nil, perrors.Fleet("list services", err)
	}
	if d == nil {
		return nil, perrors.NotFound("%s", missing)
	}
	return d, nil
}

func (s *Service) removeStack(ctx context.Context, kind manifest.Kind, name, missing string) error {
	d, err := s.findStack(ctx, kind, name, missing)
	if err != nil {
		return err
	}
	if err := s.fleet.RemoveStack(ctx, d.StackName()); err != nil {
		return perrors.Fleet("remove stack", err)
	}
	s.logger.Info("stack removed", "kind", kind, "stack", d.StackName())
	return nil
}

// ApplicationSummary is a main application on the dashboard.
type ApplicationSummary struct {
	Configuration *models.Configuration `json:"configuration"`
	HasPreviews   bool                  `json:"prBuilds"`
}

// StackSummary is a database or service stack on the dashboard.
type StackSummary struct {
	ServiceName   string                `json:"serviceName,omitempty"`
	Configuration *models.Configuration `json:"configuration"`
}

// Dashboard lists everything managed by the platform. Secrets are redacted.
type Dashboard struct {
	Applications []ApplicationSummary `json:"applications"`
	Databases    []StackSummary       `json:"databases"`
	Services     []StackSummary       `json:"services"`
}

// Dashboard returns applications from the store and databases and services
// from the fleet.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	all, err := s.store.Configurations().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}

	previews := make(map[models.NaturalKey]bool)
	for _, cfg := range all {
		if cfg.IsPreview() {
			key := cfg.NaturalKey()
			key.PullRequest = 0
			previews[key] = true
		}
	}

	out := &Dashboard{
		Applications: []ApplicationSummary{},
		Databases:    []StackSummary{},
		Services:     []StackSummary{},
	}
	for _, cfg := range all {
		if cfg.IsPreview() {
			continue
		}
		out.Applications = append(out.Applications, ApplicationSummary{
			Configuration: cfg.Redacted(),
			HasPreviews:   previews[cfg.NaturalKey()],
		})
	}

	databases, err := s.projection.List(ctx, manifest.KindDatabase)
	if err != nil {
		return nil, perrors.Fleet("list services", err)
	}
	for _, d := range databases {
		out.Databases = append(out.Databases, StackSummary{Configuration: d.Configuration.Redacted()})
	}

	services, err := s.projection.List(ctx, manifest.KindService)
	if err != nil {
		return nil, perrors.Fleet("list services", err)
	}
	for _, d := range services {
		out.Services = append(out.Services, StackSummary{
			ServiceName:   d.Service.Labels[manifest.LabelServiceName],
			Configuration: d.Configuration.Redacted(),
		})
	}
	return out, nil
}
