package fleet

import (
	"context"
	"log/slog"
	"sort"

	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// Deployed is a primary fleet service together with the configuration it was
// deployed from.
type Deployed struct {
	Service       Service
	Kind          manifest.Kind
	Configuration *models.Configuration
}

// StackName returns the stack the service belongs to.
func (d Deployed) StackName() string {
	return d.Service.Stack()
}

// Projection reads deployed state back from service labels. The fleet is the source of
// truth for what is running; nothing here is cached.
type Projection struct {
	fleet  Fleet
	logger *slog.Logger
}

// NewProjection creates a Projection over f.
func NewProjection(f Fleet, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{fleet: f, logger: logger}
}

// List returns the primary services of every managed stack of kind, sorted by stack.
// Services whose configuration label cannot be decoded are skipped.
func (p *Projection) List(ctx context.Context, kind manifest.Kind) ([]Deployed, error) {
	services, err := p.fleet.ListServices(ctx, manifest.Selector(kind))
	if err != nil {
		return nil, err
	}

	out := make([]Deployed, 0, len(services))
	for _, svc := range services {
		stack := svc.Stack()
		if stack == "" || svc.Name != manifest.PrimaryServiceName(stack) {
			continue
		}
		cfg, err := manifest.DecodeConfiguration(svc.Labels)
		if err != nil {
			p.logger.Warn("skipping service with unreadable configuration", "service", svc.Name, "error", err)
			continue
		}
		out = append(out, Deployed{Service: svc, Kind: kind, Configuration: cfg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StackName() < out[j].StackName() })
	return out, nil
}

// FindApplication returns the running application for key, or nil.
func (p *Projection) FindApplication(ctx context.Context, key models.NaturalKey) (*Deployed, error) {
	return p.find(ctx, manifest.KindApplication, func(d Deployed) bool {
		return d.Configuration.NaturalKey() == key
	})
}

// FindByNickname returns the running application with nickname, or nil.
func (p *Projection) FindByNickname(ctx context.Context, nickname string) (*Deployed, error) {
	return p.find(ctx, manifest.KindApplication, func(d Deployed) bool {
		return d.Configuration.General.Nickname == nickname
	})
}

// FindStack returns the managed stack of kind with the given name, or nil.
func (p *Projection) FindStack(ctx context.Context, kind manifest.Kind, name string) (*Deployed, error) {
	return p.find(ctx, kind, func(d Deployed) bool {
		return d.StackName() == name
	})
}

func (p *Projection) find(ctx context.Context, kind manifest.Kind, match func(Deployed) bool) (*Deployed, error) {
	all, err := p.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if match(all[i]) {
			return &all[i], nil
		}
	}
	return nil, nil
}
