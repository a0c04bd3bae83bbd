// Package buildpack turns a checked out workdir into a container image.
package buildpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// Buildpack builds the image named by cfg.Build.Container.
type Buildpack interface {
	Name() string
	Build(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error
}

// Preparer is implemented by buildpacks that write files into the build
// context before building.
type Preparer interface {
	Prepare(ctx context.Context, cfg *models.Configuration) error
}

// Registry maps pack names to buildpacks.
type Registry struct {
	packs map[string]Buildpack
}

// NewRegistry creates a registry holding packs.
func NewRegistry(packs ...Buildpack) *Registry {
	r := &Registry{packs: make(map[string]Buildpack, len(packs))}
	for _, p := range packs {
		r.packs[p.Name()] = p
	}
	return r
}

// DefaultRegistry returns the docker, static and nodejs packs.
func DefaultRegistry() *Registry {
	return NewRegistry(Docker{}, Static{}, NodeJS{})
}

// Get returns the named pack or a NoBuildpack error.
func (r *Registry) Get(name string) (Buildpack, error) {
	p, ok := r.packs[name]
	if !ok {
		return nil, perrors.NoBuildpack(name)
	}
	return p, nil
}

// Names returns the registered pack names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.packs))
	for name := range r.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run prepares and builds cfg with its configured pack.
func (r *Registry) Run(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error {
	pack, err := r.Get(cfg.Build.Pack)
	if err != nil {
		return err
	}
	if p, ok := pack.(Preparer); ok {
		if err := p.Prepare(ctx, cfg); err != nil {
			return perrors.Build("Preparing the build failed.", err)
		}
	}
	return pack.Build(ctx, cfg, f, out)
}

// ContextDir returns the build context of cfg: the workdir joined with the
// configured directory.
func ContextDir(cfg *models.Configuration) string {
	return filepath.Join(cfg.General.Workdir, cfg.Build.Directory)
}

// buildImage builds ContextDir(cfg) with its Dockerfile.
func buildImage(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error {
	dir := ContextDir(cfg)
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return perrors.Build("No custom dockerfile found.", err)
	}

	err := f.BuildImage(ctx, dir, cfg.Build.Container.Image(), out)
	if err == nil {
		return nil
	}
	var buildErr *fleet.BuildError
	if errors.As(err, &buildErr) {
		return perrors.Build(buildErr.Message, err)
	}
	return perrors.Fleet("build image", fmt.Errorf("building %s: %w", cfg.Build.Container.Image(), err))
}

// writeIfMissing writes content to dir/name unless the file already exists.
func writeIfMissing(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

const dockerignore = `.git
node_modules
`
