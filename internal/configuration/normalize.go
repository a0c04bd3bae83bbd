// Package configuration turns raw deploy requests into complete Configuration records.
package configuration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/imdario/mergo"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// DefaultTag is the image tag used until a clone resolves the commit.
const DefaultTag = "latest"

// IDGenerator produces deployIds.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

// NewID returns a random UUID string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// Normalizer fills derived fields of a Configuration. It holds no mutable state.
type Normalizer struct {
	TmpRoot string
	IDs     IDGenerator
}

// NewNormalizer creates a Normalizer rooting workdirs under tmpRoot.
func NewNormalizer(tmpRoot string, ids IDGenerator) *Normalizer {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	return &Normalizer{TmpRoot: tmpRoot, IDs: ids}
}

var applicationDefaults = models.Configuration{
	General: models.General{Type: models.ConfigurationTypeApplication},
	Build: models.Build{
		Pack:      "docker",
		Directory: ".",
		Container: models.Container{Tag: DefaultTag},
	},
	Publish: models.Publish{Path: "/", Port: 3000},
}

// Normalize validates raw and returns a complete copy with a fresh deployId and workdir.
// Fields already present are preserved.
func (n *Normalizer) Normalize(raw *models.Configuration) (*models.Configuration, error) {
	if raw == nil {
		return nil, perrors.Validation("configuration is required")
	}
	cfg := raw.Clone()
	if cfg.General.Type == "" {
		cfg.General.Type = models.ConfigurationTypeApplication
	}

	switch cfg.General.Type {
	case models.ConfigurationTypeApplication:
		if err := n.normalizeApplication(cfg); err != nil {
			return nil, err
		}
	case models.ConfigurationTypeDatabase:
		if cfg.Database == nil || strings.TrimSpace(cfg.Database.Type) == "" {
			return nil, perrors.Validation("database.type is required")
		}
		cfg.Database.Type = strings.ToLower(strings.TrimSpace(cfg.Database.Type))
	case models.ConfigurationTypeService:
		if cfg.Service == nil || strings.TrimSpace(cfg.Service.Template) == "" {
			return nil, perrors.Validation("service.template is required")
		}
		cfg.Service.Template = strings.ToLower(strings.TrimSpace(cfg.Service.Template))
	default:
		return nil, perrors.Validation("unknown configuration type %q", cfg.General.Type)
	}

	cfg.General.DeployID = n.IDs.NewID()
	cfg.General.Workdir = filepath.Join(n.TmpRoot, cfg.General.DeployID)
	if cfg.General.Nickname == "" {
		cfg.General.Nickname = nicknameFor(cfg)
	}
	return cfg, nil
}

func (n *Normalizer) normalizeApplication(cfg *models.Configuration) error {
	repo := &cfg.Repository
	repo.Organization = strings.TrimSpace(repo.Organization)
	repo.Name = strings.TrimSpace(repo.Name)
	repo.Branch = strings.TrimSpace(repo.Branch)
	cfg.Publish.Domain = strings.ToLower(strings.TrimSpace(cfg.Publish.Domain))

	var missing []string
	if repo.Organization == "" {
		missing = append(missing, "repository.organization")
	}
	if repo.Name == "" {
		missing = append(missing, "repository.name")
	}
	if repo.Branch == "" {
		missing = append(missing, "repository.branch")
	}
	if cfg.Publish.Domain == "" {
		missing = append(missing, "publish.domain")
	}
	if len(missing) > 0 {
		return perrors.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if cfg.General.PullRequest < 0 {
		return perrors.Validation("general.pullRequest must not be negative")
	}
	if cfg.Publish.Port < 0 || cfg.Publish.Port > 65535 {
		return perrors.Validation("publish.port out of range")
	}

	if err := mergo.Merge(cfg, applicationDefaults); err != nil {
		return fmt.Errorf("applying defaults: %w", err)
	}

	if !strings.HasPrefix(cfg.Publish.Path, "/") {
		cfg.Publish.Path = "/" + cfg.Publish.Path
	}
	cfg.Build.Pack = strings.ToLower(cfg.Build.Pack)
	if cfg.Build.Container.Name == "" {
		cfg.Build.Container.Name = ContainerName(cfg.NaturalKey())
	}
	return nil
}

// Preview derives the preview Configuration for pull request pr of main.
func (n *Normalizer) Preview(main *models.Configuration, pr int) (*models.Configuration, error) {
	if pr <= 0 {
		return nil, perrors.Validation("pull request number must be positive")
	}
	if main.IsPreview() {
		return nil, perrors.Validation("cannot derive a preview from a preview configuration")
	}
	cfg := main.Clone()
	cfg.General.PullRequest = pr
	cfg.General.Nickname = fmt.Sprintf("%s-pr%d", main.General.Nickname, pr)
	cfg.Publish.Domain = fmt.Sprintf("pr%d.%s", pr, main.Publish.Domain)
	cfg.Build.Container = models.Container{}
	return n.Normalize(cfg)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ContainerName derives a stable image and stack name for a natural key.
func ContainerName(key models.NaturalKey) string {
	base := nonSlug.ReplaceAllString(strings.ToLower(key.Organization+"-"+key.Name+"-"+key.Branch), "-")
	base = strings.Trim(base, "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	sum := sha256.Sum256([]byte(key.String()))
	name := base + "-" + hex.EncodeToString(sum[:])[:8]
	if key.PullRequest != 0 {
		name = fmt.Sprintf("pr%d-%s", key.PullRequest, name)
	}
	return name
}
