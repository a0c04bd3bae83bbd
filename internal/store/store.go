// Package store provides record store interfaces and implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when a unique key is already taken.
	ErrDuplicateKey = errors.New("duplicate key")
)

// ConfigurationStore holds the latest configuration per natural key.
type ConfigurationStore interface {
	// Upsert creates or replaces the configuration for cfg's natural key.
	Upsert(ctx context.Context, cfg *models.Configuration) error
	// Get retrieves a configuration by natural key.
	Get(ctx context.Context, key models.NaturalKey) (*models.Configuration, error)
	// GetByNickname retrieves a configuration by nickname.
	GetByNickname(ctx context.Context, nickname string) (*models.Configuration, error)
	// List retrieves every configuration ordered by natural key.
	List(ctx context.Context) ([]*models.Configuration, error)
	// ListPreviews retrieves the preview configurations of a main configuration.
	ListPreviews(ctx context.Context, organization, name, branch string) ([]*models.Configuration, error)
	// ListByDomain retrieves non-preview configurations published on domain.
	ListByDomain(ctx context.Context, domain string) ([]*models.Configuration, error)
	// Delete removes the configuration for key.
	Delete(ctx context.Context, key models.NaturalKey) error
}

// DeploymentFilter narrows a deployment history query. Empty fields match everything.
type DeploymentFilter struct {
	Organization string
	Name         string
	Branch       string
	Limit        int
	Offset       int
}

// DeploymentStore defines operations on deploy attempts.
type DeploymentStore interface {
	// Create records a new attempt.
	Create(ctx context.Context, d *models.Deployment) error
	// Get retrieves an attempt by deployId.
	Get(ctx context.Context, deployID string) (*models.Deployment, error)
	// Update persists progress, stage and updatedAt of an attempt.
	Update(ctx context.Context, d *models.Deployment) error
	// ListOpen retrieves queued or in-progress attempts for target.
	ListOpen(ctx context.Context, target models.Target) ([]*models.Deployment, error)
	// Latest retrieves the most recently created attempt for target.
	Latest(ctx context.Context, target models.Target) (*models.Deployment, error)
	// List retrieves attempts newest first, with the total number matching filter.
	List(ctx context.Context, filter DeploymentFilter) ([]*models.Deployment, int, error)
	// ListStale retrieves open attempts last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Deployment, error)
	// ListByProgress retrieves attempts in any of the given progress values.
	ListByProgress(ctx context.Context, progress ...models.Progress) ([]*models.Deployment, error)
	// DeleteByTarget removes every attempt for target and returns their deployIds.
	DeleteByTarget(ctx context.Context, target models.Target) ([]string, error)
}

// LogStore defines operations on attempt logs.
type LogStore interface {
	// Append stores entry and assigns its Sequence.
	Append(ctx context.Context, entry *models.LogEntry) error
	// List retrieves entries of deployID with Sequence greater than after, ascending.
	// A limit of zero or less returns every entry.
	List(ctx context.Context, deployID string, after int64, limit int) ([]*models.LogEntry, error)
	// DeleteByDeployIDs removes every entry of the given attempts.
	DeleteByDeployIDs(ctx context.Context, deployIDs []string) error
}

// Store is the main interface for record store operations.
type Store interface {
	// Configurations returns the ConfigurationStore.
	Configurations() ConfigurationStore
	// Deployments returns the DeploymentStore.
	Deployments() DeploymentStore
	// Logs returns the LogStore.
	Logs() LogStore

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping checks the backing database.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}

// SameDomainPath reports whether two publish paths collide on the same domain.
// Paths are compared without trailing slashes.
func SameDomainPath(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
