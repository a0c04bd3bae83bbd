package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `id, deploy_id, repo_id, organization, name, branch, domain, nickname,
	pull_request, progress, stage, created_at, updated_at`

const byTarget = `organization = $1 AND name = $2 AND branch = $3 AND domain = $4`

// Create records a new attempt.
func (s *DeploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	query := `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.conn().ExecContext(ctx, query,
		d.ID,
		d.DeployID,
		d.RepoID,
		d.Organization,
		d.Name,
		d.Branch,
		d.Domain,
		d.Nickname,
		d.PullRequest,
		string(d.Progress),
		string(d.Stage),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

// Get retrieves an attempt by deployId.
func (s *DeploymentStore) Get(ctx context.Context, deployID string) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE deploy_id = $1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, deployID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// Update persists progress, stage and updatedAt of an attempt.
func (s *DeploymentStore) Update(ctx context.Context, d *models.Deployment) error {
	query := `
		UPDATE deployments
		SET progress = $2, stage = $3, updated_at = $4
		WHERE deploy_id = $1`

	result, err := s.conn().ExecContext(ctx, query, d.DeployID, string(d.Progress), string(d.Stage), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListOpen retrieves queued or in-progress attempts for target.
func (s *DeploymentStore) ListOpen(ctx context.Context, target models.Target) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE ` + byTarget + ` AND progress = ANY($5)
		ORDER BY created_at DESC`

	return s.list(ctx, query, target.Organization, target.Name, target.Branch, target.Domain,
		progressArray(models.OpenProgress...))
}

// Latest retrieves the most recently created attempt for target.
func (s *DeploymentStore) Latest(ctx context.Context, target models.Target) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE ` + byTarget + `
		ORDER BY created_at DESC
		LIMIT 1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query,
		target.Organization, target.Name, target.Branch, target.Domain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying latest deployment: %w", err)
	}
	return d, nil
}

// List retrieves attempts newest first, with the total number matching filter.
func (s *DeploymentStore) List(ctx context.Context, f store.DeploymentFilter) ([]*models.Deployment, int, error) {
	where := `($1 = '' OR organization = $1) AND ($2 = '' OR name = $2) AND ($3 = '' OR branch = $3)`

	var total int
	countQuery := `SELECT COUNT(*) FROM deployments WHERE ` + where
	if err := s.conn().QueryRowContext(ctx, countQuery, f.Organization, f.Name, f.Branch).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting deployments: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE ` + where + `
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	list, err := s.list(ctx, query, f.Organization, f.Name, f.Branch, limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListStale retrieves open attempts last updated before cutoff.
func (s *DeploymentStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE progress = ANY($1) AND updated_at < $2
		ORDER BY created_at DESC`

	return s.list(ctx, query, progressArray(models.OpenProgress...), cutoff)
}

// ListByProgress retrieves attempts in any of the given progress values.
func (s *DeploymentStore) ListByProgress(ctx context.Context, progress ...models.Progress) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE progress = ANY($1)
		ORDER BY created_at DESC`

	return s.list(ctx, query, progressArray(progress...))
}

// DeleteByTarget removes every attempt for target and returns their deployIds.
func (s *DeploymentStore) DeleteByTarget(ctx context.Context, target models.Target) ([]string, error) {
	query := `DELETE FROM deployments WHERE ` + byTarget + ` RETURNING deploy_id`

	rows, err := s.conn().QueryContext(ctx, query, target.Organization, target.Name, target.Branch, target.Domain)
	if err != nil {
		return nil, fmt.Errorf("deleting deployments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning deploy id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deleted deployments: %w", err)
	}
	return ids, nil
}

func (s *DeploymentStore) list(ctx context.Context, query string, args ...any) ([]*models.Deployment, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	err := row.Scan(
		&d.ID,
		&d.DeployID,
		&d.RepoID,
		&d.Organization,
		&d.Name,
		&d.Branch,
		&d.Domain,
		&d.Nickname,
		&d.PullRequest,
		&d.Progress,
		&d.Stage,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func progressArray(progress ...models.Progress) any {
	values := make([]string, len(progress))
	for i, p := range progress {
		values[i] = string(p)
	}
	return pq.Array(values)
}
