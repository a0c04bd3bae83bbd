package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/secrets"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// ConfigurationStore implements store.ConfigurationStore using PostgreSQL.
// The full document is stored sealed; key columns are kept in clear for lookups.
type ConfigurationStore struct {
	db     *sql.DB
	tx     *sql.Tx
	sealer secrets.Sealer
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ConfigurationStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const configurationColumns = `document`

// Upsert creates or replaces the configuration for cfg's natural key.
func (s *ConfigurationStore) Upsert(ctx context.Context, cfg *models.Configuration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}
	doc, err := s.sealer.Seal(raw)
	if err != nil {
		return fmt.Errorf("sealing configuration: %w", err)
	}

	query := `
		INSERT INTO configurations (organization, name, branch, pull_request, nickname, domain, path, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization, name, branch, pull_request) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			domain = EXCLUDED.domain,
			path = EXCLUDED.path,
			document = EXCLUDED.document,
			updated_at = NOW()`

	_, err = s.conn().ExecContext(ctx, query,
		cfg.Repository.Organization,
		cfg.Repository.Name,
		cfg.Repository.Branch,
		cfg.General.PullRequest,
		cfg.General.Nickname,
		cfg.Publish.Domain,
		cfg.Publish.Path,
		doc,
	)
	if err != nil {
		return fmt.Errorf("upserting configuration: %w", err)
	}

	s.logger.Debug("configuration stored", "key", cfg.NaturalKey().String())
	return nil
}

// Get retrieves a configuration by natural key.
func (s *ConfigurationStore) Get(ctx context.Context, key models.NaturalKey) (*models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations
		WHERE organization = $1 AND name = $2 AND branch = $3 AND pull_request = $4`

	return s.one(ctx, query, key.Organization, key.Name, key.Branch, key.PullRequest)
}

// GetByNickname retrieves a configuration by nickname.
func (s *ConfigurationStore) GetByNickname(ctx context.Context, nickname string) (*models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations
		WHERE nickname = $1
		ORDER BY organization, name, branch, pull_request
		LIMIT 1`

	return s.one(ctx, query, nickname)
}

// List retrieves every configuration ordered by natural key.
func (s *ConfigurationStore) List(ctx context.Context) ([]*models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations
		ORDER BY organization, name, branch, pull_request`

	return s.many(ctx, query)
}

// ListPreviews retrieves the preview configurations of a main configuration.
func (s *ConfigurationStore) ListPreviews(ctx context.Context, organization, name, branch string) ([]*models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations
		WHERE organization = $1 AND name = $2 AND branch = $3 AND pull_request <> 0
		ORDER BY pull_request`

	return s.many(ctx, query, organization, name, branch)
}

// ListByDomain retrieves non-preview configurations published on domain.
func (s *ConfigurationStore) ListByDomain(ctx context.Context, domain string) ([]*models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations
		WHERE domain = $1 AND pull_request = 0
		ORDER BY organization, name, branch`

	return s.many(ctx, query, domain)
}

// Delete removes the configuration for key.
func (s *ConfigurationStore) Delete(ctx context.Context, key models.NaturalKey) error {
	query := `DELETE FROM configurations
		WHERE organization = $1 AND name = $2 AND branch = $3 AND pull_request = $4`

	result, err := s.conn().ExecContext(ctx, query, key.Organization, key.Name, key.Branch, key.PullRequest)
	if err != nil {
		return fmt.Errorf("deleting configuration: %w", err)
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

func (s *ConfigurationStore) one(ctx context.Context, query string, args ...any) (*models.Configuration, error) {
	var doc []byte
	err := s.conn().QueryRowContext(ctx, query, args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying configuration: %w", err)
	}
	return s.decode(doc)
}

func (s *ConfigurationStore) many(ctx context.Context, query string, args ...any) ([]*models.Configuration, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer rows.Close()

	var out []*models.Configuration
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning configuration: %w", err)
		}
		cfg, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating configurations: %w", err)
	}
	return out, nil
}

func (s *ConfigurationStore) decode(doc []byte) (*models.Configuration, error) {
	raw, err := s.sealer.Open(doc)
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	var cfg models.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	return &cfg, nil
}
