package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append stores entry and assigns its Sequence.
func (s *LogStore) Append(ctx context.Context, entry *models.LogEntry) error {
	query := `
		INSERT INTO logs (deploy_id, level, message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING sequence`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		entry.DeployID,
		string(entry.Level),
		entry.Message,
		entry.CreatedAt,
	).Scan(&entry.Sequence)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// List retrieves entries of deployID after the given sequence, ascending.
func (s *LogStore) List(ctx context.Context, deployID string, after int64, limit int) ([]*models.LogEntry, error) {
	query := `
		SELECT sequence, deploy_id, level, message, created_at
		FROM logs
		WHERE deploy_id = $1 AND sequence > $2
		ORDER BY sequence ASC`
	args := []any{deployID, after}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		if err := rows.Scan(&entry.Sequence, &entry.DeployID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return entries, nil
}

// DeleteByDeployIDs removes every entry of the given attempts.
func (s *LogStore) DeleteByDeployIDs(ctx context.Context, deployIDs []string) error {
	if len(deployIDs) == 0 {
		return nil
	}
	query := `DELETE FROM logs WHERE deploy_id = ANY($1)`

	if _, err := s.conn().ExecContext(ctx, query, pq.Array(deployIDs)); err != nil {
		return fmt.Errorf("deleting logs: %w", err)
	}
	return nil
}
