// Package postgres provides a PostgreSQL-backed implementation of the build queue.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/queue"
	"github.com/narvanalabs/stackpilot/internal/secrets"
)

// PostgresQueue implements queue.Queue on the build_queue table. Jobs carry
// the full configuration, secrets included, so payloads are sealed at rest.
type PostgresQueue struct {
	db     *sql.DB
	sealer secrets.Sealer
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue. A nil sealer stores
// payloads as-is.
func NewPostgresQueue(db *sql.DB, sealer secrets.Sealer, logger *slog.Logger) *PostgresQueue {
	if sealer == nil {
		sealer = secrets.NopSealer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		sealer: sealer,
		logger: logger,
	}
}

// Enqueue stores the sealed job in pending state.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.BuildJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job to JSON: %w", err)
	}
	jobData, err := q.sealer.Seal(doc)
	if err != nil {
		return fmt.Errorf("sealing job %s: %w", job.ID, err)
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO build_queue (id, deploy_id, job_data, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)`

	if _, err := q.db.ExecContext(ctx, query, job.ID, job.DeployID, jobData, createdAt); err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued build job", "job_id", job.ID, "deploy_id", job.DeployID)
	return nil
}

// Dequeue claims the oldest pending job. SKIP LOCKED lets several workers poll
// the table without blocking on each other.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.BuildJob, error) {
	query := `
		UPDATE build_queue
		SET status = 'processing', started_at = $1
		WHERE id = (
			SELECT id
			FROM build_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_data`

	var jobData []byte
	err := q.db.QueryRowContext(ctx, query, time.Now().UTC()).Scan(&jobData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("claiming job from queue: %w", err)
	}

	doc, err := q.sealer.Open(jobData)
	if err != nil {
		return nil, fmt.Errorf("opening job: %w", err)
	}
	var job models.BuildJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
	}

	q.logger.Debug("dequeued build job", "job_id", job.ID, "deploy_id", job.DeployID)
	return &job, nil
}

// Ack removes a processing job from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM build_queue
		WHERE id = $1 AND status = 'processing'`

	if err := q.exec(ctx, query, jobID); err != nil {
		return err
	}

	q.logger.Debug("acknowledged build job", "job_id", jobID)
	return nil
}

// Nack returns a processing job to pending and counts the retry.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string) error {
	query := `
		UPDATE build_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing'`

	if err := q.exec(ctx, query, jobID); err != nil {
		return err
	}

	q.logger.Debug("nacked build job", "job_id", jobID)
	return nil
}

// Len returns the number of pending jobs.
func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM build_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return n, nil
}

// DropProcessing deletes jobs left in processing state by a crashed worker and
// returns their deployIds. Their attempts are failed by worker recovery rather
// than rerun.
func (q *PostgresQueue) DropProcessing(ctx context.Context) ([]string, error) {
	query := `
		DELETE FROM build_queue
		WHERE status = 'processing'
		RETURNING deploy_id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dropping processing jobs: %w", err)
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
		return nil, fmt.Errorf("iterating processing jobs: %w", err)
	}
	return ids, nil
}

func (q *PostgresQueue) exec(ctx context.Context, query string, jobID string) error {
	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}
