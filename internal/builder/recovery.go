package builder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/queue"
)

// processingDropper is implemented by durable queues that can release jobs
// claimed by a worker that died.
type processingDropper interface {
	DropProcessing(ctx context.Context) ([]string, error)
}

// RecoveryService fails attempts whose pipeline was interrupted by a restart.
type RecoveryService struct {
	queue   queue.Queue
	tracker *lifecycle.Tracker
	logger  *slog.Logger
}

// RecoveryResult contains the results of a startup recovery operation.
type RecoveryResult struct {
	// Interrupted is the number of attempts failed because their job was lost.
	Interrupted int
	// Stale is the number of attempts failed by stale reconciliation.
	Stale int
	// Errors contains any errors encountered during recovery.
	Errors []error
}

// NewRecoveryService creates a new RecoveryService. Queues without
// DropProcessing are assumed not to survive a restart.
func NewRecoveryService(q queue.Queue, tracker *lifecycle.Tracker, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{queue: q, tracker: tracker, logger: logger}
}

// RecoverOnStartup fails interrupted attempts and reconciles stale ones. It
// must run before the worker starts taking jobs.
func (r *RecoveryService) RecoverOnStartup(ctx context.Context) *RecoveryResult {
	result := &RecoveryResult{}
	r.logger.Info("starting build queue recovery")

	interrupted, err := r.failInterrupted(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failing interrupted deployments: %w", err))
		r.logger.Error("failed to fail interrupted deployments", "error", err)
	}
	result.Interrupted = interrupted

	stale, err := r.tracker.ReconcileStale(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		r.logger.Error("failed to reconcile stale deployments", "error", err)
	}
	result.Stale = stale

	r.logger.Info("build queue recovery completed",
		"interrupted", result.Interrupted,
		"stale", result.Stale,
		"errors", len(result.Errors),
	)
	return result
}

func (r *RecoveryService) failInterrupted(ctx context.Context) (int, error) {
	if d, ok := r.queue.(processingDropper); ok {
		ids, err := d.DropProcessing(ctx)
		if err != nil {
			return 0, err
		}
		return r.tracker.FailOrphaned(ctx, ids)
	}
	return r.tracker.FailOpen(ctx)
}
