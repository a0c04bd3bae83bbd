// Package lifecycle tracks deploy attempts: progress transitions, the
// append-only log and reconciliation of attempts that stopped reporting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// DefaultStaleAfter is how long an open attempt may go without an update before
// reconciliation fails it.
const DefaultStaleAfter = 45 * time.Minute

// ErrTerminal is returned when a transition is attempted on a finished attempt.
var ErrTerminal = errors.New("deployment already finished")

// Tracker owns every write to Deployments and LogEntries.
type Tracker struct {
	store      store.Store
	broker     *Broker
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBroker publishes appended entries to live subscribers.
func WithBroker(b *Broker) Option {
	return func(t *Tracker) { t.broker = b }
}

// NewTracker creates a Tracker over s.
func NewTracker(s store.Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:      s,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.broker == nil {
		t.broker = NewBroker(logger)
	}
	return t
}

// Broker returns the broker used for live log subscriptions.
func (t *Tracker) Broker() *Broker {
	return t.broker
}

// Queue records a new attempt for cfg in queued state.
func (t *Tracker) Queue(ctx context.Context, cfg *models.Configuration) (*models.Deployment, error) {
	return t.queueIn(ctx, t.store, cfg)
}

// QueueIn is Queue within an existing transaction.
func (t *Tracker) QueueIn(ctx context.Context, s store.Store, cfg *models.Configuration) (*models.Deployment, error) {
	return t.queueIn(ctx, s, cfg)
}

func (t *Tracker) queueIn(ctx context.Context, s store.Store, cfg *models.Configuration) (*models.Deployment, error) {
	d := models.NewDeployment(cfg, t.now())
	if err := s.Deployments().Create(ctx, d); err != nil {
		return nil, fmt.Errorf("creating deployment: %w", err)
	}
	return d, nil
}

// Get returns the attempt with deployID.
func (t *Tracker) Get(ctx context.Context, deployID string) (*models.Deployment, error) {
	d, err := t.store.Deployments().Get(ctx, deployID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NotFound("deployment %s not found", deployID)
		}
		return nil, err
	}
	return d, nil
}

// Transition moves an attempt to progress/stage. Moving within the same
// non-terminal progress only updates the stage.
func (t *Tracker) Transition(ctx context.Context, deployID string, progress models.Progress, stage models.Stage) (*models.Deployment, error) {
	d, err := t.Get(ctx, deployID)
	if err != nil {
		return nil, err
	}
	if err := t.apply(ctx, t.store, d, progress, stage); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *Tracker) apply(ctx context.Context, s store.Store, d *models.Deployment, progress models.Progress, stage models.Stage) error {
	if d.Progress.IsTerminal() {
		return fmt.Errorf("deployment %s is %s: %w", d.DeployID, d.Progress, ErrTerminal)
	}
	if progress != d.Progress && !d.Progress.CanTransitionTo(progress) {
		return fmt.Errorf("deployment %s: invalid transition %s -> %s", d.DeployID, d.Progress, progress)
	}

	d.Progress = progress
	d.Stage = stage
	d.UpdatedAt = t.now()
	if err := s.Deployments().Update(ctx, d); err != nil {
		return fmt.Errorf("updating deployment %s: %w", d.DeployID, err)
	}

	t.logger.Debug("deployment transition",
		"deploy_id", d.DeployID,
		"progress", progress,
		"stage", stage,
	)
	return nil
}

// Start marks an attempt in progress at stage.
func (t *Tracker) Start(ctx context.Context, deployID string, stage models.Stage) error {
	_, err := t.Transition(ctx, deployID, models.ProgressInProgress, stage)
	return err
}

// Done marks an attempt finished. A skipped attempt is done with stage skipped.
func (t *Tracker) Done(ctx context.Context, deployID string, skipped bool) error {
	stage := models.StageDone
	if skipped {
		stage = models.StageSkipped
	}
	_, err := t.Transition(ctx, deployID, models.ProgressDone, stage)
	return err
}

// Fail marks an attempt failed and records the cause as the last log line.
func (t *Tracker) Fail(ctx context.Context, deployID string, cause error) error {
	if cause != nil {
		t.Error(ctx, deployID, perrors.PublicMessage(cause))
	}
	_, err := t.Transition(ctx, deployID, models.ProgressFailed, models.StageFailed)
	return err
}

// FailLatest fails the most recent attempt for target if it is still open.
// It reports whether an attempt was failed.
func (t *Tracker) FailLatest(ctx context.Context, target models.Target, cause error) (bool, error) {
	d, err := t.store.Deployments().Latest(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading latest deployment: %w", err)
	}
	if d.Progress.IsTerminal() {
		return false, nil
	}
	if err := t.Fail(ctx, d.DeployID, cause); err != nil {
		return false, err
	}
	return true, nil
}

// Info appends an info line.
func (t *Tracker) Info(ctx context.Context, deployID, message string) {
	t.append(ctx, deployID, models.LogLevelInfo, message)
}

// Error appends an error line.
func (t *Tracker) Error(ctx context.Context, deployID, message string) {
	t.append(ctx, deployID, models.LogLevelError, message)
}

// Output returns a line sink writing info entries for deployID, suitable for
// build output streams.
func (t *Tracker) Output(ctx context.Context, deployID string) func(line string) {
	return func(line string) {
		t.Info(ctx, deployID, line)
	}
}

// append sanitizes and stores one entry. Store failures are logged: losing a
// log line must not fail the attempt.
func (t *Tracker) append(ctx context.Context, deployID string, level models.LogLevel, message string) {
	message = Sanitize(message)
	if strings.TrimSpace(message) == "" {
		return
	}

	entry := &models.LogEntry{
		DeployID:  deployID,
		Level:     level,
		Message:   message,
		CreatedAt: t.now(),
	}
	if err := t.store.Logs().Append(ctx, entry); err != nil {
		t.logger.Error("failed to append deployment log",
			"deploy_id", deployID,
			"error", err,
		)
		return
	}
	t.broker.Publish(entry)
}

// Logs returns entries of deployID after the given sequence, ascending.
func (t *Tracker) Logs(ctx context.Context, deployID string, after int64, limit int) ([]*models.LogEntry, error) {
	if _, err := t.Get(ctx, deployID); err != nil {
		return nil, err
	}
	return t.store.Logs().List(ctx, deployID, after, limit)
}

// ReconcileStale fails every open attempt that has not been updated within
// the stale threshold and returns how many were failed.
func (t *Tracker) ReconcileStale(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-t.staleAfter)
	stale, err := t.store.Deployments().ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale deployments: %w", err)
	}

	failed := 0
	for _, d := range stale {
		t.append(ctx, d.DeployID, models.LogLevelError, "Deployment timed out.")
		if err := t.apply(ctx, t.store, d, models.ProgressFailed, models.StageFailed); err != nil {
			t.logger.Warn("failed to reconcile stale deployment", "deploy_id", d.DeployID, "error", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		t.logger.Info("reconciled stale deployments", "count", failed)
	}
	return failed, nil
}

// FailOrphaned fails the open attempts among deployIDs. Workers call it on
// startup with the attempts whose jobs were in flight when a worker died.
func (t *Tracker) FailOrphaned(ctx context.Context, deployIDs []string) (int, error) {
	failed := 0
	for _, id := range deployIDs {
		d, err := t.store.Deployments().Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return failed, fmt.Errorf("loading deployment %s: %w", id, err)
		}
		if d.Progress.IsTerminal() {
			continue
		}
		t.append(ctx, d.DeployID, models.LogLevelError, "Deployment interrupted.")
		if err := t.apply(ctx, t.store, d, models.ProgressFailed, models.StageFailed); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// FailOpen fails every open attempt. Used on startup when the queue does not
// survive a restart.
func (t *Tracker) FailOpen(ctx context.Context) (int, error) {
	open, err := t.store.Deployments().ListByProgress(ctx, models.OpenProgress...)
	if err != nil {
		return 0, fmt.Errorf("listing open deployments: %w", err)
	}
	ids := make([]string, len(open))
	for i, d := range open {
		ids[i] = d.DeployID
	}
	return t.FailOrphaned(ctx, ids)
}

// Purge deletes every attempt for target and their logs in one transaction.
func (t *Tracker) Purge(ctx context.Context, target models.Target) (int, error) {
	return t.PurgeIn(ctx, t.store, target)
}

// PurgeIn is Purge within an existing transaction.
func (t *Tracker) PurgeIn(ctx context.Context, s store.Store, target models.Target) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx store.Store) error {
		ids, err := tx.Deployments().DeleteByTarget(ctx, target)
		if err != nil {
			return err
		}
		n = len(ids)
		return tx.Logs().DeleteByDeployIDs(ctx, ids)
	})
	if err != nil {
		return 0, fmt.Errorf("purging deployments of %s: %w", target, err)
	}
	return n, nil
}

// History returns one page of attempts, newest first, with the total count.
func (t *Tracker) History(ctx context.Context, filter store.DeploymentFilter) ([]*models.Deployment, int, error) {
	return t.store.Deployments().List(ctx, filter)
}
