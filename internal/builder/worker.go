package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/queue"
)

// Runner executes one build job.
type Runner interface {
	Run(ctx context.Context, job *models.BuildJob) error
}

// readyNotifier is implemented by queues that can wake idle workers.
type readyNotifier interface {
	Ready() <-chan struct{}
}

// Worker processes build jobs from the queue.
type Worker struct {
	queue   queue.Queue
	runner  Runner
	tracker *lifecycle.Tracker
	logger  *slog.Logger

	concurrency  int
	timeout      time.Duration
	pollInterval time.Duration
	errorBackoff time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// WorkerConfig holds configuration for the build worker.
type WorkerConfig struct {
	Concurrency int
	// Timeout bounds a single job. Zero means no limit.
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Concurrency:  2,
		Timeout:      30 * time.Minute,
		PollInterval: time.Second,
	}
}

// NewWorker creates a new build worker.
func NewWorker(cfg *WorkerConfig, q queue.Queue, runner Runner, tracker *lifecycle.Tracker, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:        q,
		runner:       runner,
		tracker:      tracker,
		logger:       logger,
		concurrency:  concurrency,
		timeout:      cfg.Timeout,
		pollInterval: poll,
		errorBackoff: 5 * poll,
		stopCh:       make(chan struct{}),
	}
}

// Start begins processing build jobs from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting build worker", "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
	return nil
}

// Stop stops taking new jobs and waits for running jobs to complete.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping build worker")
		close(w.stopCh)
	})
	w.wg.Wait()
	w.logger.Info("build worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJobs) {
				w.idle(ctx, w.pollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			w.idle(ctx, w.errorBackoff)
			continue
		}

		w.handle(ctx, logger, job)
	}
}

// idle waits for d, a stop signal, or a ready signal from the queue.
func (w *Worker) idle(ctx context.Context, d time.Duration) {
	var ready <-chan struct{}
	if n, ok := w.queue.(readyNotifier); ok {
		ready = n.Ready()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-ready:
	case <-timer.C:
	}
}

// handle runs job and settles it with the queue. A job whose attempt ended,
// successfully or not, is acked. Only a job whose attempt is still open after
// the run is nacked for retry.
func (w *Worker) handle(ctx context.Context, logger *slog.Logger, job *models.BuildJob) {
	err := w.processJob(ctx, job)
	if err != nil && w.stillOpen(ctx, job.DeployID) {
		if nackErr := w.queue.Nack(ctx, job.ID); nackErr != nil {
			logger.Error("failed to nack job", "job_id", job.ID, "error", nackErr)
		}
		return
	}
	if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
		logger.Error("failed to ack job", "job_id", job.ID, "error", ackErr)
	}
}

// processJob runs one job with the configured timeout. A panic fails the
// attempt and is returned as an error; the worker goroutine survives.
func (w *Worker) processJob(ctx context.Context, job *models.BuildJob) (err error) {
	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in build job %s: %v", job.ID, r)
			w.logger.Error("recovered from panic",
				"job_id", job.ID,
				"deploy_id", job.DeployID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if w.tracker != nil {
				if failErr := w.tracker.Fail(context.WithoutCancel(ctx), job.DeployID, err); failErr != nil {
					w.logger.Error("failed to mark deployment failed", "deploy_id", job.DeployID, "error", failErr)
				}
			}
		}
	}()

	return w.runner.Run(runCtx, job)
}

func (w *Worker) stillOpen(ctx context.Context, deployID string) bool {
	if w.tracker == nil {
		return false
	}
	d, err := w.tracker.Get(ctx, deployID)
	if err != nil {
		return false
	}
	return d.Progress.IsOpen()
}

// ProcessSingleJob processes a single job without the worker loop.
func (w *Worker) ProcessSingleJob(ctx context.Context, job *models.BuildJob) error {
	return w.processJob(ctx, job)
}
