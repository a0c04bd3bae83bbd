package builder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/queue"
	"github.com/narvanalabs/stackpilot/internal/store/memory"
	"github.com/narvanalabs/stackpilot/internal/store/storetest"
)

type runnerFunc func(ctx context.Context, job *models.BuildJob) error

func (f runnerFunc) Run(ctx context.Context, job *models.BuildJob) error { return f(ctx, job) }

type workerHarness struct {
	queue   *queue.MemoryQueue
	tracker *lifecycle.Tracker
}

func newWorkerHarness() *workerHarness {
	return &workerHarness{
		queue:   queue.NewMemoryQueue(),
		tracker: lifecycle.NewTracker(memory.New(), discard()),
	}
}

func (h *workerHarness) enqueue(t *testing.T) *models.BuildJob {
	t.Helper()
	cfg := storetest.Configuration("acme", "web", "main", 0)
	cfg.General.DeployID = uuid.NewString()
	_, err := h.tracker.Queue(context.Background(), cfg)
	require.NoError(t, err)
	job := models.NewBuildJob(uuid.NewString(), cfg, "", time.Now().UTC())
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	return job
}

func (h *workerHarness) progress(t *testing.T, job *models.BuildJob) models.Progress {
	t.Helper()
	d, err := h.tracker.Get(context.Background(), job.DeployID)
	require.NoError(t, err)
	return d.Progress
}

func (h *workerHarness) start(t *testing.T, runner Runner, concurrency int) *Worker {
	t.Helper()
	w := NewWorker(&WorkerConfig{
		Concurrency:  concurrency,
		Timeout:      time.Minute,
		PollInterval: 10 * time.Millisecond,
	}, h.queue, runner, h.tracker, discard())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

// complete is a runner that walks the attempt to done.
func complete(tracker *lifecycle.Tracker) runnerFunc {
	return func(ctx context.Context, job *models.BuildJob) error {
		if err := tracker.Start(ctx, job.DeployID, models.StageBuilding); err != nil {
			return err
		}
		return tracker.Done(ctx, job.DeployID, false)
	}
}

func TestWorkerProcessesQueuedJobs(t *testing.T) {
	h := newWorkerHarness()
	jobs := []*models.BuildJob{h.enqueue(t), h.enqueue(t), h.enqueue(t)}

	h.start(t, complete(h.tracker), 2)

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			if h.progress(t, job) != models.ProgressDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.queue.Len())
}

func TestWorkerWakesOnEnqueue(t *testing.T) {
	h := newWorkerHarness()
	h.start(t, complete(h.tracker), 1)

	job := h.enqueue(t)
	require.Eventually(t, func() bool {
		return h.progress(t, job) == models.ProgressDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	h := newWorkerHarness()
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.BuildJob) error {
		if calls.Add(1) == 1 {
			panic("nil pointer somewhere")
		}
		return complete(h.tracker)(ctx, job)
	})

	crashed := h.enqueue(t)
	next := h.enqueue(t)
	h.start(t, runner, 1)

	require.Eventually(t, func() bool {
		return h.progress(t, next) == models.ProgressDone
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.ProgressFailed, h.progress(t, crashed))
	assert.Equal(t, int32(2), calls.Load(), "failed attempt is not retried")
	assert.Equal(t, 0, h.queue.Len())
}

func TestWorkerDoesNotRetryFailedAttempt(t *testing.T) {
	h := newWorkerHarness()
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.BuildJob) error {
		calls.Add(1)
		err := errors.New("build failed")
		_ = h.tracker.Fail(ctx, job.DeployID, err)
		return err
	})

	job := h.enqueue(t)
	h.start(t, runner, 1)

	require.Eventually(t, func() bool {
		return h.progress(t, job) == models.ProgressFailed
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerRetriesOpenAttempt(t *testing.T) {
	h := newWorkerHarness()
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.BuildJob) error {
		if calls.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return complete(h.tracker)(ctx, job)
	})

	job := h.enqueue(t)
	h.start(t, runner, 1)

	require.Eventually(t, func() bool {
		return h.progress(t, job) == models.ProgressDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorkerAppliesTimeout(t *testing.T) {
	h := newWorkerHarness()
	w := NewWorker(&WorkerConfig{Timeout: 20 * time.Millisecond}, h.queue, runnerFunc(
		func(ctx context.Context, _ *models.BuildJob) error {
			<-ctx.Done()
			return ctx.Err()
		}), h.tracker, discard())

	err := w.ProcessSingleJob(context.Background(), h.enqueue(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerStopWaitsForRunningJob(t *testing.T) {
	h := newWorkerHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	runner := runnerFunc(func(ctx context.Context, job *models.BuildJob) error {
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
		return complete(h.tracker)(ctx, job)
	})

	h.enqueue(t)
	w := NewWorker(&WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, h.queue, runner, h.tracker, discard())
	require.NoError(t, w.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	assert.True(t, finished.Load())
}
