// Package queue hands build jobs from the orchestrator to build workers.
package queue

import (
	"context"
	"errors"

	"github.com/narvanalabs/stackpilot/internal/models"
)

var (
	// ErrNoJobs means the queue is empty. Workers back off and poll again.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound means Ack or Nack named a job that is not in flight.
	ErrJobNotFound = errors.New("job not found")
)

// Queue is a FIFO of build jobs. A dequeued job stays in flight until it is
// acked, or nacked back to the head of the queue when a run errors while its
// attempt is still open.
type Queue interface {
	Enqueue(ctx context.Context, job *models.BuildJob) error
	// Dequeue returns ErrNoJobs when nothing is pending.
	Dequeue(ctx context.Context) (*models.BuildJob, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) error
}
