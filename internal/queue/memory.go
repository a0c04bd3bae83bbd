package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// MemoryQueue is an in-process Queue. Jobs are copied on the way in and out so
// callers never share state with a worker.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*models.BuildJob
	inFlight map[string]*models.BuildJob
	retries  map[string]int
	notify   chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: make(map[string]*models.BuildJob),
		retries:  make(map[string]int),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends job to the tail of the queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job *models.BuildJob) error {
	cp, err := copyJob(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.pending = append(q.pending, cp)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the oldest pending job and marks it in flight.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.BuildJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, ErrNoJobs
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight[job.ID] = job

	return copyJob(job)
}

// Ack forgets an in-flight job.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(q.inFlight, jobID)
	delete(q.retries, jobID)
	return nil
}

// Nack puts an in-flight job back at the head of the queue.
func (q *MemoryQueue) Nack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.inFlight[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.inFlight, jobID)
	q.retries[jobID]++
	q.pending = append([]*models.BuildJob{job}, q.pending...)
	return nil
}

// Ready is signalled after Enqueue. Workers may select on it instead of polling.
func (q *MemoryQueue) Ready() <-chan struct{} {
	return q.notify
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Retries returns how many times a job was nacked.
func (q *MemoryQueue) Retries(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retries[jobID]
}

func copyJob(job *models.BuildJob) (*models.BuildJob, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job to JSON: %w", err)
	}
	var out models.BuildJob
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
	}
	return &out, nil
}
