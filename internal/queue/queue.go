// Package queue is a small in-process job queue: named handlers, a buffered
// submission channel, and a fixed worker pool. Each job runs under a
// wall-clock timeout; the queue is the coarse safety ceiling, the engine's
// liveness reaper is the fine one.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patenthub/pipelined/internal/model"
)

// ErrUnknownHandler is returned when submitting a job with no registered handler.
var ErrUnknownHandler = errors.New("unknown job handler")

// ErrQueueFull is returned when the submission buffer is full.
var ErrQueueFull = errors.New("job queue full")

// ErrStopped is returned when submitting to a stopped queue.
var ErrStopped = errors.New("job queue stopped")

// Job is one unit of queued work.
type Job struct {
	ID   string
	Name string
	Args map[string]string
}

// Handler executes a job. The context carries the queue's wall-clock timeout.
type Handler func(ctx context.Context, job Job) error

// Queue dispatches named jobs to a fixed pool of workers.
type Queue struct {
	logger  *slog.Logger
	timeout time.Duration
	workers int

	mu       sync.Mutex
	handlers map[string]Handler
	stopped  bool

	jobs chan Job
	wg   sync.WaitGroup
}

// New creates a queue with the given worker count, submission buffer capacity,
// and per-job wall-clock timeout.
func New(workers, capacity int, timeout time.Duration, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		logger:   logger,
		timeout:  timeout,
		workers:  workers,
		handlers: make(map[string]Handler),
		jobs:     make(chan Job, capacity),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop closes the queue and waits for in-flight jobs to finish. The channel
// close happens under the mutex so no Submit can race it onto a closed
// channel.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

// Submit enqueues a job for asynchronous execution and returns its job id.
// It never blocks: a full buffer is a submission failure the caller must
// surface, not a stall. The send stays under the mutex; it is non-blocking,
// and it must not interleave with Stop closing the channel.
func (q *Queue) Submit(name string, args map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return "", ErrStopped
	}
	if _, ok := q.handlers[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	job := Job{ID: model.NewID(), Name: name, Args: args}
	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	q.mu.Lock()
	h := q.handlers[job.Name]
	q.mu.Unlock()
	if h == nil {
		q.logger.Error("no handler for queued job", "job_id", job.ID, "job", job.Name)
		return
	}

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	err := h(ctx, job)
	if err != nil {
		q.logger.Error("job failed",
			"job_id", job.ID,
			"job", job.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	q.logger.Info("job finished",
		"job_id", job.ID,
		"job", job.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
