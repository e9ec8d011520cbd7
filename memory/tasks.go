package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTaskTimeout = 30 * time.Second

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// TaskQueue is a bounded worker pool for fire-and-forget background work
// (embedding backfill, access bookkeeping). Submissions are dropped when the
// queue is full: the authoritative store write has already happened by the
// time a task is queued, so a dropped task costs freshness, not correctness.
type TaskQueue struct {
	tasks   chan task
	timeout time.Duration
	logger  zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTaskQueue starts workers goroutines draining a queue of the given size.
func NewTaskQueue(workers, queueSize int, taskTimeout time.Duration, logger zerolog.Logger) *TaskQueue {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	q := &TaskQueue{
		tasks:   make(chan task, queueSize),
		timeout: taskTimeout,
		logger:  logger.With().Str("component", "taskQueue").Logger(),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// TrySubmit enqueues a task without blocking. Returns false (and logs) when
// the queue is full or already closed.
func (q *TaskQueue) TrySubmit(name string, fn func(ctx context.Context) error) (submitted bool) {
	defer func() {
		// Submitting to a closed queue is a drop, not a crash.
		if r := recover(); r != nil {
			q.logger.Warn().Str("task", name).Msg("Task dropped, queue closed")
			submitted = false
		}
	}()

	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.logger.Warn().Str("task", name).Msg("Task dropped, queue full")
		return false
	}
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (q *TaskQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})
	q.wg.Wait()
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *TaskQueue) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	if err := t.fn(ctx); err != nil {
		q.logger.Warn().
			Err(err).
			Str("task", t.name).
			Dur("elapsed", time.Since(start)).
			Msg("Background task failed")
		return
	}
	q.logger.Debug().
		Str("task", t.name).
		Dur("elapsed", time.Since(start)).
		Msg("Background task completed")
}
