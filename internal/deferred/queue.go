// Package deferred runs completion work on the host loop's next tick.
//
// Work that must not run inside the callback that produced it (publishing a
// finished capture, importing an asset the companion asked for) is wrapped
// in a Task and enqueued. The queue drains on the next tick in FIFO order;
// a failing task never stops the rest of the batch.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSkipped marks a task that chose not to run. It is not a failure.
var ErrSkipped = errors.New("task skipped")

// Task is a named unit of deferred work. It carries everything it needs.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs fn on the next host tick; hostloop.Loop implements it
type Scheduler interface {
	Defer(fn func())
}

// EventLogger records task failures
type EventLogger interface {
	LogEvent(category, subject, eventType, details string) error
}

// FailurePolicy handles one failed task. The batch continues afterwards.
type FailurePolicy func(task Task, err error)

// Queue is the deferred completion queue
type Queue struct {
	ctx       context.Context
	scheduler Scheduler
	policy    FailurePolicy
	events    EventLogger

	mu        sync.Mutex
	tasks     []Task
	scheduled bool
}

// Option configures a Queue
type Option func(*Queue)

// WithFailurePolicy replaces the default log-and-record policy
func WithFailurePolicy(p FailurePolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithEventLogger records failures and skips in the event log
func WithEventLogger(l EventLogger) Option {
	return func(q *Queue) { q.events = l }
}

// NewQueue creates a queue that flushes through scheduler. Tasks run with ctx.
func NewQueue(ctx context.Context, scheduler Scheduler, opts ...Option) *Queue {
	q := &Queue{ctx: ctx, scheduler: scheduler}
	q.policy = q.logFailure
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends task and schedules a flush for the next tick. The task
// never runs synchronously.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	schedule := !q.scheduled
	q.scheduled = true
	q.mu.Unlock()

	slog.Debug("Task enqueued", "task", task.Name())
	if schedule {
		q.scheduler.Defer(func() {
			if err := q.Flush(); err != nil {
				slog.Debug("Deferred flush finished with errors", "error", err)
			}
		})
	}
}

// Len returns the number of waiting tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Flush runs every task queued so far, in order. Tasks enqueued while
// flushing wait for the next tick. Failures go to the failure policy and
// are returned joined.
func (q *Queue) Flush() error {
	q.mu.Lock()
	batch := q.tasks
	q.tasks = nil
	q.scheduled = false
	q.mu.Unlock()

	var errs []error
	for _, task := range batch {
		err := q.run(task)
		switch {
		case err == nil:
		case errors.Is(err, ErrSkipped):
			slog.Info("Task skipped", "task", task.Name(), "reason", err)
			q.logEvent(task, "skipped", err.Error())
		default:
			q.policy(task, err)
			errs = append(errs, fmt.Errorf("%s: %w", task.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// run executes task, turning a panic into an error so the batch survives
func (q *Queue) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(q.ctx)
}

func (q *Queue) logFailure(task Task, err error) {
	slog.Error("Deferred task failed", "task", task.Name(), "error", err)
	q.logEvent(task, "failed", err.Error())
}

func (q *Queue) logEvent(task Task, eventType, details string) {
	if q.events == nil {
		return
	}
	if err := q.events.LogEvent("task", task.Name(), eventType, details); err != nil {
		slog.Error("Failed to log task event", "error", err)
	}
}
