// Package task provides an at-least-once retried unit of work with bounded
// attempts and explicit terminal states. The server uses it for background
// cache refreshes after an invalidation.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrTerminal is returned when Run is called on a completed or failed task.
var ErrTerminal = errors.New("task: already terminal")

// Operation is the retried unit of work.
type Operation func(ctx context.Context) error

// Task tracks one retryable operation. A task runs at most once: after it
// reaches completed or failed it is immutable, and failed implies the retry
// count reached the maximum.
type Task struct {
	id         string
	name       string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	status     Status
	retryCount int
	lastError  string
}

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
}

// Option configures a Task.
type Option func(*Task)

// WithRetryDelay sets the fixed wait between attempts. Default 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Task) {
		t.retryDelay = d
	}
}

// WithLogger sets the task logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Task) {
		t.logger = logger
	}
}

// WithSleep replaces the retry sleep for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Task) {
		t.sleep = sleep
	}
}

// New creates a pending task allowing at most maxRetries attempts.
func New(name string, maxRetries int, opts ...Option) *Task {
	if maxRetries < 1 {
		maxRetries = 1
	}

	t := &Task{
		id:         uuid.NewString(),
		name:       name,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		logger:     slog.Default(),
		status:     StatusPending,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the task's unique id.
func (t *Task) ID() string { return t.id }

// Snapshot returns the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		ID:         t.id,
		Name:       t.name,
		Status:     t.status,
		RetryCount: t.retryCount,
		MaxRetries: t.maxRetries,
		LastError:  t.lastError,
	}
}

// Run executes the operation with bounded retries and a fixed delay between
// attempts. The task ends completed on the first success, or failed once the
// retry budget is spent; either way it cannot run again.
func (t *Task) Run(ctx context.Context, op Operation) error {
	t.mu.Lock()
	if t.status == StatusCompleted || t.status == StatusFailed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, t.id, t.status)
	}
	t.status = StatusProcessing
	t.mu.Unlock()

	var lastErr error
	for {
		err := op(ctx)
		if err == nil {
			t.mu.Lock()
			t.status = StatusCompleted
			t.mu.Unlock()
			return nil
		}
		lastErr = err

		t.mu.Lock()
		t.retryCount++
		t.lastError = err.Error()
		exhausted := t.retryCount >= t.maxRetries
		if exhausted {
			t.status = StatusFailed
		}
		attempts := t.retryCount
		t.mu.Unlock()

		if exhausted {
			t.logger.Error("task failed, retries exhausted",
				"task", t.name, "task_id", t.id, "attempts", attempts, "error", err)
			return lastErr
		}

		t.logger.Warn("task attempt failed, retrying",
			"task", t.name, "task_id", t.id, "attempt", attempts, "error", err)
		if sleepErr := t.sleep(ctx, t.retryDelay); sleepErr != nil {
			t.mu.Lock()
			t.retryCount = t.maxRetries
			t.status = StatusFailed
			t.lastError = sleepErr.Error()
			t.mu.Unlock()
			return sleepErr
		}
	}
}
