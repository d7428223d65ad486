// Package queue provides the background task queue for offline
// notification dispatch, backed by asynq and Redis.
package queue

import (
	"context"
	"time"
)

// Task is a queue task decoupled from the asynq types.
type Task struct {
	Type    string
	Payload []byte
}

// EnqueueOption tunes delivery of a single task.
type EnqueueOption struct {
	ProcessIn time.Duration
	Queue     string
	MaxRetry  int
	UniqueTTL time.Duration
}

// Client enqueues tasks.
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error)
	Close() error
}

// Handler processes a dequeued task.
type Handler func(ctx context.Context, t Task) error

// Server consumes tasks.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
