package concurrency

import (
	"context"
)

// WorkerPool abstracts the goroutine management pkg/manager hosts agent
// run-tasks on: one of these backs each named executor a Manager exposes
// via LaunchOptions.Executor.
type WorkerPool interface {
	// Start starts the worker pool
	// Initializes worker goroutines and begins processing tasks
	Start() error

	// Stop gracefully stops the worker pool
	// Waits for in-flight tasks (agent runs) to complete (up to ctx timeout)
	// Returns error if stop times out
	Stop(ctx context.Context) error

	// Submit schedules an agent's run-task (or any other Task) onto the
	// pool. Returns error if the pool is closed or its queue is full.
	Submit(task Task) error

	// Workers returns the number of worker goroutines
	Workers() int

	// IsRunning returns true if the worker pool is running
	IsRunning() bool
}
