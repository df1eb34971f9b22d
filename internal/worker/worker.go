// ============================================================================
// Fin-Analysis Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes task closures, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task.Run with its own Context (optional deadline)
//   3. Send result to resultCh (blocking, results are never dropped)
//   4. Repeat until taskCh is closed
//
// Panic Handling:
//   A panic inside task.Run is recovered and reported as a failed Result
//   wrapping ErrTaskPanic. The worker goroutine keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrTaskPanic 任務執行時發生 panic
var ErrTaskPanic = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	busy     *atomic.Int64 // Shared counter of workers currently executing
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, busy *atomic.Int64) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		busy:     busy,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		w.busy.Add(1)

		value, err := w.execute(task)
		w.busy.Add(-1)

		// resultCh is only closed after every worker has returned
		w.resultCh <- Result{
			ID:       task.ID,
			Value:    value,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs the task closure with timeout control and panic recovery
func (w *Worker) execute(task Task) (value any, err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	if task.Run == nil {
		return nil, errors.New("task has no run function")
	}
	return task.Run(ctx)
}
