// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"sync/atomic"
)

// workersPool bounds the number of tasks of the execution streams running in parallel.
type workersPool struct {
	// maxParallelism is the limit of tasks running in parallel. If < 0 it is unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep, waiting for
	// tasks it enqueued itself (e.g.: a loop waiting for its body).
	extraParallelism atomic.Int32
}

func newWorkersPool(maxParallelism int) *workersPool {
	w := &workersPool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism is the limit of tasks running in parallel, not counting sleeping workers.
func (w *workersPool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *workersPool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= max(w.maxParallelism, 1)+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available, and runs the task in a new goroutine.
// It's up to the client to synchronize the end of the task.
func (w *workersPool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		go task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// WorkerIsAsleep indicates the current worker is waiting for other workers, and temporarily
// allows one more worker to run.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *workersPool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

// WorkerRestarted indicates the worker is ready to run again.
// It should only be called after WorkerIsAsleep.
//
// Notice this may lead temporarily to having more workers active than maxParallelism.
func (w *workersPool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
