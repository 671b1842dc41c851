// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event signals the completion of a task enqueued in a Stream, and carries its error.
type Event struct {
	stream *Stream
	stamp  uint64
	latch  *xsync.LatchWithValue[error]
}

func newEvent(stream *Stream, stamp uint64) *Event {
	return &Event{stream: stream, stamp: stamp, latch: xsync.NewLatchWithValue[error]()}
}

// Wait for the task to complete, and returns its error.
// If any of the task dependencies failed, the task is not run and the error is the dependency's.
func (e *Event) Wait() error {
	if e == nil {
		return nil
	}
	return e.latch.Wait()
}

// Done returns whether the task completed.
func (e *Event) Done() bool {
	return e == nil || e.latch.Test()
}

// waitAll waits for the events, and returns the first error. It stops waiting if ctx is cancelled.
func waitAll(ctx context.Context, events []*Event) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		select {
		case <-e.latch.WaitChan():
			if err := e.latch.Wait(); err != nil {
				return err
			}
		case <-ctx.Done():
			// The error of the failed dependency that cancelled the stream takes precedence.
			if e.Done() {
				if err := e.latch.Wait(); err != nil {
					return err
				}
			}
			return ctx.Err()
		}
	}
	return nil
}

// Stream is an asynchronous queue of tasks: tasks run as soon as their dependencies complete and
// there is a worker available.
//
// With backends.SyncEvents each task waits exactly for the events it depends on.
// With backends.SyncBarriers, dependencies on tasks of the same stream are tracked with barriers:
// a task depending on something enqueued after the last barrier inserts a new barrier, which
// completes once everything enqueued before it completes.
//
// The first task to fail cancels the stream: tasks not yet started are skipped.
type Stream struct {
	id      uuid.UUID
	method  backends.SyncMethod
	workers *workersPool
	ctx     context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	stamp        uint64
	lastBarrier  *Event
	sinceBarrier []*Event
	firstErr     error
	numBarriers  int

	inFlight *xsync.DynamicWaitGroup
}

// newStream creates a stream whose tasks are run by workers. Cancelling ctx skips the tasks not yet started.
func newStream(ctx context.Context, method backends.SyncMethod, workers *workersPool) *Stream {
	s := &Stream{
		id:       uuid.New(),
		method:   method,
		workers:  workers,
		inFlight: xsync.NewDynamicWaitGroup(),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// String implements fmt.Stringer.
func (s *Stream) String() string { return "stream-" + s.id.String()[:8] }

// Enqueue a task to run once all deps have completed successfully.
// nil dependencies are ignored.
func (s *Stream) Enqueue(task func(ctx context.Context) error, deps ...*Event) *Event {
	s.mu.Lock()
	waitFor := make([]*Event, 0, len(deps)+1)
	if s.method == backends.SyncBarriers {
		needsBarrier := false
		for _, dep := range deps {
			switch {
			case dep == nil || dep.Done():
			case dep.stream != s:
				waitFor = append(waitFor, dep)
			case s.lastBarrier == nil || dep.stamp > s.lastBarrier.stamp:
				needsBarrier = true
			}
		}
		if needsBarrier {
			s.lockedBarrier()
		}
		if s.lastBarrier != nil {
			waitFor = append(waitFor, s.lastBarrier)
		}
	} else {
		for _, dep := range deps {
			if dep != nil {
				waitFor = append(waitFor, dep)
			}
		}
	}
	s.stamp++
	ev := newEvent(s, s.stamp)
	s.sinceBarrier = append(s.sinceBarrier, ev)
	s.inFlight.Add(1)
	s.mu.Unlock()

	go func() {
		if err := waitAll(s.ctx, waitFor); err != nil {
			s.complete(ev, err)
			return
		}
		s.workers.WaitToStart(func() {
			s.complete(ev, s.run(task))
		})
	}()
	return ev
}

// run the task, converting panics to errors.
func (s *Stream) run(task func(ctx context.Context) error) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	var taskErr error
	err := exceptions.TryCatch[error](func() { taskErr = task(s.ctx) })
	if err == nil {
		err = taskErr
	}
	return err
}

// complete triggers the task event. The first failure cancels the stream, after its event is triggered.
func (s *Stream) complete(ev *Event, err error) {
	first := false
	if err != nil {
		s.mu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
			first = true
			klog.V(3).Infof("%s: task #%d failed, cancelling stream: %v", s, ev.stamp, err)
		}
		s.mu.Unlock()
	}
	ev.latch.Trigger(err)
	if first {
		s.cancel()
	}
	s.inFlight.Done()
}

// lockedBarrier inserts a barrier covering everything enqueued so far.
// It must be called with s.mu locked.
func (s *Stream) lockedBarrier() *Event {
	covered := s.sinceBarrier
	if s.lastBarrier != nil {
		covered = append(covered, s.lastBarrier)
	}
	barrier := newEvent(s, s.stamp)
	s.lastBarrier = barrier
	s.sinceBarrier = nil
	s.numBarriers++
	go func() {
		var first error
		for _, ev := range covered {
			if err := ev.Wait(); err != nil && first == nil {
				first = err
			}
		}
		barrier.latch.Trigger(first)
	}()
	return barrier
}

// Barrier returns an event that completes when everything enqueued so far completes.
func (s *Stream) Barrier() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedBarrier()
}

// NumBarriers returns the number of barriers inserted so far.
func (s *Stream) NumBarriers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numBarriers
}

// Finish waits for all enqueued tasks to complete, and returns the first error, if any.
// The stream can't be used afterwards.
func (s *Stream) Finish() error {
	s.inFlight.Wait()
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr != nil {
		return errors.WithMessagef(s.firstErr, "%s", s)
	}
	return nil
}
