// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/backends"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDependencies(t *testing.T) {
	for _, method := range []backends.SyncMethod{backends.SyncEvents, backends.SyncBarriers} {
		t.Run(method.String(), func(t *testing.T) {
			s := newStream(context.Background(), method, newWorkersPool(4))
			var a, b int
			evA := s.Enqueue(func(context.Context) error {
				time.Sleep(10 * time.Millisecond)
				a = 1
				return nil
			})
			evB := s.Enqueue(func(context.Context) error {
				b = a + 1
				return nil
			}, evA)
			require.NoError(t, evB.Wait())
			assert.True(t, evA.Done())
			assert.Equal(t, 2, b)
			require.NoError(t, s.Finish())
			if method == backends.SyncBarriers {
				assert.Equal(t, 1, s.NumBarriers())
			} else {
				assert.Zero(t, s.NumBarriers())
			}
		})
	}
}

func TestStreamBarrierSkipsCompleted(t *testing.T) {
	s := newStream(context.Background(), backends.SyncBarriers, newWorkersPool(2))
	ev := s.Enqueue(func(context.Context) error { return nil })
	require.NoError(t, ev.Wait())
	s.Enqueue(func(context.Context) error { return nil }, ev, nil)
	require.NoError(t, s.Finish())
	assert.Zero(t, s.NumBarriers(), "completed dependencies need no barrier")
}

func TestStreamErrors(t *testing.T) {
	s := newStream(context.Background(), backends.SyncEvents, newWorkersPool(2))
	failed := s.Enqueue(func(context.Context) error { return errors.New("kernel exploded") })
	var ran atomic.Bool
	dependent := s.Enqueue(func(context.Context) error {
		ran.Store(true)
		return nil
	}, failed)
	require.ErrorContains(t, dependent.Wait(), "kernel exploded")
	assert.False(t, ran.Load(), "tasks depending on a failed task must not run")
	err := s.Finish()
	require.ErrorContains(t, err, "kernel exploded")
	assert.Contains(t, err.Error(), s.String())

	// Panics are converted to errors.
	s = newStream(context.Background(), backends.SyncBarriers, newWorkersPool(2))
	s.Enqueue(func(context.Context) error {
		exceptions.Panicf("bad shape %d", 7)
		return nil
	})
	require.ErrorContains(t, s.Finish(), "bad shape 7")

	// Cancelled contexts skip the tasks.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s = newStream(ctx, backends.SyncEvents, newWorkersPool(2))
	ran.Store(false)
	s.Enqueue(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, s.Finish(), context.Canceled)
	assert.False(t, ran.Load())
}

func TestWorkersPoolParallelism(t *testing.T) {
	const maxParallelism = 2
	s := newStream(context.Background(), backends.SyncEvents, newWorkersPool(maxParallelism))
	var running, peak atomic.Int32
	for range 10 {
		s.Enqueue(func(context.Context) error {
			current := running.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, s.Finish())
	assert.LessOrEqual(t, peak.Load(), int32(maxParallelism))
	assert.Positive(t, peak.Load())
}

func TestWorkersPoolSleepingWorker(t *testing.T) {
	// A single worker waiting for a task it enqueued must not deadlock.
	workers := newWorkersPool(1)
	outer := newStream(context.Background(), backends.SyncEvents, workers)
	var inner atomic.Bool
	outer.Enqueue(func(ctx context.Context) error {
		workers.WorkerIsAsleep()
		defer workers.WorkerRestarted()
		nested := newStream(ctx, backends.SyncEvents, workers)
		nested.Enqueue(func(context.Context) error {
			inner.Store(true)
			return nil
		})
		return nested.Finish()
	})
	require.NoError(t, outer.Finish())
	assert.True(t, inner.Load())
}
