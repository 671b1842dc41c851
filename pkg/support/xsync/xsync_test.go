// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	select {
	case <-l.WaitChan():
		t.Fatal("latch triggered before Trigger")
	default:
	}
	l.Trigger()
	l.Trigger()
	l.Wait()
	assert.True(t, l.Test())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	assert.False(t, l.Test())
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger(errors.New("first"))
	}()
	<-l.WaitChan()
	require.ErrorContains(t, l.Wait(), "first")
	l.Trigger(nil)
	assert.True(t, l.Test())
	require.ErrorContains(t, l.Wait(), "first", "only the first trigger stores its value")
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	var count atomic.Int32
	var spawn func(depth int)
	spawn = func(depth int) {
		defer wg.Done()
		count.Add(1)
		if depth > 0 {
			// Tasks added while Wait is already blocked.
			wg.Add(2)
			go spawn(depth - 1)
			go spawn(depth - 1)
		}
	}
	wg.Add(1)
	go spawn(3)
	wg.Wait()
	assert.Equal(t, int32(15), count.Load())
	assert.Panics(t, func() { wg.Done() })
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, found := m.Load("a")
	assert.False(t, found)
	v, loaded := m.LoadOrStore("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)
	v, loaded = m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
	m.Clear()
	_, found = m.Load("a")
	assert.False(t, found)
}
