// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
)

// The loop engine keeps its buffers (back-edges, concatenated outputs) across invocations, and
// when their shapes change it returns the old ones to the backend pools, keyed by dtype and length.

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	pool, ok := b.bufferPools.Load(key)
	if !ok {
		pool, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
			},
		})
	}
	return pool
}

// getBuffer returns a tensor of the given static shape from the backend pool of buffers.
// Its contents are undefined.
func (b *Backend) getBuffer(shape shapes.Shape) *tensors.Tensor {
	flat := b.getBufferPool(shape.DType, shape.Size()).Get()
	t, err := tensors.FromFlat(shape, flat)
	if err != nil {
		exceptions.Panicf("getBuffer(%s): %+v", shape, err)
	}
	b.buffersInUse.Add(int64(shape.Memory()))
	return t
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *tensors.Tensor) {
	if buffer == nil || !buffer.Shape().Ok() {
		return
	}
	b.buffersInUse.Add(-int64(buffer.Memory()))
	b.getBufferPool(buffer.DType(), buffer.Size()).Put(buffer.Flat())
}

// cloneBuffer using the pool to allocate a new one.
func (b *Backend) cloneBuffer(buffer *tensors.Tensor) *tensors.Tensor {
	newBuffer := b.getBuffer(buffer.Shape().Clone())
	reflect.Copy(reflect.ValueOf(newBuffer.Flat()), reflect.ValueOf(buffer.Flat()))
	return newBuffer
}

// copyToBuffer copies src into dst, if they have the same dtype and dimensions.
// Otherwise, dst is returned to the pool and a new buffer is taken for src.
func (b *Backend) copyToBuffer(dst, src *tensors.Tensor) *tensors.Tensor {
	if dst != nil && dst.Shape().EqualDimensions(src.Shape()) && dst.DType() == src.DType() {
		reflect.Copy(reflect.ValueOf(dst.Flat()), reflect.ValueOf(src.Flat()))
		return dst
	}
	b.putBuffer(dst)
	return b.cloneBuffer(src)
}

// BuffersInUse returns the number of bytes of pooled buffers currently held by executables.
func (b *Backend) BuffersInUse() int64 {
	return b.buffersInUse.Load()
}
