// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoopState is the state of the engine running a Loop/TensorIterator node.
type LoopState int

const (
	// LoopNotPrepared means no buffers are allocated.
	LoopNotPrepared LoopState = iota

	// LoopMemoryPrepared means the back-edges are seeded and the output buffers are ready.
	LoopMemoryPrepared

	// LoopIterating means iterations are being dispatched.
	LoopIterating

	// LoopDrained means the outputs of the last invocation were produced. The buffers are kept
	// for the next invocation.
	LoopDrained
)

var loopStateNames = []string{"not_prepared", "memory_prepared", "iterating", "drained"}

// String implements fmt.Stringer.
func (s LoopState) String() string { return loopStateNames[s] }

// loopEngine runs a Loop/TensorIterator node: iterations of the body are dispatched in a nested
// stream, so consecutive iterations overlap as far as their dependencies allow.
//
// Back-edges use two buffers per merged input: iteration i reads buffer (i+1)%2 and its result
// is copied into buffer i%2, once every task of iteration i-1 (the previous reader of that
// buffer) is done. Concatenated outputs are written in place, in a buffer that grows as needed.
type loopEngine struct {
	parent *Executable
	node   *graph.Node
	attrs  *graph.LoopAttrs
	body   *Executable

	mu         sync.Mutex
	state      LoopState
	backEdges  [][2]*tensors.Tensor // Indexed like attrs.Inputs.
	concats    []*concatBuffer      // Indexed like attrs.Outputs.
	iterations int
}

func newLoopEngine(parent *Executable, n *graph.Node, body *Executable) *loopEngine {
	return &loopEngine{parent: parent, node: n, attrs: n.LoopAttrs(), body: body}
}

func (l *loopEngine) backend() *Backend { return l.parent.backend }

// State returns the current state of the engine.
func (l *loopEngine) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// run executes the loop with the given outer inputs. It's called from a task of the outer
// stream, and it puts its worker to sleep while the body iterations run.
func (l *loopEngine) run(ctx context.Context, workers *workersPool, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	workers.WorkerIsAsleep()
	defer workers.WorkerRestarted()
	l.mu.Lock()
	defer l.mu.Unlock()

	maxIterations, err := l.tripCount(inputs)
	if err != nil {
		return nil, err
	}
	l.prepare(inputs)
	l.state = LoopIterating
	stream := newStream(ctx, l.parent.props.SyncMethod(), workers)
	iterations, lastResults, err := l.iterate(stream, inputs, maxIterations)
	if finishErr := stream.Finish(); err == nil {
		err = finishErr
	}
	if err != nil {
		l.state = LoopMemoryPrepared
		return nil, err
	}
	l.iterations = iterations
	outputs, err := l.drain(iterations, lastResults, inputs)
	if err != nil {
		return nil, err
	}
	l.state = LoopDrained
	klog.V(2).Infof("%s: %d iterations", l.node, iterations)
	return outputs, nil
}

// tripCount returns the maximum number of iterations: the smallest number of slices of the
// sliced inputs, bounded by the trip count input of Loop nodes. Unbounded loops are limited by
// LoopAttrs.MaxIterations or, if not set, the backend property.
func (l *loopEngine) tripCount(inputs []*tensors.Tensor) (int, error) {
	count := -1
	for _, desc := range l.attrs.Inputs {
		if desc.Kind != graph.InputSliced {
			continue
		}
		dim := inputs[desc.Input].Shape().Dimensions[desc.Slice.Axis]
		if n := desc.Slice.NumIterations(dim); count < 0 || n < count {
			count = n
		}
	}
	if l.node.Type() == ops.OpTypeLoop {
		tc, err := inputs[0].ToInts()
		if err != nil || len(tc) != 1 {
			return 0, errors.Errorf("%s: trip count must be an integer scalar, got %s", l.node, inputs[0].Shape())
		}
		if inputs[1].DType() != dtypes.Bool || inputs[1].Size() != 1 {
			return 0, errors.Errorf("%s: execution condition must be a Bool scalar, got %s", l.node, inputs[1].Shape())
		}
		if !tensors.FlatAs[bool](inputs[1])[0] {
			return 0, nil
		}
		if tc[0] >= 0 && (count < 0 || tc[0] < count) {
			count = tc[0]
		}
	}
	if count >= 0 {
		return count, nil
	}
	limit := l.attrs.MaxIterations
	if limit <= 0 {
		limit = l.parent.props.MaxLoopIterations
	}
	if l.attrs.ConditionResult < 0 {
		klog.Warningf("%s: unbounded loop without a condition, limited to %d iterations", l.node, limit)
	}
	return limit, nil
}

// prepare seeds the back-edges with the initial values and resets the concatenated outputs,
// reusing the buffers of previous invocations.
func (l *loopEngine) prepare(inputs []*tensors.Tensor) {
	if l.state == LoopNotPrepared {
		l.backEdges = make([][2]*tensors.Tensor, len(l.attrs.Inputs))
		l.concats = make([]*concatBuffer, len(l.attrs.Outputs))
		for k, desc := range l.attrs.Outputs {
			if desc.Kind == graph.OutputConcatenated {
				l.concats[k] = &concatBuffer{}
			}
		}
	}
	for k, desc := range l.attrs.Inputs {
		if desc.Kind == graph.InputMerged {
			l.backEdges[k][1] = l.backend().copyToBuffer(l.backEdges[k][1], inputs[desc.Input])
		}
	}
	for _, cb := range l.concats {
		if cb != nil {
			cb.reset()
		}
	}
	l.state = LoopMemoryPrepared
}

// iterate dispatches up to maxIterations iterations of the body. If the body has a condition
// result, each iteration waits for it before dispatching the next.
//
// It returns the number of iterations dispatched and the results of the last one.
func (l *loopEngine) iterate(stream *Stream, inputs []*tensors.Tensor, maxIterations int) (int, []pending, error) {
	b := l.backend()
	numParams := len(l.body.plan.Graph.Parameters())
	backEdgeEvents := make([]*Event, len(l.attrs.Inputs))
	concatEvents := make([]*Event, len(l.attrs.Outputs))
	capacity := maxIterations
	if l.attrs.ConditionResult >= 0 {
		capacity = 1
	}
	var prevEvents []*Event
	var lastResults []pending
	for i := range maxIterations {
		params := make([]pending, numParams)
		if p := l.attrs.CurrentIterationParameter; p >= 0 {
			params[p] = ready(tensors.FromScalar(int64(i)))
		}
		var iterEvents []*Event
		for k, desc := range l.attrs.Inputs {
			input := inputs[desc.Input]
			switch desc.Kind {
			case graph.InputInvariant:
				params[desc.BodyParameter] = ready(input)
			case graph.InputSliced:
				axis := desc.Slice.Axis
				start, length := desc.Slice.Chunk(input.Shape().Dimensions[axis], i)
				var slice *tensors.Tensor
				ev := stream.Enqueue(func(context.Context) (err error) {
					slice, err = kernels.SliceAxis(input, axis, start, length)
					return
				})
				params[desc.BodyParameter] = pending{event: ev, get: func() *tensors.Tensor { return slice }}
				iterEvents = append(iterEvents, ev)
			case graph.InputMerged:
				buf, read := &l.backEdges[k], (i+1)%2
				params[desc.BodyParameter] = pending{event: backEdgeEvents[k], get: func() *tensors.Tensor { return buf[read] }}
			}
		}

		results, bodyEvents := l.body.dispatch(stream, params)
		iterEvents = append(iterEvents, bodyEvents...)

		for k, desc := range l.attrs.Inputs {
			if desc.Kind != graph.InputMerged {
				continue
			}
			buf, write := &l.backEdges[k], i%2
			src := results[desc.BodyResult]
			deps := append([]*Event{src.event}, prevEvents...)
			backEdgeEvents[k] = stream.Enqueue(func(context.Context) error {
				buf[write] = b.copyToBuffer(buf[write], src.get())
				return nil
			}, deps...)
			iterEvents = append(iterEvents, backEdgeEvents[k])
		}
		for k, desc := range l.attrs.Outputs {
			if desc.Kind != graph.OutputConcatenated {
				continue
			}
			cb, src, axis := l.concats[k], results[desc.BodyResult], desc.Slice.Axis
			concatEvents[k] = stream.Enqueue(func(context.Context) error {
				return cb.write(b, axis, src.get(), capacity)
			}, src.event, concatEvents[k])
			iterEvents = append(iterEvents, concatEvents[k])
		}
		prevEvents = iterEvents
		lastResults = results

		if c := l.attrs.ConditionResult; c >= 0 {
			cond := results[c]
			if err := cond.event.Wait(); err != nil {
				return i + 1, lastResults, errors.WithMessagef(err, "%s iteration %d", l.node, i)
			}
			if t := cond.get(); t.DType() != dtypes.Bool || !tensors.FlatAs[bool](t)[0] {
				return i + 1, lastResults, nil
			}
		}
	}
	return maxIterations, lastResults, nil
}

// drain produces the outer outputs after all iterations completed.
func (l *loopEngine) drain(iterations int, lastResults []pending, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	outputs := make([]*tensors.Tensor, l.attrs.NumOutputs())
	for k, desc := range l.attrs.Outputs {
		shape := l.node.Output(desc.Output).Shape()
		switch desc.Kind {
		case graph.OutputIterValue:
			if iterations > 0 {
				outputs[desc.Output] = lastResults[desc.BodyResult].get().Clone()
			} else {
				outputs[desc.Output] = l.initialValue(desc.BodyResult, inputs, shape)
			}
		case graph.OutputConcatenated:
			cb := l.concats[k]
			if iterations == 0 || cb.buffer == nil {
				outputs[desc.Output] = emptyAlong(shape, desc.Slice.Axis)
				continue
			}
			t, err := cb.drain(desc.Slice.Axis, desc.Slice.Stride < 0)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: concatenated output %d", l.node, desc.Output)
			}
			outputs[desc.Output] = t
		}
	}
	if a := l.attrs.ActualIterationsOutput; a >= 0 {
		outputs[a] = tensors.FromScalar(int64(iterations))
	}
	return outputs, nil
}

// initialValue is the value of an iteration output when no iteration ran: the initial value of
// the back-edge fed by the body result, or zeros.
func (l *loopEngine) initialValue(bodyResult int, inputs []*tensors.Tensor, shape shapes.Shape) *tensors.Tensor {
	for _, desc := range l.attrs.Inputs {
		if desc.Kind == graph.InputMerged && desc.BodyResult == bodyResult {
			return inputs[desc.Input].Clone()
		}
	}
	return tensors.FromShape(concreteShape(shape))
}

// concreteShape replaces unknown dimensions by 0. Shapes of unknown rank become scalars.
func concreteShape(shape shapes.Shape) shapes.Shape {
	if !shape.HasStaticRank() {
		return shapes.Scalar(shape.DType)
	}
	dims := slices.Clone(shape.Dimensions)
	for axis, dim := range dims {
		if dim == shapes.UnknownDim {
			dims[axis] = 0
		}
	}
	return shapes.Make(shape.DType, dims...)
}

// emptyAlong returns an empty tensor with the axis dimension set to 0.
func emptyAlong(shape shapes.Shape, axis int) *tensors.Tensor {
	s := concreteShape(shape)
	if s.Rank() > axis {
		s.Dimensions[axis] = 0
	}
	return tensors.FromShape(s)
}

// release returns all the buffers to the backend pools.
func (l *loopEngine) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.backend()
	for k := range l.backEdges {
		b.putBuffer(l.backEdges[k][0])
		b.putBuffer(l.backEdges[k][1])
	}
	for _, cb := range l.concats {
		if cb != nil {
			b.putBuffer(cb.buffer)
		}
	}
	l.backEdges, l.concats = nil, nil
	l.state = LoopNotPrepared
	if l.body != nil {
		for _, inner := range l.body.loops {
			inner.release()
		}
	}
}

// concatBuffer accumulates the results of the iterations along an axis.
type concatBuffer struct {
	buffer  *tensors.Tensor
	written int
	chunks  []int
}

func (cb *concatBuffer) reset() {
	cb.written = 0
	cb.chunks = cb.chunks[:0]
}

// write appends t along axis, growing the buffer if needed. capacity is the expected number
// of chunks, used when allocating a new buffer.
func (cb *concatBuffer) write(b *Backend, axis int, t *tensors.Tensor, capacity int) error {
	shape := t.Shape()
	if axis >= shape.Rank() {
		return errors.Errorf("concatenation axis %d out of range for %s", axis, shape)
	}
	length := shape.Dimensions[axis]
	if !cb.fits(shape, axis) {
		b.putBuffer(cb.buffer)
		cb.buffer = b.getBuffer(withDim(shape, axis, max(capacity, 1)*length))
		cb.written = 0
		cb.chunks = cb.chunks[:0]
	}
	if free := cb.buffer.Shape().Dimensions[axis] - cb.written; free < length {
		grown := b.getBuffer(withDim(shape, axis, max(2*cb.buffer.Shape().Dimensions[axis], cb.written+length)))
		if cb.written > 0 {
			prefix, err := kernels.SliceAxis(cb.buffer, axis, 0, cb.written)
			if err != nil {
				return err
			}
			if err = kernels.WriteAxis(grown, axis, 0, prefix); err != nil {
				return err
			}
		}
		b.putBuffer(cb.buffer)
		cb.buffer = grown
	}
	if err := kernels.WriteAxis(cb.buffer, axis, cb.written, t); err != nil {
		return err
	}
	cb.written += length
	cb.chunks = append(cb.chunks, length)
	return nil
}

// fits returns whether the current buffer can take chunks of the given shape: same dtype and
// same dimensions except along axis. A buffer with data must match exactly the previous chunks.
func (cb *concatBuffer) fits(shape shapes.Shape, axis int) bool {
	if cb.buffer == nil {
		return false
	}
	bs := cb.buffer.Shape()
	if bs.DType != shape.DType || bs.Rank() != shape.Rank() {
		return false
	}
	for i, dim := range shape.Dimensions {
		if i != axis && dim != bs.Dimensions[i] {
			return false
		}
	}
	return true
}

// drain returns a copy of the written part of the buffer. If reverse, the chunks are placed in
// reverse order of iteration.
func (cb *concatBuffer) drain(axis int, reverse bool) (*tensors.Tensor, error) {
	if !reverse {
		return kernels.SliceAxis(cb.buffer, axis, 0, cb.written)
	}
	output := tensors.FromShape(withDim(cb.buffer.Shape(), axis, cb.written))
	offset, pos := cb.written, 0
	for _, length := range slices.Backward(cb.chunks) {
		offset -= length
		chunk, err := kernels.SliceAxis(cb.buffer, axis, offset, length)
		if err != nil {
			return nil, err
		}
		if err = kernels.WriteAxis(output, axis, pos, chunk); err != nil {
			return nil, err
		}
		pos += length
	}
	return output, nil
}

// withDim returns a static shape equal to s but with the axis dimension set to dim.
func withDim(s shapes.Shape, axis, dim int) shapes.Shape {
	dims := slices.Clone(s.Dimensions)
	dims[axis] = dim
	return shapes.Make(s.DType, dims...)
}
