// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/backends/kernelcache"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executable holds a compiled plan: the kernel of each unit and the loop engines of the
// Loop/TensorIterator units. It implements backends.Executable.
//
// Executions of the same Executable are serialized, since the loop engines keep their state
// across invocations.
type Executable struct {
	backend  *Backend
	plan     *backends.Plan
	props    backends.Properties
	profiler *profiler

	kernelIDs map[*graph.Node]kernelcache.KernelID
	kernels   map[*graph.Node]kernelcache.Kernel
	loops     map[*graph.Node]*loopEngine

	mu sync.Mutex
}

// Compile-time check that Executable implements backends.Executable.
var _ backends.Executable = &Executable{}

// pending is a value that will be available once event completes.
type pending struct {
	event *Event
	get   func() *tensors.Tensor
}

func ready(t *tensors.Tensor) pending {
	return pending{get: func() *tensors.Tensor { return t }}
}

// compilation collects the kernels of a plan and its sub-plans into one kernel cache build.
type compilation struct {
	backend  *Backend
	props    backends.Properties
	cache    *kernelcache.Cache
	profiler *profiler
	numPlans int
}

// newExecutable compiles the kernels of the plan (and of the bodies of its loops) with a single
// kernel cache build.
func newExecutable(b *Backend, plan *backends.Plan) (*Executable, error) {
	props := plan.Properties
	cache, err := kernelcache.New(b.compiler, props.CacheDir, props.Streams())
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling graph %q", plan.Graph.Name())
	}
	c := &compilation{backend: b, props: props, cache: cache}
	if props.EnableProfiling {
		c.profiler = newProfiler()
	}
	e, err := c.executable(plan)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling graph %q", plan.Graph.Name())
	}
	if err = cache.Build(context.Background()); err != nil {
		return nil, errors.WithMessagef(err, "compiling kernels of graph %q", plan.Graph.Name())
	}
	if err = e.resolveKernels(cache); err != nil {
		return nil, err
	}
	hits, misses := cache.Stats()
	klog.V(1).Infof("compiled graph %q: %d units, kernel cache hits=%d misses=%d", plan.Graph.Name(), plan.NumUnits(), hits, misses)
	return e, nil
}

// isStructural returns whether the op kind is handled by the executable itself, without a kernel.
func isStructural(opType ops.OpType) bool {
	return opType == ops.OpTypeParameter || opType == ops.OpTypeConstant || opType == ops.OpTypeResult ||
		ops.SubGraphOps.Has(opType)
}

func (c *compilation) executable(plan *backends.Plan) (*Executable, error) {
	planIdx := c.numPlans
	c.numPlans++
	e := &Executable{
		backend:   c.backend,
		plan:      plan,
		props:     c.props,
		profiler:  c.profiler,
		kernelIDs: make(map[*graph.Node]kernelcache.KernelID),
		kernels:   make(map[*graph.Node]kernelcache.Kernel),
		loops:     make(map[*graph.Node]*loopEngine),
	}
	for _, unit := range plan.Units {
		n := unit.Node
		if ops.SubGraphOps.Has(n.Type()) {
			body, err := c.executable(unit.Body)
			if err != nil {
				return nil, errors.WithMessagef(err, "body of %s", n)
			}
			e.loops[n] = newLoopEngine(e, n, body)
			continue
		}
		if isStructural(n.Type()) {
			continue
		}
		entry := fmt.Sprintf("%s_%d_%d", n.Type(), planIdx, n.ID())
		code, err := newKernelSource(entry, n.Type(), n.Attrs())
		if err != nil {
			return nil, err
		}
		e.kernelIDs[n] = c.cache.Add(kernelcache.Source{
			EntryPoint: entry,
			Code:       code,
			Options:    c.options(unit),
			Batchable:  n.Type() != ops.OpTypeCustom,
		})
	}
	return e, nil
}

// options returns the compiler options of a unit.
func (c *compilation) options(unit *backends.Unit) string {
	dtype := "any"
	if unit.Variant.DType != backends.AnyDType {
		dtype = unit.Variant.DType.String()
	}
	options := fmt.Sprintf("-dtype=%s -layout=%s", dtype, unit.Layout)
	if c.props.InferencePrecision != dtypes.InvalidDType {
		options += " -precision=" + c.props.InferencePrecision.String()
	}
	return options
}

func (e *Executable) resolveKernels(cache *kernelcache.Cache) error {
	for n, id := range e.kernelIDs {
		k, err := cache.Kernel(id)
		if err != nil {
			return errors.WithMessagef(err, "kernel of %s", n)
		}
		e.kernels[n] = k
	}
	for _, loop := range e.loops {
		if err := loop.body.resolveKernels(cache); err != nil {
			return err
		}
	}
	return nil
}

// Plan returns the plan the executable was compiled from.
func (e *Executable) Plan() *backends.Plan { return e.plan }

// Execute runs the graph with the given inputs, one per graph parameter, and returns one tensor
// per graph result.
func (e *Executable) Execute(ctx context.Context, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	g := e.plan.Graph
	if err := checkInputs(g, inputs); err != nil {
		return nil, errors.WithMessagef(err, "executing graph %q", g.Name())
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stream := newStream(ctx, e.props.SyncMethod(), e.backend.workers)
	params := make([]pending, len(inputs))
	for i, t := range inputs {
		params[i] = ready(t)
	}
	results, _ := e.dispatch(stream, params)
	if err := stream.Finish(); err != nil {
		return nil, errors.WithMessagef(err, "executing graph %q", g.Name())
	}
	outputs := make([]*tensors.Tensor, len(results))
	for i, r := range results {
		outputs[i] = r.get()
	}
	return outputs, nil
}

// checkInputs validates the inputs against the graph parameters: same dtype, and compatible dimensions.
func checkInputs(g *graph.Graph, inputs []*tensors.Tensor) error {
	params := g.Parameters()
	if len(inputs) != len(params) {
		return errors.Errorf("%d inputs given, graph has %d parameters", len(inputs), len(params))
	}
	for i, t := range inputs {
		if t == nil {
			return errors.Errorf("input #%d is nil", i)
		}
		if !compatibleShape(params[i].Shape(), t.Shape()) {
			return errors.Errorf("input #%d with shape %s incompatible with parameter %s of shape %s",
				i, t.Shape(), params[i].Name(), params[i].Shape())
		}
	}
	return nil
}

func compatibleShape(declared, actual shapes.Shape) bool {
	if declared.DType != actual.DType {
		return false
	}
	if !declared.HasStaticRank() {
		return true
	}
	if declared.Rank() != actual.Rank() {
		return false
	}
	for axis, dim := range declared.Dimensions {
		if dim != shapes.UnknownDim && dim != actual.Dimensions[axis] {
			return false
		}
	}
	return true
}

// dispatch enqueues the units of the plan in the stream, given the (pending) parameters.
// It returns the pending results and all the events enqueued.
func (e *Executable) dispatch(stream *Stream, params []pending) (results []pending, events []*Event) {
	values := make(map[graph.Output]pending, len(e.plan.Units))
	results = make([]pending, len(e.plan.Graph.Results()))
	for _, unit := range e.plan.Units {
		n := unit.Node
		switch n.Type() {
		case ops.OpTypeParameter:
			values[n.Output(0)] = params[n.ParameterIndex()]
			continue
		case ops.OpTypeConstant:
			values[n.Output(0)] = ready(n.Value())
			continue
		case ops.OpTypeResult:
			results[n.ResultIndex()] = values[n.Input(0)]
			continue
		}

		inputs := make([]pending, n.NumInputs())
		deps := make([]*Event, n.NumInputs())
		for slot := range inputs {
			inputs[slot] = values[n.Input(slot)]
			deps[slot] = inputs[slot].event
		}
		outputs := make([]*tensors.Tensor, n.NumOutputs())
		var task func(ctx context.Context) error
		if loop, found := e.loops[n]; found {
			task = func(ctx context.Context) error {
				outs, err := loop.run(ctx, stream.workers, gather(inputs))
				if err != nil {
					return errors.WithMessagef(err, "executing %s", n)
				}
				copy(outputs, outs)
				return nil
			}
		} else {
			task = func(ctx context.Context) error {
				return e.runKernel(unit, gather(inputs), outputs)
			}
		}
		ev := stream.Enqueue(task, deps...)
		events = append(events, ev)
		for i := range outputs {
			values[n.Output(i)] = pending{event: ev, get: func() *tensors.Tensor { return outputs[i] }}
		}
	}
	return results, events
}

func gather(inputs []pending) []*tensors.Tensor {
	tensorsIn := make([]*tensors.Tensor, len(inputs))
	for i, in := range inputs {
		tensorsIn[i] = in.get()
	}
	return tensorsIn
}

// runKernel runs the kernel of a unit, converting its relayout inputs first.
func (e *Executable) runKernel(unit *backends.Unit, inputs []*tensors.Tensor, outputs []*tensors.Tensor) error {
	n := unit.Node
	for _, slot := range unit.Relayouts {
		inputs[slot] = inputs[slot].WithLayout(unit.Layout)
	}
	start := time.Now()
	outs, err := e.kernels[n].Run(inputs)
	if err != nil {
		return errors.WithMessagef(err, "executing %s", n)
	}
	if len(outs) != len(outputs) {
		return errors.Errorf("executing %s: kernel returned %d outputs, expected %d", n, len(outs), len(outputs))
	}
	for i, t := range outs {
		if unit.Layout != shapes.LayoutAny {
			t = t.WithLayout(unit.Layout)
		}
		outputs[i] = t
	}
	e.profiler.record(n, time.Since(start))
	return nil
}

// Profile returns the accumulated execution times per unit, if profiling is enabled.
func (e *Executable) Profile() []ProfileEntry {
	return e.profiler.entries()
}

// LoopState returns the state of the loop engine of a Loop/TensorIterator node.
func (e *Executable) LoopState(n *graph.Node) (LoopState, bool) {
	loop, found := e.loops[n]
	if !found {
		return LoopNotPrepared, false
	}
	return loop.State(), true
}

// Finalize returns the buffers held by the loop engines to the backend.
func (e *Executable) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, loop := range e.loops {
		loop.release()
	}
}
