// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/passes"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const (
	demoFeatures = 16
	demoHidden   = 8
)

type demoOptions struct {
	backendConfig     string
	seqLen, batchSize int
	runs              int
	enable, disable   []string
	unroll            bool
	showGraph         bool
	showPlan          bool
}

func newDemoCommand() *cobra.Command {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Optimize, lower and execute a recurrent model built on a Loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.backendConfig, "backend", "go", `Backend configuration, in the form "<backend>:<key>=<value>,...".`)
	flags.IntVar(&opts.seqLen, "seq", 6, "Sequence length, the loop trip count.")
	flags.IntVar(&opts.batchSize, "batch", 2, "Batch size.")
	flags.IntVar(&opts.runs, "runs", 2, "Number of executions of the compiled graph.")
	flags.StringSliceVar(&opts.enable, "enable", nil, "Passes to enable, by name.")
	flags.StringSliceVar(&opts.disable, "disable", nil, "Passes to disable, by name.")
	flags.BoolVar(&opts.unroll, "unroll", false, "Enable the UnrollLoop pass.")
	flags.BoolVar(&opts.showGraph, "graph", false, "Print the optimized graph.")
	flags.BoolVar(&opts.showPlan, "plan", true, "Print the lowered plan.")
	return cmd
}

// demoGraph builds a recurrent model: an RNN cell iterated by a Loop over the sequence axis,
// followed by a log-softmax classifier over the final hidden state.
func demoGraph(seqLen, batchSize int) *graph.Graph {
	f32 := dtypes.Float32
	g := graph.New("demo_rnn")
	x := g.Parameter("x", shapes.Make(f32, seqLen, batchSize, demoFeatures))
	h0 := g.Parameter("h0", shapes.Make(f32, batchSize, demoHidden))

	body := graph.New("demo_rnn_body")
	xs := body.Parameter("x_step", shapes.Make(f32, 1, batchSize, demoFeatures))
	h := body.Parameter("h", shapes.Make(f32, batchSize, demoHidden))
	w := body.Constant(rampTensor(demoHidden, demoFeatures))
	r := body.Constant(rampTensor(demoHidden, demoHidden))
	b := body.Constant(rampTensor(demoHidden))
	step := graph.Squeeze(xs, body.ConstInts(0))
	hNext := graph.RNNCell(step, h, w, r, b, ops.CellAttrs{HiddenSize: demoHidden})
	body.Result(graph.Unsqueeze(hNext, body.ConstInts(0)))
	body.Result(hNext)

	attrs := graph.NewLoopAttrs()
	attrs.Inputs = []graph.InputDescription{
		{Kind: graph.InputSliced, Input: 2, BodyParameter: 0,
			Slice: graph.SliceSpec{Axis: 0, Start: 0, End: -1, Stride: 1, PartSize: 1}},
		{Kind: graph.InputMerged, Input: 3, BodyParameter: 1, BodyResult: 1},
	}
	attrs.Outputs = []graph.OutputDescription{
		{Kind: graph.OutputConcatenated, BodyResult: 0, Output: 0, Slice: graph.SliceSpec{Axis: 0, Stride: 1, PartSize: 1}},
		{Kind: graph.OutputIterValue, BodyResult: 1, Output: 1},
	}
	trip := g.Constant(tensors.FromScalar(int64(seqLen)))
	cond := g.Constant(tensors.FromScalar(true))
	loop := graph.NewLoop(trip, cond, body, attrs, x, h0)
	loop.SetName("rnn_loop")

	classifier := g.Constant(rampTensor(demoHidden, 4))
	logits := graph.MatMul(loop.Output(1), classifier, false, false)
	g.Result(loop.Output(0))
	g.Result(graph.LogSoftmax(logits, -1))
	g.Result(graph.Subtract(graph.ReduceSum(loop.Output(0), g.ConstInts(0), false), h0))
	return g
}

// rampTensor returns a Float32 tensor with small deterministic values.
func rampTensor(dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = float32(i%11)*0.05 - 0.25
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func passesConfig(opts *demoOptions) (*passes.Config, error) {
	config := passes.NewConfig()
	if opts.unroll {
		if err := config.Enable("UnrollLoop"); err != nil {
			return nil, err
		}
	}
	if err := config.Enable(opts.enable...); err != nil {
		return nil, err
	}
	if err := config.Disable(opts.disable...); err != nil {
		return nil, err
	}
	return config, nil
}

func runDemo(ctx context.Context, w io.Writer, opts *demoOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.seqLen <= 0 || opts.batchSize <= 0 {
		return errors.Errorf("--seq and --batch must be positive, got %d and %d", opts.seqLen, opts.batchSize)
	}
	runID := uuid.NewString()
	klog.V(1).Infof("demo run %s", runID)
	r := newReport(w)
	r.title(fmt.Sprintf("graphc demo (run %s)", runID))

	g := demoGraph(opts.seqLen, opts.batchSize)
	r.section("Model")
	r.graphSummary(g)

	config, err := passesConfig(opts)
	if err != nil {
		return err
	}
	manager := passes.CommonOptimizations(config)
	stats, err := manager.Run(ctx, g)
	if err != nil {
		return err
	}
	r.section(fmt.Sprintf("Pipeline %q", manager.Name()))
	r.overrides(config)
	r.passStats(stats)
	r.graphSummary(g)
	if opts.showGraph {
		r.text(g.Text())
	}

	backend, err := backends.NewWithConfig(opts.backendConfig)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	plan, err := backends.Lower(ctx, g, backend.Capabilities(), backend.Properties())
	if err != nil {
		return err
	}
	r.section(fmt.Sprintf("Plan on %s", backend.Name()))
	r.text(backend.Description())
	r.planSummary(plan)
	if opts.showPlan {
		r.text(plan.String())
	}
	exec, err := backend.Compile(plan)
	if err != nil {
		return errors.WithMessagef(err, "backend %q compiling graph %q", backend.Name(), g.Name())
	}
	defer exec.Finalize()

	inputs := []*tensors.Tensor{
		rampTensor(opts.seqLen, opts.batchSize, demoFeatures),
		tensors.FromShape(shapes.Make(dtypes.Float32, opts.batchSize, demoHidden)),
	}
	var outputs []*tensors.Tensor
	for range opts.runs {
		outputs, err = exec.Execute(ctx, inputs...)
		if err != nil {
			return err
		}
	}
	r.section("Execution")
	r.tensors("input", inputs)
	r.tensors("output", outputs)
	if profiled, ok := exec.(profiledExecutable); ok {
		r.profile(profiled)
	}
	return r.err
}
