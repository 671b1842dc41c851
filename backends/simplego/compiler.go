// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"bytes"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/gomlx/graphc/backends/kernelcache"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
)

// kernelSource is the "source code" of a Go kernel: the op kind it evaluates and its attributes.
type kernelSource struct {
	Entry string          `json:"entry"`
	Op    string          `json:"op"`
	Attrs json.RawMessage `json:"attrs,omitempty"`
}

// binaryHeader starts the serialized programs, to detect binaries of other versions.
const binaryHeader = "graphc-go-kernels/v1\n"

// knownOptions are the option flags accepted by the compiler.
var knownOptions = []string{"-dtype=", "-layout=", "-precision="}

// attrsDecoders create the attributes of each op kind from JSON.
var attrsDecoders = map[ops.OpType]func(json.RawMessage) (any, error){
	ops.OpTypeConcat:       decodeAttrs[ops.ConcatAttrs],
	ops.OpTypeSplit:        decodeAttrs[ops.SplitAttrs],
	ops.OpTypeReduceSum:    decodeAttrs[ops.ReduceAttrs],
	ops.OpTypeReduceMax:    decodeAttrs[ops.ReduceAttrs],
	ops.OpTypeReduceMean:   decodeAttrs[ops.ReduceAttrs],
	ops.OpTypeReshape:      decodeAttrs[ops.ReshapeAttrs],
	ops.OpTypeConvert:      decodeAttrs[ops.ConvertAttrs],
	ops.OpTypeLogSoftmax:   decodeAttrs[ops.LogSoftmaxAttrs],
	ops.OpTypeMatMul:       decodeAttrs[ops.MatMulAttrs],
	ops.OpTypeFakeQuantize: decodeAttrs[ops.FakeQuantizeAttrs],
	ops.OpTypeRNNCell:      decodeAttrs[ops.CellAttrs],
	ops.OpTypeGRUCell:      decodeAttrs[ops.CellAttrs],
	ops.OpTypeLSTMCell:     decodeAttrs[ops.CellAttrs],
	ops.OpTypeCustom:       decodeAttrs[ops.CustomAttrs],
}

func decodeAttrs[T any](raw json.RawMessage) (any, error) {
	var attrs T
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// newKernelSource returns the source of the kernel evaluating the op kind with the given attributes.
func newKernelSource(entry string, opType ops.OpType, attrs any) (string, error) {
	src := kernelSource{Entry: entry, Op: opType.String()}
	if _, hasAttrs := attrsDecoders[opType]; hasAttrs {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return "", errors.Wrapf(err, "encoding attributes of kernel %q", entry)
		}
		src.Attrs = raw
	}
	code, err := json.Marshal(src)
	if err != nil {
		return "", errors.Wrapf(err, "encoding kernel %q", entry)
	}
	return string(code), nil
}

// goKernel evaluates one op kind with the host kernels.
type goKernel struct {
	entry  string
	opType ops.OpType
	attrs  any
}

// EntryPoint implements kernelcache.Kernel.
func (k *goKernel) EntryPoint() string { return k.entry }

// Run implements kernelcache.Kernel.
func (k *goKernel) Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return kernels.Eval(k.opType, k.attrs, inputs)
}

type goProgram struct {
	sources []string
	kernels map[string]*goKernel
}

// Kernel implements kernelcache.Program.
func (p *goProgram) Kernel(entryPoint string) (kernelcache.Kernel, bool) {
	k, found := p.kernels[entryPoint]
	return k, found
}

// Binary implements kernelcache.Program.
func (p *goProgram) Binary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(binaryHeader)
	raw := make([]json.RawMessage, len(p.sources))
	for i, src := range p.sources {
		raw[i] = json.RawMessage(src)
	}
	if err := json.NewEncoder(&buf).Encode(raw); err != nil {
		return nil, errors.Wrap(err, "serializing Go kernels program")
	}
	return buf.Bytes(), nil
}

// goCompiler "compiles" kernel sources by resolving them to host kernels.
type goCompiler struct{}

var _ kernelcache.Compiler = goCompiler{}

// Device implements kernelcache.Compiler.
func (goCompiler) Device() kernelcache.DeviceInfo {
	return kernelcache.DeviceInfo{
		DriverVersion: runtime.Version(),
		DeviceName:    fmt.Sprintf("%s/%s/%s", BackendName, runtime.GOOS, runtime.GOARCH),
	}
}

// Compile implements kernelcache.Compiler. The log has one line per invalid option or source.
func (goCompiler) Compile(options string, sources []string) (kernelcache.Program, string, error) {
	var log strings.Builder
	for _, option := range strings.Fields(options) {
		known := false
		for _, prefix := range knownOptions {
			known = known || strings.HasPrefix(option, prefix)
		}
		if !known {
			fmt.Fprintf(&log, "error: unknown option %q\n", option)
		}
	}
	program := &goProgram{sources: sources, kernels: make(map[string]*goKernel, len(sources))}
	for i, code := range sources {
		k, err := parseKernel(code)
		if err != nil {
			fmt.Fprintf(&log, "kernel #%d: error: %v\n", i, err)
			continue
		}
		program.kernels[k.entry] = k
	}
	if log.Len() > 0 {
		return nil, log.String(), errors.Errorf("failed to build %d kernels", len(sources))
	}
	return program, "", nil
}

// Load implements kernelcache.Compiler.
func (c goCompiler) Load(options string, binary []byte) (kernelcache.Program, error) {
	data, found := bytes.CutPrefix(binary, []byte(binaryHeader))
	if !found {
		return nil, errors.Errorf("not a Go kernels binary")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing Go kernels binary")
	}
	sources := make([]string, len(raw))
	for i, src := range raw {
		sources[i] = string(src)
	}
	program, log, err := c.Compile(options, sources)
	if err != nil {
		return nil, errors.WithMessage(err, log)
	}
	return program, nil
}

func parseKernel(code string) (*goKernel, error) {
	var src kernelSource
	if err := json.Unmarshal([]byte(code), &src); err != nil {
		return nil, errors.Wrap(err, "invalid kernel source")
	}
	opType, err := ops.OpTypeString(src.Op)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel %q", src.Entry)
	}
	var attrs any
	if decoder, found := attrsDecoders[opType]; found {
		if attrs, err = decoder(src.Attrs); err != nil {
			return nil, errors.Wrapf(err, "kernel %q: invalid attributes for %s", src.Entry, opType)
		}
	}
	if !kernels.IsSupported(opType, attrs) {
		return nil, errors.Errorf("kernel %q: op kind %s not supported", src.Entry, opType)
	}
	return &goKernel{entry: src.Entry, opType: opType, attrs: attrs}, nil
}
