// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

func blasTranspose(transpose bool) blas.Transpose {
	if transpose {
		return blas.Trans
	}
	return blas.NoTrans
}

// matMulOp multiplies the last two axes, broadcasting the batch axes.
func matMulOp(a, b *tensors.Tensor, transposeA, transposeB bool, output shapes.Shape) (*tensors.Tensor, error) {
	aShape, bShape := a.Shape(), b.Shape()
	aRows, aCols := aShape.Dim(-2), aShape.Dim(-1)
	bRows, bCols := bShape.Dim(-2), bShape.Dim(-1)
	m, n := output.Dim(-2), output.Dim(-1)
	batchShape := shapes.Make(output.DType, output.Dimensions[:output.Rank()-2]...)
	aBatch := broadcastIndices(shapes.Make(aShape.DType, aShape.Dimensions[:aShape.Rank()-2]...), batchShape)
	bBatch := broadcastIndices(shapes.Make(bShape.DType, bShape.Dimensions[:bShape.Rank()-2]...), batchShape)
	aBlock, bBlock, cBlock := aRows*aCols, bRows*bCols, m*n

	var flat any
	switch af := a.Flat().(type) {
	case []float32:
		bf := b.Flat().([]float32)
		cf := make([]float32, output.Size())
		for batch := range aBatch {
			blas32.Gemm(blasTranspose(transposeA), blasTranspose(transposeB), 1,
				blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: af[aBatch[batch]*aBlock : (aBatch[batch]+1)*aBlock]},
				blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: bf[bBatch[batch]*bBlock : (bBatch[batch]+1)*bBlock]},
				0, blas32.General{Rows: m, Cols: n, Stride: n, Data: cf[batch*cBlock : (batch+1)*cBlock]})
		}
		flat = cf
	case []float64:
		bf := b.Flat().([]float64)
		cf := make([]float64, output.Size())
		for batch := range aBatch {
			blas64.Gemm(blasTranspose(transposeA), blasTranspose(transposeB), 1,
				blas64.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: af[aBatch[batch]*aBlock : (aBatch[batch]+1)*aBlock]},
				blas64.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: bf[bBatch[batch]*bBlock : (bBatch[batch]+1)*bBlock]},
				0, blas64.General{Rows: m, Cols: n, Stride: n, Data: cf[batch*cBlock : (batch+1)*cBlock]})
		}
		flat = cf
	case []int32:
		flat = matMulInt(af, b.Flat().([]int32), aBatch, bBatch, aRows, aCols, bRows, bCols, transposeA, transposeB, m, n)
	case []int64:
		flat = matMulInt(af, b.Flat().([]int64), aBatch, bBatch, aRows, aCols, bRows, bCols, transposeA, transposeB, m, n)
	default:
		return nil, errors.Errorf("MatMul not supported for dtype %s", a.DType())
	}
	return tensors.FromFlat(shapes.Make(output.DType, output.Dimensions...), flat)
}

func matMulInt[T int32 | int64](a, b []T, aBatch, bBatch []int, aRows, aCols, bRows, bCols int, transposeA, transposeB bool, m, n int) []T {
	c := make([]T, len(aBatch)*m*n)
	k := aCols
	if transposeA {
		k = aRows
	}
	aAt := func(base, i, l int) T {
		if transposeA {
			return a[base+l*aCols+i]
		}
		return a[base+i*aCols+l]
	}
	bAt := func(base, l, j int) T {
		if transposeB {
			return b[base+j*bCols+l]
		}
		return b[base+l*bCols+j]
	}
	for batch := range aBatch {
		aBase, bBase := aBatch[batch]*aRows*aCols, bBatch[batch]*bRows*bCols
		for i := range m {
			for j := range n {
				var sum T
				for l := range k {
					sum += aAt(aBase, i, l) * bAt(bBase, l, j)
				}
				c[(batch*m+i)*n+j] = sum
			}
		}
	}
	return c
}

// gemmXWt returns x[rows, in] x w[cols, in]^T as a [rows, cols] matrix.
func gemmXWt(x []float64, rows, in int, w []float64, cols int) []float64 {
	c := make([]float64, rows*cols)
	blas64.Gemm(blas.NoTrans, blas.Trans, 1,
		blas64.General{Rows: rows, Cols: in, Stride: in, Data: x},
		blas64.General{Rows: cols, Cols: in, Stride: in, Data: w},
		0, blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: c})
	return c
}

// cellOp evaluates one step of a recurrent cell.
// Gate order of the weights: RNN (single gate), GRU (z, r, h), LSTM (f, i, c, o).
func cellOp(opType ops.OpType, attrs ops.CellAttrs, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	dtype := inputs[0].DType()
	if !dtype.IsFloat() {
		return nil, errors.Errorf("%s requires float inputs, got %s", opType, dtype)
	}
	values := make([][]float64, len(inputs))
	for i, in := range inputs {
		var err error
		if values[i], err = toFloat64(in); err != nil {
			return nil, err
		}
	}
	hs := attrs.HiddenSize
	batch, in := inputs[0].Shape().Dim(0), inputs[0].Shape().Dim(1)
	x, h := values[0], values[1]
	numStates := 1
	if opType == ops.OpTypeLSTMCell {
		numStates = 2
	}
	w, r, bias := values[1+numStates], values[2+numStates], values[3+numStates]
	gates := ops.NumGates(opType) * hs
	xw := gemmXWt(x, batch, in, w, gates)
	hr := gemmXWt(h, batch, hs, r, gates)
	clip := func(v float64) float64 {
		if attrs.Clip > 0 {
			c := float64(attrs.Clip)
			return min(max(v, -c), c)
		}
		return v
	}
	// pre returns the pre-activation of gate g, for batch row bIdx and hidden unit j.
	pre := func(g, bIdx, j int, withRecurrent bool) float64 {
		col := g*hs + j
		v := xw[bIdx*gates+col] + bias[col]
		if withRecurrent {
			v += hr[bIdx*gates+col]
		}
		return clip(v)
	}

	hOut := make([]float64, batch*hs)
	var cOut []float64
	switch opType {
	case ops.OpTypeRNNCell:
		for bIdx := range batch {
			for j := range hs {
				hOut[bIdx*hs+j] = math.Tanh(pre(0, bIdx, j, true))
			}
		}
	case ops.OpTypeGRUCell:
		for bIdx := range batch {
			z := make([]float64, hs)
			rGate := make([]float64, hs)
			for j := range hs {
				z[j] = sigmoid(pre(0, bIdx, j, true))
				rGate[j] = sigmoid(pre(1, bIdx, j, true))
			}
			var rh []float64
			if !attrs.LinearBeforeReset {
				// (r * H) x Rh^T
				gated := make([]float64, hs)
				for j := range hs {
					gated[j] = rGate[j] * h[bIdx*hs+j]
				}
				rh = gemmXWt(gated, 1, hs, r[2*hs*hs:3*hs*hs], hs)
			}
			for j := range hs {
				v := pre(2, bIdx, j, false)
				if attrs.LinearBeforeReset {
					v += rGate[j] * hr[bIdx*gates+2*hs+j]
				} else {
					v += rh[j]
				}
				hTilde := math.Tanh(clip(v))
				hOut[bIdx*hs+j] = (1-z[j])*hTilde + z[j]*h[bIdx*hs+j]
			}
		}
	case ops.OpTypeLSTMCell:
		c := values[2]
		cOut = make([]float64, batch*hs)
		for bIdx := range batch {
			for j := range hs {
				f := sigmoid(pre(0, bIdx, j, true))
				i := sigmoid(pre(1, bIdx, j, true))
				cTilde := math.Tanh(pre(2, bIdx, j, true))
				o := sigmoid(pre(3, bIdx, j, true))
				cNew := f*c[bIdx*hs+j] + i*cTilde
				cOut[bIdx*hs+j] = cNew
				hOut[bIdx*hs+j] = o * math.Tanh(cNew)
			}
		}
	}

	outputs := []*tensors.Tensor{}
	for _, flat := range [][]float64{hOut, cOut} {
		if flat == nil {
			continue
		}
		t, err := tensors.FromFlat(shapes.Make(dtypes.Float64, batch, hs), flat)
		if err != nil {
			return nil, err
		}
		if t, err = Convert(t, dtype); err != nil {
			return nil, err
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}
