package device

import (
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-t2t/internal/simd"
)

// Gather looks up rows of an embedding table [V, d] for ids laid out with the
// given leading shape. Returns [shape..., d].
func (a *Arena) Gather(table *Tensor, ids []int, shape ...int) *Tensor {
	if table.Order() != 2 {
		log.Panic().Str("shape", ShapeString(table.shape)).Msg("Gather: table must be 2-D")
	}
	if SizeOf(shape) != len(ids) {
		log.Panic().Int("ids", len(ids)).Str("shape", ShapeString(shape)).Msg("Gather: id count does not match shape")
	}
	v, d := table.shape[0], table.shape[1]
	out := a.Tensor(append(append([]int(nil), shape...), d)...)
	for i, id := range ids {
		if id < 0 || id >= v {
			log.Panic().Int("id", id).Int("vocab", v).Msg("Gather index out of bounds")
		}
		copy(out.data[i*d:(i+1)*d], table.data[id*d:(id+1)*d])
	}
	a.record(out, func() {
		gt := a.gradOf(table)
		gy := a.gradOf(out)
		for i, id := range ids {
			simd.VecAdd(gt[id*d:(id+1)*d], gy[i*d:(i+1)*d])
		}
	}, table)
	return out
}

// Add returns x + y for tensors of identical shape.
func (a *Arena) Add(x, y *Tensor) *Tensor {
	if !x.SameShape(y) {
		log.Panic().Str("x", ShapeString(x.shape)).Str("y", ShapeString(y.shape)).Msg("Add: dimension mismatch")
	}
	out := a.Tensor(x.shape...)
	copy(out.data, x.data)
	simd.VecAdd(out.data, y.data)
	a.record(out, func() {
		gy := a.gradOf(out)
		if x.requiresGrad {
			simd.VecAdd(a.gradOf(x), gy)
		}
		if y.requiresGrad {
			simd.VecAdd(a.gradOf(y), gy)
		}
	}, x, y)
	return out
}

// AddBroadcast returns x + c where c matches the trailing dimensions of x.
func (a *Arena) AddBroadcast(x, c *Tensor) *Tensor {
	n := c.Size()
	if n == 0 || x.Size()%n != 0 || !EqualShape(x.shape[x.Order()-c.Order():], c.shape) {
		log.Panic().Str("x", ShapeString(x.shape)).Str("c", ShapeString(c.shape)).Msg("AddBroadcast: trailing dimension mismatch")
	}
	out := a.Tensor(x.shape...)
	copy(out.data, x.data)
	for off := 0; off < len(out.data); off += n {
		simd.VecAdd(out.data[off:off+n], c.data)
	}
	a.record(out, func() {
		gy := a.gradOf(out)
		if x.requiresGrad {
			simd.VecAdd(a.gradOf(x), gy)
		}
		if c.requiresGrad {
			gc := a.gradOf(c)
			for off := 0; off < len(gy); off += n {
				simd.VecAdd(gc, gy[off:off+n])
			}
		}
	}, x, c)
	return out
}

// Scale returns x * s.
func (a *Arena) Scale(x *Tensor, s float32) *Tensor {
	out := a.Tensor(x.shape...)
	copy(out.data, x.data)
	simd.VecScale(out.data, s)
	a.record(out, func() {
		simd.VecAddScaled(a.gradOf(x), a.gradOf(out), s)
	}, x)
	return out
}

// MulRows scales every vector along the last axis of x by the matching
// entry of w. len(w) must equal x.Rows().
func (a *Arena) MulRows(x *Tensor, w []float32) *Tensor {
	rows := x.Rows()
	if len(w) != rows {
		log.Panic().Int("rows", rows).Int("weights", len(w)).Msg("MulRows: weight count mismatch")
	}
	c := x.Dim(-1)
	out := a.Tensor(x.shape...)
	copy(out.data, x.data)
	for r := 0; r < rows; r++ {
		simd.VecScale(out.data[r*c:(r+1)*c], w[r])
	}
	a.record(out, func() {
		gx := a.gradOf(x)
		gy := a.gradOf(out)
		for r := 0; r < rows; r++ {
			simd.VecAddScaled(gx[r*c:(r+1)*c], gy[r*c:(r+1)*c], w[r])
		}
	}, x)
	return out
}

// Linear computes x·w (+ b) over the last axis of x. w is [in, out], b is
// [out] or nil.
func (a *Arena) Linear(x, w, b *Tensor) *Tensor {
	in := x.Dim(-1)
	if w.Order() != 2 || w.shape[0] != in {
		log.Panic().Str("x", ShapeString(x.shape)).Str("w", ShapeString(w.shape)).Msg("Linear: dimension mismatch")
	}
	outDim := w.shape[1]
	if b != nil && (b.Size() != outDim) {
		log.Panic().Str("b", ShapeString(b.shape)).Int("out", outDim).Msg("Linear: bias length mismatch")
	}
	rows := x.Rows()
	shape := append(append([]int(nil), x.shape[:x.Order()-1]...), outDim)
	out := a.Tensor(shape...)

	X := blas32.General{Rows: rows, Cols: in, Stride: in, Data: x.data}
	W := blas32.General{Rows: in, Cols: outDim, Stride: outDim, Data: w.data}
	Y := blas32.General{Rows: rows, Cols: outDim, Stride: outDim, Data: out.data}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, X, W, 0, Y)
	if b != nil {
		for r := 0; r < rows; r++ {
			simd.VecAdd(out.data[r*outDim:(r+1)*outDim], b.data)
		}
	}

	a.record(out, func() {
		gy := a.gradOf(out)
		GY := blas32.General{Rows: rows, Cols: outDim, Stride: outDim, Data: gy}
		if x.requiresGrad {
			GX := blas32.General{Rows: rows, Cols: in, Stride: in, Data: a.gradOf(x)}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, GY, W, 1, GX)
		}
		if w.requiresGrad {
			GW := blas32.General{Rows: in, Cols: outDim, Stride: outDim, Data: a.gradOf(w)}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, X, GY, 1, GW)
		}
		if b != nil && b.requiresGrad {
			gb := a.gradOf(b)
			for r := 0; r < rows; r++ {
				simd.VecAdd(gb, gy[r*outDim:(r+1)*outDim])
			}
		}
	}, x, w, b)
	return out
}

// Split cuts the last axis of x into equal parts.
func (a *Arena) Split(x *Tensor, parts int) []*Tensor {
	c := x.Dim(-1)
	if parts < 1 || c%parts != 0 {
		log.Panic().Int("cols", c).Int("parts", parts).Msg("Split: uneven split")
	}
	n := c / parts
	rows := x.Rows()
	shape := append(append([]int(nil), x.shape[:x.Order()-1]...), n)
	outs := make([]*Tensor, parts)
	for p := range outs {
		out := a.Tensor(shape...)
		for r := 0; r < rows; r++ {
			copy(out.data[r*n:(r+1)*n], x.data[r*c+p*n:r*c+(p+1)*n])
		}
		p := p
		a.record(out, func() {
			gx := a.gradOf(x)
			gy := a.gradOf(out)
			for r := 0; r < rows; r++ {
				simd.VecAdd(gx[r*c+p*n:r*c+(p+1)*n], gy[r*n:(r+1)*n])
			}
		}, x)
		outs[p] = out
	}
	return outs
}

// ReLU returns max(x, 0).
func (a *Arena) ReLU(x *Tensor) *Tensor {
	out := a.Tensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	a.record(out, func() {
		gx := a.gradOf(x)
		gy := a.gradOf(out)
		for i, v := range x.data {
			if v > 0 {
				gx[i] += gy[i]
			}
		}
	}, x)
	return out
}

// Dropout zeroes elements with probability p and rescales survivors by
// 1/(1-p). p <= 0 returns x unchanged.
func (a *Arena) Dropout(x *Tensor, p float32, rng *rand.Rand) *Tensor {
	if p <= 0 {
		return x
	}
	keep := 1 / (1 - p)
	mask := a.buffer(x.Size())
	out := a.Tensor(x.shape...)
	for i, v := range x.data {
		if rng.Float32() >= p {
			mask[i] = keep
			out.data[i] = v * keep
		}
	}
	a.record(out, func() {
		gx := a.gradOf(x)
		gy := a.gradOf(out)
		for i, m := range mask {
			gx[i] += gy[i] * m
		}
	}, x)
	return out
}

// LayerNorm normalises the last axis of x and applies gain g and bias b.
func (a *Arena) LayerNorm(x, g, b *Tensor, eps float32) *Tensor {
	c := x.Dim(-1)
	if g.Size() != c || b.Size() != c {
		log.Panic().Int("cols", c).Int("gain", g.Size()).Int("bias", b.Size()).Msg("LayerNorm params dim mismatch")
	}
	rows := x.Rows()
	out := a.Tensor(x.shape...)
	mean := make([]float32, rows)
	invStd := make([]float32, rows)

	for r := 0; r < rows; r++ {
		row := x.data[r*c : (r+1)*c]
		var sum float32
		for _, v := range row {
			sum += v
		}
		mu := sum / float32(c)
		var varSum float32
		for _, v := range row {
			diff := v - mu
			varSum += diff * diff
		}
		inv := 1.0 / float32(math.Sqrt(float64(varSum/float32(c)+eps)))
		mean[r], invStd[r] = mu, inv
		dst := out.data[r*c : (r+1)*c]
		for j, v := range row {
			dst[j] = (v-mu)*inv*g.data[j] + b.data[j]
		}
	}

	a.record(out, func() {
		gy := a.gradOf(out)
		var gx, gg, gb []float32
		if x.requiresGrad {
			gx = a.gradOf(x)
		}
		if g.requiresGrad {
			gg = a.gradOf(g)
		}
		if b.requiresGrad {
			gb = a.gradOf(b)
		}
		xhat := make([]float32, c)
		dxhat := make([]float32, c)
		for r := 0; r < rows; r++ {
			row := x.data[r*c : (r+1)*c]
			dy := gy[r*c : (r+1)*c]
			var sumD, sumDX float32
			for j, v := range row {
				xhat[j] = (v - mean[r]) * invStd[r]
				dxhat[j] = dy[j] * g.data[j]
				sumD += dxhat[j]
				sumDX += dxhat[j] * xhat[j]
			}
			if gg != nil {
				for j := range dy {
					gg[j] += dy[j] * xhat[j]
				}
			}
			if gb != nil {
				simd.VecAdd(gb, dy)
			}
			if gx != nil {
				dst := gx[r*c : (r+1)*c]
				n := float32(c)
				for j := range dst {
					dst[j] += invStd[r] / n * (n*dxhat[j] - sumD - xhat[j]*sumDX)
				}
			}
		}
	}, x, g, b)
	return out
}

// LogSoftmax normalises the last axis of x into log-probabilities.
func (a *Arena) LogSoftmax(x *Tensor) *Tensor {
	c := x.Dim(-1)
	rows := x.Rows()
	out := a.Tensor(x.shape...)
	for r := 0; r < rows; r++ {
		simd.LogSoftmax(out.data[r*c:(r+1)*c], x.data[r*c:(r+1)*c])
	}
	a.record(out, func() {
		gx := a.gradOf(x)
		gy := a.gradOf(out)
		for r := 0; r < rows; r++ {
			dy := gy[r*c : (r+1)*c]
			y := out.data[r*c : (r+1)*c]
			sum := float32(simd.Sum(dy))
			dst := gx[r*c : (r+1)*c]
			for j := range dst {
				dst[j] += dy[j] - float32(math.Exp(float64(y[j])))*sum
			}
		}
	}, x)
	return out
}

// CrossEntropy returns the scalar -Σ gold·logp. gold is a constant
// distribution of the same shape as logp.
func (a *Arena) CrossEntropy(logp, gold *Tensor) *Tensor {
	if !logp.SameShape(gold) {
		log.Panic().Str("output", ShapeString(logp.shape)).Str("gold", ShapeString(gold.shape)).Msg("CrossEntropy: dimension mismatch")
	}
	out := a.Tensor(1)
	var loss float64
	for i, p := range gold.data {
		if p != 0 {
			loss -= float64(p) * float64(logp.data[i])
		}
	}
	out.data[0] = float32(loss)
	a.record(out, func() {
		gl := a.gradOf(out)[0]
		simd.VecAddScaled(a.gradOf(logp), gold.data, -gl)
	}, logp)
	return out
}
