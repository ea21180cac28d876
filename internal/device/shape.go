package device

import (
	"github.com/rs/zerolog/log"
)

// The operations below build constant tensors (masks, targets). They are not
// recorded on the tape.

// Unsqueeze inserts a new axis of size n at position axis, repeating the
// data of x along it.
func (a *Arena) Unsqueeze(x *Tensor, axis, n int) *Tensor {
	if axis < 0 || axis > x.Order() || n < 1 {
		log.Panic().Int("axis", axis).Int("n", n).Str("shape", ShapeString(x.shape)).Msg("Unsqueeze: invalid axis")
	}
	shape := make([]int, 0, x.Order()+1)
	shape = append(shape, x.shape[:axis]...)
	shape = append(shape, n)
	shape = append(shape, x.shape[axis:]...)
	out := a.Tensor(shape...)

	inner := SizeOf(x.shape[axis:])
	outer := SizeOf(x.shape[:axis])
	for o := 0; o < outer; o++ {
		src := x.data[o*inner : (o+1)*inner]
		for r := 0; r < n; r++ {
			copy(out.data[(o*n+r)*inner:(o*n+r+1)*inner], src)
		}
	}
	return out
}

// SetLowTri fills each trailing [rows, cols] matrix of t so that entries with
// j <= i+shift hold value and all others hold 0.
func SetLowTri(t *Tensor, value float32, shift int) {
	if t.Order() < 2 {
		log.Panic().Str("shape", ShapeString(t.shape)).Msg("SetLowTri: need at least 2 dimensions")
	}
	rows, cols := t.Dim(-2), t.Dim(-1)
	mats := t.Size() / (rows * cols)
	for m := 0; m < mats; m++ {
		base := m * rows * cols
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if j <= i+shift {
					t.data[base+i*cols+j] = value
				} else {
					t.data[base+i*cols+j] = 0
				}
			}
		}
	}
}

// ScaleAndShift computes t = t*scale + shift in place.
func ScaleAndShift(t *Tensor, scale, shift float32) {
	for i, v := range t.data {
		t.data[i] = v*scale + shift
	}
}

// ClampMin raises every element below lo to lo.
func ClampMin(t *Tensor, lo float32) {
	for i, v := range t.data {
		if v < lo {
			t.data[i] = lo
		}
	}
}

// SumBroadcast returns x + y where each axis is either equal or 1 on one side.
func (a *Arena) SumBroadcast(x, y *Tensor) *Tensor {
	if x.Order() != y.Order() {
		log.Panic().Str("x", ShapeString(x.shape)).Str("y", ShapeString(y.shape)).Msg("SumBroadcast: order mismatch")
	}
	order := x.Order()
	shape := make([]int, order)
	for i := range shape {
		xs, ys := x.shape[i], y.shape[i]
		switch {
		case xs == ys:
			shape[i] = xs
		case xs == 1:
			shape[i] = ys
		case ys == 1:
			shape[i] = xs
		default:
			log.Panic().Str("x", ShapeString(x.shape)).Str("y", ShapeString(y.shape)).Msg("SumBroadcast: incompatible shapes")
		}
	}
	out := a.Tensor(shape...)
	idx := make([]int, order)
	for n := range out.data {
		rem := n
		for i := order - 1; i >= 0; i-- {
			idx[i] = rem % shape[i]
			rem /= shape[i]
		}
		out.data[n] = x.data[broadcastOffset(x.shape, idx)] + y.data[broadcastOffset(y.shape, idx)]
	}
	return out
}

func broadcastOffset(shape, idx []int) int {
	off := 0
	for i, d := range shape {
		v := idx[i]
		if d == 1 {
			v = 0
		}
		off = off*d + v
	}
	return off
}

// OneHot returns a [shape..., classes] tensor with 1 at each id.
func (a *Arena) OneHot(ids []int, classes int, shape ...int) *Tensor {
	if SizeOf(shape) != len(ids) {
		log.Panic().Int("ids", len(ids)).Str("shape", ShapeString(shape)).Msg("OneHot: id count does not match shape")
	}
	out := a.Tensor(append(append([]int(nil), shape...), classes)...)
	for i, id := range ids {
		if id < 0 || id >= classes {
			log.Panic().Int("id", id).Int("classes", classes).Msg("OneHot index out of bounds")
		}
		out.data[i*classes+id] = 1
	}
	return out
}
