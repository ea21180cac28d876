package device

import (
	"github.com/rs/zerolog/log"
)

// Arena scopes the scratch tensors of one forward/backward pass. Every tensor
// it hands out, and every gradient buffer it allocates, goes back to the
// backend pool on Release. Ops that touch a trainable input are recorded on
// the arena's tape so Backward can replay them in reverse.
type Arena struct {
	backend  Backend
	bufs     [][]float32
	tape     []func()
	released bool
}

// NewArena opens a scope on the backend.
func NewArena(b Backend) *Arena {
	return &Arena{backend: b}
}

// Backend returns the allocation context of the arena.
func (a *Arena) Backend() Backend { return a.backend }

// Tensor allocates a zeroed scratch tensor.
func (a *Arena) Tensor(shape ...int) *Tensor {
	a.check()
	return &Tensor{
		shape: append([]int(nil), shape...),
		data:  a.buffer(SizeOf(shape)),
	}
}

// FromData allocates a scratch tensor holding a copy of data.
func (a *Arena) FromData(shape []int, data []float32) *Tensor {
	t := a.Tensor(shape...)
	if len(data) != len(t.data) {
		log.Panic().Int("want", len(t.data)).Int("got", len(data)).Str("shape", ShapeString(shape)).Msg("FromData: size mismatch")
	}
	copy(t.data, data)
	return t
}

// Release returns all scratch memory to the backend. Tensors created by the
// arena must not be used afterwards.
func (a *Arena) Release() {
	if a.released {
		return
	}
	var bytes int
	for _, buf := range a.bufs {
		bytes += len(buf) * 4
		a.backend.PutBuffer(buf)
	}
	arenaBytes.Set(float64(bytes))
	a.bufs = nil
	a.tape = nil
	a.released = true
}

// Backward seeds d(loss)/d(loss) = 1 and replays the tape in reverse.
// loss must hold a single element.
func (a *Arena) Backward(loss *Tensor) {
	a.check()
	if loss.Size() != 1 {
		log.Panic().Str("shape", ShapeString(loss.shape)).Msg("Backward: loss must be a scalar")
	}
	if !loss.requiresGrad {
		return
	}
	a.gradOf(loss)[0] = 1
	for i := len(a.tape) - 1; i >= 0; i-- {
		a.tape[i]()
	}
	a.tape = nil
}

func (a *Arena) buffer(n int) []float32 {
	buf := a.backend.GetBuffer(n)
	if n > 0 {
		a.bufs = append(a.bufs, buf)
	}
	return buf
}

// gradOf returns the gradient buffer of t, allocating one from the arena for
// scratch tensors.
func (a *Arena) gradOf(t *Tensor) []float32 {
	if t.grad == nil {
		t.grad = a.buffer(len(t.data))
	}
	return t.grad
}

// record registers a backward closure when any input is trainable and marks
// out accordingly.
func (a *Arena) record(out *Tensor, back func(), inputs ...*Tensor) {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			a.tape = append(a.tape, back)
			return
		}
	}
}

func (a *Arena) check() {
	if a.released {
		log.Panic().Msg("arena used after Release")
	}
}
