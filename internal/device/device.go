package device

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Tensor is a dense row-major float32 array. Parameters carry a persistent
// gradient buffer; scratch tensors get one lazily from their Arena.
type Tensor struct {
	shape        []int
	data         []float32
	grad         []float32
	requiresGrad bool
}

// Shape returns a copy of the dimension sizes.
func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

// Order returns the number of dimensions.
func (t *Tensor) Order() int { return len(t.shape) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		log.Panic().Int("dim", i).Str("shape", ShapeString(t.shape)).Msg("Dim: axis out of range")
	}
	return t.shape[i]
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Rows returns the number of vectors along the last axis.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 1
	}
	last := t.shape[len(t.shape)-1]
	if last == 0 {
		return 0
	}
	return len(t.data) / last
}

// Data returns the underlying slice.
func (t *Tensor) Data() []float32 { return t.data }

// Grad returns the gradient buffer, nil if none was allocated.
func (t *Tensor) Grad() []float32 { return t.grad }

// RequiresGrad reports whether backward propagates into this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad marks a persistent tensor as trainable and allocates
// its gradient buffer.
func (t *Tensor) SetRequiresGrad() {
	t.requiresGrad = true
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set writes v at the given index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// CopyFrom copies data into the tensor. Sizes must match.
func (t *Tensor) CopyFrom(data []float32) {
	if len(data) != len(t.data) {
		log.Panic().Int("want", len(t.data)).Int("got", len(data)).Msg("CopyFrom: size mismatch")
	}
	copy(t.data, data)
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return EqualShape(t.shape, o.shape)
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		log.Panic().Int("order", len(t.shape)).Int("index_len", len(idx)).Msg("index order mismatch")
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			log.Panic().Int("axis", i).Int("index", v).Str("shape", ShapeString(t.shape)).Msg("index out of range")
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s", ShapeString(t.shape))
}

// SizeOf returns the element count of a shape.
func SizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// EqualShape compares two shapes.
func EqualShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeString formats a shape as [d0,d1,...].
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Backend creates tensors and manages scratch memory.
type Backend interface {
	Name() string

	// NewTensor allocates a persistent tensor. data is copied when non-nil.
	NewTensor(shape []int, data []float32) *Tensor

	// GetBuffer returns a zeroed scratch buffer of length n.
	GetBuffer(n int) []float32

	// PutBuffer returns a scratch buffer to the pool.
	PutBuffer(buf []float32)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// NewBackend selects a backend for a device index. -1 is the host.
// reserve > 0 bounds the pooled scratch memory in bytes.
func NewBackend(dev int, reserve int64) (Backend, error) {
	if dev < -1 {
		return nil, fmt.Errorf("invalid device index %d", dev)
	}
	if dev >= 0 {
		return nil, fmt.Errorf("device %d requested but no accelerator backend is compiled in; use dev=-1", dev)
	}
	return NewCPUBackendWithReserve(reserve), nil
}
