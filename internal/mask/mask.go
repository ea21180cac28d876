// Package mask builds additive attention biases for multi-head attention.
//
// Every mask is laid out as [head, batch, query, key]. Entries are 0 where a
// query may attend to a key and -Sentinel where it may not. The batch axis may
// be 1, in which case attention broadcasts it over the whole batch.
package mask

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-t2t/internal/device"
)

// Sentinel is the magnitude of the suppressing bias. It is finite so that a
// fully masked row still normalises without producing NaN.
const Sentinel = 1e9

// Axis names a dimension of a mask.
type Axis int

const (
	Head Axis = iota
	Batch
	Query
	Key

	numAxes
)

func (x Axis) String() string {
	switch x {
	case Head:
		return "head"
	case Batch:
		return "batch"
	case Query:
		return "query"
	case Key:
		return "key"
	}
	return fmt.Sprintf("axis(%d)", int(x))
}

// Mask is a [head, batch, query, key] bias tensor scoped to one arena.
type Mask struct {
	*device.Tensor
}

// Len returns the size of the named axis.
func (m *Mask) Len(x Axis) int {
	return m.Dim(int(x))
}

// Validate checks the mask against the attention it will be added to. The
// batch axis may be 1 (broadcast) or equal to batch.
func (m *Mask) Validate(heads, batch, query, key int) error {
	if m == nil || m.Tensor == nil {
		return fmt.Errorf("mask is nil")
	}
	if m.Order() != int(numAxes) {
		return fmt.Errorf("mask %s: want 4 axes [head, batch, query, key]", device.ShapeString(m.Shape()))
	}
	want := [numAxes]int{heads, batch, query, key}
	for x := Head; x < numAxes; x++ {
		got := m.Len(x)
		if x == Batch && got == 1 {
			continue
		}
		if got != want[x] {
			return fmt.Errorf("mask %s: %s axis is %d, want %d", device.ShapeString(m.Shape()), x, got, want[x])
		}
	}
	return nil
}

func mustValidate(m *Mask, heads, batch, query, key int) *Mask {
	if err := m.Validate(heads, batch, query, key); err != nil {
		log.Panic().Err(err).Msg("mask construction")
	}
	return m
}

// Causal returns a [heads, 1, length, length] mask that lets position i
// attend only to positions j <= i.
func Causal(a *device.Arena, length, heads int) *Mask {
	if length < 1 || heads < 1 {
		log.Panic().Int("length", length).Int("heads", heads).Msg("Causal: length and heads must be positive")
	}
	t := a.Tensor(heads, 1, length, length)
	device.SetLowTri(t, Sentinel, 0)
	device.ScaleAndShift(t, 1, -Sentinel)
	return mustValidate(&Mask{t}, heads, 1, length, length)
}

// Padding turns a [batch, length] indicator (1 real, 0 pad) into a
// [heads, batch, length, length] mask that blocks padded keys on every query
// row and head.
func Padding(a *device.Arena, indicator *device.Tensor, heads int) *Mask {
	bs, length := indicatorShape(indicator)
	return mustValidate(expand(a, indicator, heads, length), heads, bs, length, length)
}

// Cross is Padding for encoder-decoder attention: query length is the
// decoder length and key length the encoder length.
func Cross(a *device.Arena, srcIndicator *device.Tensor, heads, decLen int) *Mask {
	bs, srcLen := indicatorShape(srcIndicator)
	if decLen < 1 {
		log.Panic().Int("decLen", decLen).Msg("Cross: decoder length must be positive")
	}
	return mustValidate(expand(a, srcIndicator, heads, decLen), heads, bs, decLen, srcLen)
}

// Combine adds two masks, broadcasting size-1 axes, and clamps the result so
// entries suppressed by both stay at -Sentinel.
func Combine(a *device.Arena, x, y *Mask) *Mask {
	t := a.SumBroadcast(x.Tensor, y.Tensor)
	device.ClampMin(t, -Sentinel)
	m := &Mask{t}
	return mustValidate(m, m.Len(Head), m.Len(Batch), m.Len(Query), m.Len(Key))
}

// SelfMask is the decoder-style self-attention mask: causal with padded keys
// blocked.
func SelfMask(a *device.Arena, indicator *device.Tensor, heads int) *Mask {
	_, length := indicatorShape(indicator)
	return Combine(a, Causal(a, length, heads), Padding(a, indicator, heads))
}

func expand(a *device.Arena, indicator *device.Tensor, heads, query int) *Mask {
	t := a.Unsqueeze(indicator, 1, query)
	t = a.Unsqueeze(t, 0, heads)
	device.ScaleAndShift(t, Sentinel, -Sentinel)
	return &Mask{t}
}

func indicatorShape(indicator *device.Tensor) (int, int) {
	if indicator == nil || indicator.Order() != 2 {
		shape := "nil"
		if indicator != nil {
			shape = device.ShapeString(indicator.Shape())
		}
		log.Panic().Str("shape", shape).Msg("padding indicator must be [batch, length]")
	}
	return indicator.Dim(0), indicator.Dim(1)
}
