package mask

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/simd"
)

func indicator(a *device.Arena, lengths []int, maxLen int) *device.Tensor {
	t := a.Tensor(len(lengths), maxLen)
	for b, l := range lengths {
		for i := 0; i < l; i++ {
			t.Set(1, b, i)
		}
	}
	return t
}

func TestCausal(t *testing.T) {
	backend := device.NewCPUBackend()
	for _, tc := range []struct{ length, heads int }{{1, 1}, {4, 2}, {7, 3}} {
		a := device.NewArena(backend)
		m := Causal(a, tc.length, tc.heads)
		require.Equal(t, []int{tc.heads, 1, tc.length, tc.length}, m.Shape())
		for h := 0; h < tc.heads; h++ {
			for i := 0; i < tc.length; i++ {
				for j := 0; j < tc.length; j++ {
					want := float32(0)
					if j > i {
						want = -Sentinel
					}
					assert.Equal(t, want, m.At(h, 0, i, j), "h=%d i=%d j=%d", h, i, j)
				}
			}
		}
		a.Release()
	}
}

func TestPadding(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	lengths := []int{2, 4, 1}
	m := Padding(a, indicator(a, lengths, 4), 3)
	require.NoError(t, m.Validate(3, 3, 4, 4))

	for h := 0; h < 3; h++ {
		for b, l := range lengths {
			for q := 0; q < 4; q++ {
				for k := 0; k < 4; k++ {
					want := float32(0)
					if k >= l {
						want = -Sentinel
					}
					assert.Equal(t, want, m.At(h, b, q, k))
				}
			}
		}
	}
}

func TestCross(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	m := Cross(a, indicator(a, []int{3, 1}, 3), 2, 5)
	assert.Equal(t, []int{2, 2, 5, 3}, m.Shape())
	assert.Equal(t, 5, m.Len(Query))
	assert.Equal(t, 3, m.Len(Key))
	assert.Equal(t, float32(0), m.At(1, 0, 4, 2))
	assert.Equal(t, float32(-Sentinel), m.At(1, 1, 4, 1))
	assert.Equal(t, float32(0), m.At(0, 1, 0, 0))
}

func TestCombine(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	m := SelfMask(a, indicator(a, []int{2, 3}, 3), 2)
	require.Equal(t, []int{2, 2, 3, 3}, m.Shape())

	// Future and padded positions overlap at [0, *, 0, 2]; the sum stays
	// at -Sentinel.
	assert.Equal(t, float32(-Sentinel), m.At(0, 0, 0, 2))
	assert.Equal(t, float32(-Sentinel), m.At(1, 0, 2, 2))
	assert.Equal(t, float32(0), m.At(1, 0, 2, 1))
	assert.Equal(t, float32(0), m.At(0, 1, 2, 2))
	for _, v := range m.Data() {
		assert.True(t, v == 0 || v == -Sentinel)
	}
}

// Two sequences of lengths 3 and 5 with two heads.
func TestScenario_ShortAndLong(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	ind := indicator(a, []int{3, 5}, 5)
	causal := Causal(a, 5, 2)
	assert.Equal(t, []int{2, 1, 5, 5}, causal.Shape())

	pad := Padding(a, ind, 2)
	for h := 0; h < 2; h++ {
		for q := 0; q < 5; q++ {
			assert.Equal(t, float32(-Sentinel), pad.At(h, 0, q, 3))
			assert.Equal(t, float32(-Sentinel), pad.At(h, 0, q, 4))
			assert.Equal(t, float32(0), pad.At(h, 0, q, 2))
			for k := 0; k < 5; k++ {
				assert.Equal(t, float32(0), pad.At(h, 1, q, k))
			}
		}
	}
}

func TestValidate(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	m := Causal(a, 4, 2)
	assert.NoError(t, m.Validate(2, 8, 4, 4))
	assert.ErrorContains(t, m.Validate(4, 8, 4, 4), "head axis")
	assert.ErrorContains(t, m.Validate(2, 8, 3, 4), "query axis")

	p := Padding(a, indicator(a, []int{1, 2}, 2), 1)
	assert.ErrorContains(t, p.Validate(1, 3, 2, 2), "batch axis")

	assert.Error(t, (&Mask{a.Tensor(2, 2)}).Validate(1, 1, 2, 2))
	assert.Panics(t, func() { Causal(a, 0, 1) })
	assert.Panics(t, func() { Padding(a, a.Tensor(4), 1) })
}

func TestFullyMaskedRowStaysFinite(t *testing.T) {
	a := device.NewArena(device.NewCPUBackend())
	defer a.Release()

	m := Padding(a, indicator(a, []int{0}, 3), 1)
	row := make([]float32, 3)
	copy(row, m.Data()[:3])
	simd.Softmax(row)
	for _, v := range row {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		assert.InDelta(t, 1.0/3, v, 1e-6)
	}
}
