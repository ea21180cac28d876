package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/device"
)

func lmBatch(a *device.Arena, rows [][]int, width int) *batch.Batch {
	b := &batch.Batch{
		Size:     len(rows),
		InputLen: width,
		Input:    make([]int, len(rows)*width),
		InputPad: a.Tensor(len(rows), width),
	}
	for r, ids := range rows {
		for j := 0; j < width; j++ {
			b.Input[r*width+j] = 1
		}
		for j, id := range ids {
			b.Input[r*width+j] = id
			b.InputPad.Set(1, r, j)
		}
	}
	b.GoldPad = b.InputPad
	return b
}

func mtBatch(a *device.Arena, src, tgt [][]int, srcLen, tgtLen int) *batch.Batch {
	b := lmBatch(a, src, srcLen)
	dec := lmBatch(a, tgt, tgtLen)
	b.DecInput, b.DecLen, b.DecPad = dec.Input, tgtLen, dec.InputPad
	b.GoldPad = b.DecPad
	return b
}

func TestNewModel(t *testing.T) {
	backend := device.NewCPUBackend()

	cfg := DefaultTinyConfig()
	m, err := New(cfg, backend)
	require.NoError(t, err)
	_, ok := m.Net.(*LanguageModel)
	assert.True(t, ok)
	assert.Equal(t, []int{cfg.Dim, cfg.SrcVocab}, m.Output().W.Shape())
	assert.Len(t, m.Encoder().Layers, cfg.Layers)
	assert.Nil(t, m.Encoder().Layers[0].EnDe)

	cfg.Translation = true
	cfg.TgtVocab = 40
	m, err = New(cfg, backend)
	require.NoError(t, err)
	tr, ok := m.Net.(*Translation)
	require.True(t, ok)
	assert.NotNil(t, tr.Decoder.Layers[0].EnDe)
	assert.Equal(t, []int{cfg.Dim, 40}, m.Output().W.Shape())
	assert.Equal(t, []int{40, cfg.Dim}, tr.Decoder.Embedding.W.Shape())

	// Layer norm gains start at one, biases at zero.
	ln := tr.Decoder.Layers[0].EnDeLN
	assert.Equal(t, float32(1), ln.W.Data()[0])
	assert.Equal(t, float32(0), ln.B.Data()[0])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"vocab", func(c *Config) { c.SrcVocab = 0 }},
		{"target vocab", func(c *Config) { c.Translation = true }},
		{"heads", func(c *Config) { c.Heads = 3 }},
		{"layers", func(c *Config) { c.Layers = 0 }},
		{"hidden", func(c *Config) { c.Hidden = 0 }},
		{"dropout", func(c *Config) { c.Dropout = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTinyConfig()
			tt.modify(&cfg)
			_, err := New(cfg, device.NewCPUBackend())
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLanguageModelForward(t *testing.T) {
	m, err := New(DefaultTinyConfig(), device.NewCPUBackend())
	require.NoError(t, err)

	a := device.NewArena(m.Backend)
	defer a.Release()
	b := lmBatch(a, [][]int{{5, 6, 7}, {8, 9, 10, 11, 12}}, 5)

	out := m.Forward(a, b, false)
	require.Equal(t, []int{2, 5, m.Config.SrcVocab}, out.Shape())
	for r := 0; r < 10; r++ {
		var sum float64
		for _, v := range out.Data()[r*m.Config.SrcVocab : (r+1)*m.Config.SrcVocab] {
			require.False(t, math.IsNaN(float64(v)))
			sum += math.Exp(float64(v))
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}
}

func TestLanguageModelIsCausal(t *testing.T) {
	m, err := New(DefaultTinyConfig(), device.NewCPUBackend())
	require.NoError(t, err)
	v := m.Config.SrcVocab

	a := device.NewArena(m.Backend)
	defer a.Release()
	x := m.Forward(a, lmBatch(a, [][]int{{5, 6, 7, 8}}, 4), false)
	y := m.Forward(a, lmBatch(a, [][]int{{5, 6, 7, 30}}, 4), false)

	// Positions before the changed token see the same context.
	assert.InDeltaSlice(t, x.Data()[:3*v], y.Data()[:3*v], 1e-5)
	assert.NotEqual(t, x.Data()[3*v:], y.Data()[3*v:])
}

func TestTranslationForward(t *testing.T) {
	cfg := DefaultTinyConfig()
	cfg.Translation = true
	cfg.TgtVocab = 40
	m, err := New(cfg, device.NewCPUBackend())
	require.NoError(t, err)

	a := device.NewArena(m.Backend)
	defer a.Release()

	b := mtBatch(a, [][]int{{5, 6}, {7, 8, 9}}, [][]int{{2, 11, 12}, {2, 13}}, 3, 3)
	out := m.Forward(a, b, false)
	require.Equal(t, []int{2, 3, 40}, out.Shape())

	// A different id in a padded source position is invisible to the decoder.
	b2 := mtBatch(a, [][]int{{5, 6}, {7, 8, 9}}, [][]int{{2, 11, 12}, {2, 13}}, 3, 3)
	b2.Input[2] = 33
	out2 := m.Forward(a, b2, false)
	assert.InDeltaSlice(t, out.Data(), out2.Data(), 1e-5)

	assert.Panics(t, func() { m.Forward(a, lmBatch(a, [][]int{{5, 6}}, 2), false) })
}

func TestForwardTrainingBackward(t *testing.T) {
	cfg := DefaultTinyConfig()
	cfg.Dropout = 0.1
	m, err := New(cfg, device.NewCPUBackend())
	require.NoError(t, err)

	a := device.NewArena(m.Backend)
	defer a.Release()
	b := lmBatch(a, [][]int{{5, 6, 7}}, 3)
	b.Gold = []int{6, 7, 8}

	out := m.Forward(a, b, true)
	gold := a.OneHot(b.Gold, cfg.SrcVocab, 1, 3)
	a.Backward(a.CrossEntropy(out, gold))

	nonZero := 0
	for _, g := range m.Output().W.Grad() {
		if g != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0)
	assert.NotZero(t, m.Encoder().Embedding.W.Grad()[5*cfg.Dim])
}
