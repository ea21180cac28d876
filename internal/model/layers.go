package model

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/mask"
)

const layerNormEps = 1e-6

func param(b device.Backend, shape ...int) *device.Tensor {
	t := b.NewTensor(shape, nil)
	t.SetRequiresGrad()
	return t
}

// Embedding maps ids to scaled vectors plus fixed sinusoidal positions.
type Embedding struct {
	W     *device.Tensor
	pos   *device.Tensor
	dim   int
	scale float32
}

func NewEmbedding(vocab, dim, maxLen int, b device.Backend) *Embedding {
	pos := make([]float32, maxLen*dim)
	for p := 0; p < maxLen; p++ {
		for k := 0; k < dim; k++ {
			i := k / 2
			angle := float64(p) / math.Pow(10000, 2*float64(i)/float64(dim))
			if k%2 == 0 {
				pos[p*dim+k] = float32(math.Sin(angle))
			} else {
				pos[p*dim+k] = float32(math.Cos(angle))
			}
		}
	}
	return &Embedding{
		W:     param(b, vocab, dim),
		pos:   b.NewTensor([]int{maxLen, dim}, pos),
		dim:   dim,
		scale: float32(math.Sqrt(float64(dim))),
	}
}

// Forward embeds ids laid out as [bs, length].
func (e *Embedding) Forward(a *device.Arena, ids []int, bs, length int) *device.Tensor {
	if length > e.pos.Dim(0) {
		log.Panic().Int("length", length).Int("max", e.pos.Dim(0)).Msg("sequence longer than the position table")
	}
	x := a.Scale(a.Gather(e.W, ids, bs, length), e.scale)
	pos := a.FromData([]int{length, e.dim}, e.pos.Data()[:length*e.dim])
	return a.AddBroadcast(x, pos)
}

// SelfAttention projects queries, keys and values with one fused matrix.
type SelfAttention struct {
	WBig  *device.Tensor // [d, 3d]
	WA    *device.Tensor // [d, d]
	heads int
}

func NewSelfAttention(dim, heads int, b device.Backend) *SelfAttention {
	return &SelfAttention{WBig: param(b, dim, 3*dim), WA: param(b, dim, dim), heads: heads}
}

func (s *SelfAttention) Forward(a *device.Arena, x *device.Tensor, m *mask.Mask) *device.Tensor {
	mustFit(m, s.heads, x.Dim(0), x.Dim(1), x.Dim(1))
	kqv := a.Split(a.Linear(x, s.WBig, nil), 3)
	k, q, v := kqv[0], kqv[1], kqv[2]
	return a.Linear(a.Attention(q, k, v, m.Tensor, s.heads), s.WA, nil)
}

// CrossAttention attends from decoder states into the encoder output.
type CrossAttention struct {
	WK, WQ, WV, WA *device.Tensor
	heads          int
}

func NewCrossAttention(dim, heads int, b device.Backend) *CrossAttention {
	return &CrossAttention{
		WK:    param(b, dim, dim),
		WQ:    param(b, dim, dim),
		WV:    param(b, dim, dim),
		WA:    param(b, dim, dim),
		heads: heads,
	}
}

func (c *CrossAttention) Forward(a *device.Arena, x, mem *device.Tensor, m *mask.Mask) *device.Tensor {
	mustFit(m, c.heads, x.Dim(0), x.Dim(1), mem.Dim(1))
	q := a.Linear(x, c.WQ, nil)
	k := a.Linear(mem, c.WK, nil)
	v := a.Linear(mem, c.WV, nil)
	return a.Linear(a.Attention(q, k, v, m.Tensor, c.heads), c.WA, nil)
}

func mustFit(m *mask.Mask, heads, bs, query, key int) {
	if err := m.Validate(heads, bs, query, key); err != nil {
		log.Panic().Err(err).Msg("attention mask does not fit")
	}
}

// FNN is the position-wise feed-forward block.
type FNN struct {
	W1, B1, W2, B2 *device.Tensor
}

func NewFNN(dim, hidden int, b device.Backend) *FNN {
	return &FNN{
		W1: param(b, dim, hidden),
		B1: param(b, hidden),
		W2: param(b, hidden, dim),
		B2: param(b, dim),
	}
}

func (f *FNN) Forward(a *device.Arena, x *device.Tensor) *device.Tensor {
	return a.Linear(a.ReLU(a.Linear(x, f.W1, f.B1)), f.W2, f.B2)
}

// LayerNorm has a gain W (initialised to 1) and bias B.
type LayerNorm struct {
	W, B *device.Tensor
}

func NewLayerNorm(dim int, b device.Backend) *LayerNorm {
	ln := &LayerNorm{W: param(b, dim), B: param(b, dim)}
	for i := range ln.W.Data() {
		ln.W.Data()[i] = 1
	}
	return ln
}

func (l *LayerNorm) Forward(a *device.Arena, x *device.Tensor) *device.Tensor {
	return a.LayerNorm(x, l.W, l.B, layerNormEps)
}

// Output projects to the vocabulary and normalises in log space.
type Output struct {
	W *device.Tensor // [d, V]
}

func NewOutput(dim, vocab int, b device.Backend) *Output {
	return &Output{W: param(b, dim, vocab)}
}

func (o *Output) Forward(a *device.Arena, x *device.Tensor) *device.Tensor {
	return a.LogSoftmax(a.Linear(x, o.W, nil))
}
