package model

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/mask"
)

// Layer is a post-norm Transformer block. EnDe and EnDeLN are set for
// decoder layers only.
type Layer struct {
	FNN    *FNN
	EnDe   *CrossAttention
	EnDeLN *LayerNorm
	Att    *SelfAttention
	FNNLN  *LayerNorm
	AttLN  *LayerNorm
}

func newLayer(cfg Config, b device.Backend, decoder bool) *Layer {
	l := &Layer{
		FNN:   NewFNN(cfg.Dim, cfg.Hidden, b),
		Att:   NewSelfAttention(cfg.Dim, cfg.Heads, b),
		FNNLN: NewLayerNorm(cfg.Dim, b),
		AttLN: NewLayerNorm(cfg.Dim, b),
	}
	if decoder {
		l.EnDe = NewCrossAttention(cfg.Dim, cfg.Heads, b)
		l.EnDeLN = NewLayerNorm(cfg.Dim, b)
	}
	return l
}

// residual computes LN(x + dropout(y)).
func residual(a *device.Arena, ln *LayerNorm, x, y *device.Tensor, drop *dropout, training bool) *device.Tensor {
	return ln.Forward(a, a.Add(x, drop.apply(a, y, training)))
}

// Encoder is the embedding plus a stack of self-attention layers. A language
// model uses it alone with a causal mask.
type Encoder struct {
	Embedding *Embedding
	Layers    []*Layer
	drop      *dropout
}

func NewEncoder(cfg Config, vocab int, b device.Backend, drop *dropout) *Encoder {
	e := &Encoder{Embedding: NewEmbedding(vocab, cfg.Dim, cfg.MaxLen, b), drop: drop}
	for i := 0; i < cfg.Layers; i++ {
		e.Layers = append(e.Layers, newLayer(cfg, b, false))
	}
	return e
}

// Encode embeds ids [bs, length] and runs the stack under the given mask.
func (e *Encoder) Encode(a *device.Arena, ids []int, bs, length int, m *mask.Mask, training bool) *device.Tensor {
	timer := prometheus.NewTimer(layerDuration.WithLabelValues("encoder"))
	defer timer.ObserveDuration()

	x := e.drop.apply(a, e.Embedding.Forward(a, ids, bs, length), training)
	for _, l := range e.Layers {
		x = residual(a, l.AttLN, x, l.Att.Forward(a, x, m), e.drop, training)
		x = residual(a, l.FNNLN, x, l.FNN.Forward(a, x), e.drop, training)
	}
	return x
}

// Decoder adds encoder-decoder attention between self-attention and the
// feed-forward block.
type Decoder struct {
	Embedding *Embedding
	Layers    []*Layer
	drop      *dropout
}

func NewDecoder(cfg Config, b device.Backend, drop *dropout) *Decoder {
	d := &Decoder{Embedding: NewEmbedding(cfg.TgtVocab, cfg.Dim, cfg.MaxLen, b), drop: drop}
	for i := 0; i < cfg.Layers; i++ {
		d.Layers = append(d.Layers, newLayer(cfg, b, true))
	}
	return d
}

// Decode runs the decoder stack on ids [bs, length] against the encoder
// output.
func (d *Decoder) Decode(a *device.Arena, ids []int, bs, length int, enc *device.Tensor,
	selfMask, crossMask *mask.Mask, training bool) *device.Tensor {
	timer := prometheus.NewTimer(layerDuration.WithLabelValues("decoder"))
	defer timer.ObserveDuration()

	x := d.drop.apply(a, d.Embedding.Forward(a, ids, bs, length), training)
	for _, l := range d.Layers {
		x = residual(a, l.AttLN, x, l.Att.Forward(a, x, selfMask), d.drop, training)
		x = residual(a, l.EnDeLN, x, l.EnDe.Forward(a, x, enc, crossMask), d.drop, training)
		x = residual(a, l.FNNLN, x, l.FNN.Forward(a, x), d.drop, training)
	}
	return x
}

// LanguageModel is a single causal stack with an output projection.
type LanguageModel struct {
	Encoder *Encoder
	Output  *Output
}

func (*LanguageModel) network() {}

// Forward returns log-probabilities [B, L, V] for input ids [B, L] with the
// given padding indicator.
func (lm *LanguageModel) Forward(a *device.Arena, input []int, padding *device.Tensor, training bool) *device.Tensor {
	bs, length := padding.Dim(0), padding.Dim(1)
	heads := lm.Encoder.Layers[0].Att.heads
	self := mask.SelfMask(a, padding, heads)
	return project(a, lm.Output, lm.Encoder.Encode(a, input, bs, length, self, training))
}

// Translation is an encoder-decoder network.
type Translation struct {
	Encoder *Encoder
	Decoder *Decoder
	Output  *Output
}

func (*Translation) network() {}

// Forward returns log-probabilities [B, Ldec, V].
func (t *Translation) Forward(a *device.Arena, encIn, decIn []int, encPad, decPad *device.Tensor, training bool) *device.Tensor {
	bs, srcLen := encPad.Dim(0), encPad.Dim(1)
	tgtLen := decPad.Dim(1)
	heads := t.Encoder.Layers[0].Att.heads

	encMask := mask.Padding(a, encPad, heads)
	selfMask := mask.SelfMask(a, decPad, heads)
	crossMask := mask.Cross(a, encPad, heads, tgtLen)

	enc := t.Encoder.Encode(a, encIn, bs, srcLen, encMask, training)
	dec := t.Decoder.Decode(a, decIn, bs, tgtLen, enc, selfMask, crossMask, training)
	return project(a, t.Output, dec)
}

func project(a *device.Arena, o *Output, x *device.Tensor) *device.Tensor {
	timer := prometheus.NewTimer(layerDuration.WithLabelValues("output"))
	defer timer.ObserveDuration()
	return o.Forward(a, x)
}
