// Package params keeps the ordered table of trainable tensors and its
// on-disk artifact.
package params

import (
	"fmt"
	"iter"

	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/model"
)

// Registry is an insertion-ordered table of named parameters. Its order is the
// artifact order.
type Registry struct {
	names   []string
	tensors map[string]*device.Tensor
}

func NewRegistry() *Registry {
	return &Registry{tensors: make(map[string]*device.Tensor)}
}

// Add appends a parameter. Names are unique.
func (r *Registry) Add(name string, t *device.Tensor) error {
	if _, ok := r.tensors[name]; ok {
		return fmt.Errorf("params: duplicate parameter %q", name)
	}
	r.names = append(r.names, name)
	r.tensors[name] = t
	return nil
}

func (r *Registry) mustAdd(name string, t *device.Tensor) {
	if err := r.Add(name, t); err != nil {
		panic(err)
	}
}

// Get looks up a parameter by name.
func (r *Registry) Get(name string) (*device.Tensor, bool) {
	t, ok := r.tensors[name]
	return t, ok
}

// Names returns the parameter names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len is the number of parameters.
func (r *Registry) Len() int { return len(r.names) }

// Size is the total number of elements over all parameters.
func (r *Registry) Size() int {
	n := 0
	for _, t := range r.tensors {
		n += t.Size()
	}
	return n
}

// All iterates the parameters in order.
func (r *Registry) All() iter.Seq2[string, *device.Tensor] {
	return func(yield func(string, *device.Tensor) bool) {
		for _, name := range r.names {
			if !yield(name, r.tensors[name]) {
				return
			}
		}
	}
}

// ZeroGrad clears every gradient buffer.
func (r *Registry) ZeroGrad() {
	for _, t := range r.tensors {
		t.ZeroGrad()
	}
}

// Collect enumerates the parameters of m: the output projection, then each
// encoder layer, the encoder embedding and, for translation, each decoder
// layer and the decoder embedding.
func Collect(m *model.Model) *Registry {
	r := NewRegistry()
	r.mustAdd("output.w", m.Output().W)

	enc := m.Encoder()
	for i, l := range enc.Layers {
		p := fmt.Sprintf("encoder.%d.", i)
		addFNN(r, p, l.FNN)
		addSelfAttention(r, p, l.Att)
		addLayerNorm(r, p+"fnnln.", l.FNNLN)
		addLayerNorm(r, p+"attln.", l.AttLN)
	}
	r.mustAdd("encoder.embedding.w", enc.Embedding.W)

	if t, ok := m.Net.(*model.Translation); ok {
		for i, l := range t.Decoder.Layers {
			p := fmt.Sprintf("decoder.%d.", i)
			addFNN(r, p, l.FNN)
			r.mustAdd(p+"ende.wk", l.EnDe.WK)
			r.mustAdd(p+"ende.wq", l.EnDe.WQ)
			r.mustAdd(p+"ende.wv", l.EnDe.WV)
			r.mustAdd(p+"ende.wa", l.EnDe.WA)
			addLayerNorm(r, p+"endeln.", l.EnDeLN)
			addSelfAttention(r, p, l.Att)
			addLayerNorm(r, p+"fnnln.", l.FNNLN)
			addLayerNorm(r, p+"attln.", l.AttLN)
		}
		r.mustAdd("decoder.embedding.w", t.Decoder.Embedding.W)
	}
	return r
}

func addFNN(r *Registry, p string, f *model.FNN) {
	r.mustAdd(p+"fnn.w1", f.W1)
	r.mustAdd(p+"fnn.b1", f.B1)
	r.mustAdd(p+"fnn.w2", f.W2)
	r.mustAdd(p+"fnn.b2", f.B2)
}

func addSelfAttention(r *Registry, p string, s *model.SelfAttention) {
	r.mustAdd(p+"att.wbig", s.WBig)
	r.mustAdd(p+"att.wa", s.WA)
}

func addLayerNorm(r *Registry, p string, ln *model.LayerNorm) {
	r.mustAdd(p+"w", ln.W)
	r.mustAdd(p+"b", ln.B)
}
