package train

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-t2t/internal/params"
)

// Optimizer applies one update to every parameter from its accumulated
// gradient.
type Optimizer interface {
	Name() string
	Update(r *params.Registry, lr float32)
}

// SGD is plain gradient descent.
type SGD struct{}

func (SGD) Name() string { return "sgd" }

func (SGD) Update(r *params.Registry, lr float32) {
	for _, t := range r.All() {
		p, g := t.Data(), t.Grad()
		if g == nil {
			continue
		}
		for i := range p {
			p[i] -= lr * g[i]
		}
	}
}

// Adam keeps first and second moment estimates per parameter name. The bias
// correction terms advance once per update.
type Adam struct {
	Beta1, Beta2, Delta float32

	state AdamState
}

// AdamState is the persisted part of Adam.
type AdamState struct {
	Step   int                  `cbor:"step"`
	Beta1T float64              `cbor:"beta1t"`
	Beta2T float64              `cbor:"beta2t"`
	M      map[string][]float32 `cbor:"m"`
	V      map[string][]float32 `cbor:"v"`
}

func NewAdam(beta1, beta2, delta float32) *Adam {
	return &Adam{
		Beta1: beta1,
		Beta2: beta2,
		Delta: delta,
		state: AdamState{
			Beta1T: 1,
			Beta2T: 1,
			M:      make(map[string][]float32),
			V:      make(map[string][]float32),
		},
	}
}

func (*Adam) Name() string { return "adam" }

// Steps is the number of updates applied so far.
func (o *Adam) Steps() int { return o.state.Step }

// Moments returns the moment buffers of a parameter, or nil before its
// first update.
func (o *Adam) Moments(name string) (m, v []float32) {
	return o.state.M[name], o.state.V[name]
}

func (o *Adam) Update(r *params.Registry, lr float32) {
	s := &o.state
	s.Step++
	s.Beta1T *= float64(o.Beta1)
	s.Beta2T *= float64(o.Beta2)
	c1 := 1 - s.Beta1T
	c2 := 1 - s.Beta2T
	b1, b2 := o.Beta1, o.Beta2

	for name, t := range r.All() {
		p, g := t.Data(), t.Grad()
		if g == nil {
			continue
		}
		m, ok := s.M[name]
		if !ok {
			m = make([]float32, len(p))
			s.M[name] = m
		}
		v, ok := s.V[name]
		if !ok {
			v = make([]float32, len(p))
			s.V[name] = v
		}
		for i, gi := range g {
			m[i] = b1*m[i] + (1-b1)*gi
			v[i] = b2*v[i] + (1-b2)*gi*gi
			mh := float64(m[i]) / c1
			vh := float64(v[i]) / c2
			p[i] -= float32(float64(lr) * mh / (math.Sqrt(vh) + float64(o.Delta)))
		}
	}
}

// Save writes the optimizer state as CBOR.
func (o *Adam) Save(w io.Writer) error {
	if err := cbor.NewEncoder(w).Encode(o.state); err != nil {
		return fmt.Errorf("failed to write adam state: %w", err)
	}
	return nil
}

// Load replaces the optimizer state. Every moment buffer must match a
// parameter of r in size.
func (o *Adam) Load(rd io.Reader, r *params.Registry) error {
	var s AdamState
	if err := params.DecMode.NewDecoder(rd).Decode(&s); err != nil {
		return fmt.Errorf("failed to read adam state: %w", err)
	}
	for _, buf := range []map[string][]float32{s.M, s.V} {
		for name, x := range buf {
			t, ok := r.Get(name)
			if !ok {
				return fmt.Errorf("adam state has unknown parameter %s", name)
			}
			if len(x) != t.Size() {
				return fmt.Errorf("adam state for %s has %d values, want %d", name, len(x), t.Size())
			}
		}
	}
	if s.M == nil {
		s.M = make(map[string][]float32)
	}
	if s.V == nil {
		s.V = make(map[string][]float32)
	}
	o.state = s
	return nil
}

// SaveFile writes the state atomically.
func (o *Adam) SaveFile(path string) error {
	return params.WriteFileAtomic(path, o.Save)
}

// LoadFile reads the state from path. A missing file leaves the state
// untouched and reports false.
func (o *Adam) LoadFile(path string, r *params.Registry) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open optimizer state: %w", err)
	}
	defer f.Close()
	if err := o.Load(f, r); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

func newOptimizer(cfg Config) Optimizer {
	if cfg.Adam {
		return NewAdam(cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamDelta)
	}
	return SGD{}
}
