package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/device"
)

// Config holds the Transformer hyperparameters.
type Config struct {
	Translation bool

	// SrcVocab is the encoder (or LM) vocabulary; TgtVocab the decoder one.
	SrcVocab int
	TgtVocab int

	Dim     int
	Heads   int
	Layers  int
	Hidden  int
	MaxLen  int
	Dropout float32
	Seed    int64
}

// DefaultConfig returns the base Transformer configuration.
func DefaultConfig() Config {
	return Config{
		SrcVocab: 34040,
		Dim:      512,
		Heads:    8,
		Layers:   6,
		Hidden:   2048,
		MaxLen:   4096,
		Dropout:  0.1,
	}
}

// DefaultTinyConfig returns a configuration small enough for tests and smoke
// runs.
func DefaultTinyConfig() Config {
	return Config{
		SrcVocab: 64,
		Dim:      16,
		Heads:    2,
		Layers:   1,
		Hidden:   32,
		MaxLen:   64,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SrcVocab < 1:
		return fmt.Errorf("model: vocabulary size must be positive, got %d", c.SrcVocab)
	case c.Translation && c.TgtVocab < 1:
		return fmt.Errorf("model: translation needs a target vocabulary size")
	case c.Dim < 1 || c.Heads < 1 || c.Dim%c.Heads != 0:
		return fmt.Errorf("model: dim %d is not divisible by %d heads", c.Dim, c.Heads)
	case c.Layers < 1:
		return fmt.Errorf("model: need at least one layer, got %d", c.Layers)
	case c.Hidden < 1:
		return fmt.Errorf("model: hidden size must be positive, got %d", c.Hidden)
	case c.MaxLen < 1:
		return fmt.Errorf("model: max length must be positive, got %d", c.MaxLen)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("model: dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

// OutputVocab is the size of the output distribution.
func (c Config) OutputVocab() int {
	if c.Translation {
		return c.TgtVocab
	}
	return c.SrcVocab
}

// Network is a model variant: *LanguageModel or *Translation.
type Network interface {
	network()
}

// Model owns a network and its parameters. The backend is shared with the
// caller and outlives the model.
type Model struct {
	Config  Config
	Backend device.Backend
	Net     Network
}

// New builds a model with initialised parameters.
func New(cfg Config, b device.Backend) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	drop := &dropout{p: cfg.Dropout, rng: rand.New(rand.NewSource(cfg.Seed))}
	initRNG := rand.New(rand.NewSource(cfg.Seed + 1))

	m := &Model{Config: cfg, Backend: b}
	enc := NewEncoder(cfg, cfg.SrcVocab, b, drop)
	out := NewOutput(cfg.Dim, cfg.OutputVocab(), b)
	if cfg.Translation {
		m.Net = &Translation{Encoder: enc, Decoder: NewDecoder(cfg, b, drop), Output: out}
	} else {
		m.Net = &LanguageModel{Encoder: enc, Output: out}
	}
	m.initWeights(initRNG)
	log.Debug().Bool("translation", cfg.Translation).Int("dim", cfg.Dim).Int("layers", cfg.Layers).
		Int("heads", cfg.Heads).Msg("Model created")
	return m, nil
}

// Encoder returns the encoder of either variant.
func (m *Model) Encoder() *Encoder {
	switch n := m.Net.(type) {
	case *LanguageModel:
		return n.Encoder
	case *Translation:
		return n.Encoder
	}
	return nil
}

// Output returns the output projection of either variant.
func (m *Model) Output() *Output {
	switch n := m.Net.(type) {
	case *LanguageModel:
		return n.Output
	case *Translation:
		return n.Output
	}
	return nil
}

// Forward runs the network on a batch and returns log-probabilities
// [B, goldLen, V].
func (m *Model) Forward(a *device.Arena, b *batch.Batch, training bool) *device.Tensor {
	switch n := m.Net.(type) {
	case *LanguageModel:
		if b.Translation() {
			log.Panic().Msg("language model given a translation batch")
		}
		return n.Forward(a, b.Input, b.InputPad, training)
	case *Translation:
		if !b.Translation() {
			log.Panic().Msg("translation model given a language-model batch")
		}
		return n.Forward(a, b.Input, b.DecInput, b.InputPad, b.DecPad, training)
	}
	log.Panic().Type("network", m.Net).Msg("unknown network variant")
	return nil
}

func (m *Model) initWeights(r *rand.Rand) {
	initStack := func(e *Embedding, layers []*Layer) {
		normalInit(e.W, r, float32(math.Pow(float64(m.Config.Dim), -0.5)))
		for _, l := range layers {
			xavierInit(l.Att.WBig, r)
			xavierInit(l.Att.WA, r)
			if l.EnDe != nil {
				xavierInit(l.EnDe.WK, r)
				xavierInit(l.EnDe.WQ, r)
				xavierInit(l.EnDe.WV, r)
				xavierInit(l.EnDe.WA, r)
			}
			xavierInit(l.FNN.W1, r)
			xavierInit(l.FNN.W2, r)
		}
	}
	enc := m.Encoder()
	initStack(enc.Embedding, enc.Layers)
	if t, ok := m.Net.(*Translation); ok {
		initStack(t.Decoder.Embedding, t.Decoder.Layers)
	}
	xavierInit(m.Output().W, r)
}

// xavierInit fills a matrix with Xavier/Glorot uniform values.
func xavierInit(t *device.Tensor, r *rand.Rand) {
	rows, cols := t.Dim(0), t.Dim(-1)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := t.Data()
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * limit)
	}
}

func normalInit(t *device.Tensor, r *rand.Rand, std float32) {
	data := t.Data()
	for i := range data {
		data[i] = float32(r.NormFloat64()) * std
	}
}

// dropout is shared by all layers of a model so a single seed makes training
// reproducible.
type dropout struct {
	p   float32
	rng *rand.Rand
}

func (d *dropout) apply(a *device.Arena, x *device.Tensor, training bool) *device.Tensor {
	if !training || d == nil || d.p <= 0 {
		return x
	}
	return a.Dropout(x, d.p, d.rng)
}
