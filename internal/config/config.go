// Package config holds the run options shared by the config file and the
// command line. Keys are the same in both.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/model"
	"github.com/23skdu/longbow-t2t/internal/train"
)

// Options is the flat set of run options.
type Options struct {
	// Device
	Dev     int    `yaml:"dev"`
	Mem     bool   `yaml:"mem"`
	MemSize string `yaml:"memsize"`

	// Model
	LM       bool    `yaml:"lm"`
	MT       bool    `yaml:"mt"`
	D        int     `yaml:"d"`
	NHead    int     `yaml:"nhead"`
	NLayer   int     `yaml:"nlayer"`
	HSize    int     `yaml:"hsize"`
	VSize    int     `yaml:"vsize"`
	VSizeTgt int     `yaml:"vsizetgt"`
	MaxLen   int     `yaml:"maxlen"`
	Dropout  float64 `yaml:"dropout"`
	Seed     int64   `yaml:"seed"`

	// Batching
	SBatch       int    `yaml:"sbatch"`
	WBatch       int    `yaml:"wbatch"`
	SmallBatch   bool   `yaml:"smallbatch"`
	BigBatch     bool   `yaml:"bigbatch"`
	BufSize      int    `yaml:"bufsize"`
	LengthPolicy string `yaml:"lengthpolicy"`
	PadID        int    `yaml:"padid"`
	Sort         bool   `yaml:"sort"`
	RandBatch    bool   `yaml:"randbatch"`
	BucketSize   int    `yaml:"bucketsize"`
	DoubledEnd   bool   `yaml:"doubledend"`

	// Optimisation
	LRate          float64 `yaml:"lrate"`
	LRBias         float64 `yaml:"lrbias"`
	NWarmup        int     `yaml:"nwarmup"`
	Schedule       string  `yaml:"schedule"`
	Adam           bool    `yaml:"adam"`
	AdamBeta1      float64 `yaml:"adambeta1"`
	AdamBeta2      float64 `yaml:"adambeta2"`
	AdamDelta      float64 `yaml:"adamdelta"`
	LabelSmoothing float64 `yaml:"labelsmoothing"`
	NEpoch         int     `yaml:"nepoch"`
	NStep          int     `yaml:"nstep"`
	UpdateStep     int     `yaml:"updatestep"`
	Shuffle        bool    `yaml:"shuffle"`

	// Checkpoints and files
	NStepCheckpoint int      `yaml:"nstepcheckpoint"`
	EpochCheckpoint bool     `yaml:"epochcheckpoint"`
	Train           []string `yaml:"train"`
	Valid           []string `yaml:"valid"`
	Model           string   `yaml:"model"`
	InitModel       string   `yaml:"init-model"`

	LogLevel string `yaml:"log-level"`
	LogEvery int    `yaml:"logevery"`
}

// Default returns the base configuration.
func Default() Options {
	m := model.DefaultConfig()
	b := batch.DefaultConfig()
	t := train.DefaultConfig()
	return Options{
		Dev:     -1,
		MemSize: "1GB",

		D:       m.Dim,
		NHead:   m.Heads,
		NLayer:  m.Layers,
		HSize:   m.Hidden,
		VSize:   m.SrcVocab,
		MaxLen:  m.MaxLen,
		Dropout: float64(m.Dropout),

		WBatch:       b.WordBudget,
		SmallBatch:   true,
		BufSize:      b.BufSize,
		LengthPolicy: b.LengthPolicy.String(),
		PadID:        b.PadID,
		Sort:         b.Sort,

		LRate:          float64(t.LRate),
		NWarmup:        t.Warmup,
		Schedule:       t.Schedule,
		Adam:           t.Adam,
		AdamBeta1:      float64(t.AdamBeta1),
		AdamBeta2:      float64(t.AdamBeta2),
		AdamDelta:      float64(t.AdamDelta),
		LabelSmoothing: float64(t.LabelSmoothing),
		NEpoch:         t.Epochs,
		UpdateStep:     t.UpdateStep,

		Model:    "model.bin",
		LogLevel: "info",
		LogEvery: t.LogEvery,
	}
}

// LoadFile reads a yaml file over the defaults. Keys absent from the file
// keep their default values.
func LoadFile(path string) (Options, error) {
	o := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return o, nil
}

// Validate reports every configuration error found.
func (o Options) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if o.LM && o.MT {
		add("lm and mt are mutually exclusive")
	}
	if o.Dev < -1 {
		add("dev must be -1 (cpu) or a device index, got %d", o.Dev)
	}
	if o.NHead < 1 {
		add("nhead must be positive, got %d", o.NHead)
	} else if o.D%o.NHead != 0 {
		add("d=%d is not divisible by nhead=%d", o.D, o.NHead)
	}
	if o.VSize < 1 {
		add("vsize must be positive, got %d", o.VSize)
	}
	if o.MT && o.VSizeTgt < 1 {
		add("mt needs vsizetgt")
	}
	if o.PadID < 0 {
		add("padid must not be negative, got %d", o.PadID)
	}
	if o.VSize > 0 && o.PadID >= o.VSize {
		add("padid %d outside vocabulary of %d", o.PadID, o.VSize)
	}
	if o.MT && o.VSizeTgt > 0 && o.PadID >= o.VSizeTgt {
		add("padid %d outside target vocabulary of %d", o.PadID, o.VSizeTgt)
	}
	if o.SBatch <= 0 && o.WBatch <= 0 {
		add("need sbatch or wbatch")
	}
	if o.AdamBeta1 < 0 || o.AdamBeta1 >= 1 {
		add("adambeta1 %v outside [0,1)", o.AdamBeta1)
	}
	if o.AdamBeta2 < 0 || o.AdamBeta2 >= 1 {
		add("adambeta2 %v outside [0,1)", o.AdamBeta2)
	}
	if o.LabelSmoothing < 0 || o.LabelSmoothing >= 1 {
		add("labelsmoothing %v outside [0,1)", o.LabelSmoothing)
	}
	if _, err := train.ParseSchedule(o.Schedule); err != nil {
		errs = append(errs, err)
	}
	if _, err := batch.ParseLengthPolicy(o.LengthPolicy); err != nil {
		errs = append(errs, err)
	}
	if o.Mem {
		if _, err := ParseBytes(o.MemSize); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Corpora is the number of training files the variant reads.
func (o Options) Corpora() int {
	if o.MT {
		return 2
	}
	return 1
}

// ModelConfig converts the options for model.New.
func (o Options) ModelConfig() model.Config {
	return model.Config{
		Translation: o.MT,
		SrcVocab:    o.VSize,
		TgtVocab:    o.VSizeTgt,
		Dim:         o.D,
		Heads:       o.NHead,
		Layers:      o.NLayer,
		Hidden:      o.HSize,
		MaxLen:      o.MaxLen,
		Dropout:     float32(o.Dropout),
		Seed:        o.Seed,
	}
}

// BatchConfig converts the options for batch.NewLoader. bigbatch selects the
// real-word budget and takes precedence over smallbatch.
func (o Options) BatchConfig() (batch.Config, error) {
	policy, err := batch.ParseLengthPolicy(o.LengthPolicy)
	if err != nil {
		return batch.Config{}, err
	}
	kind := batch.PaddedWords
	if o.BigBatch {
		kind = batch.Words
	}
	return batch.Config{
		Translation:    o.MT,
		SentenceBudget: o.SBatch,
		WordBudget:     o.WBatch,
		WordKind:       kind,
		BufSize:        o.BufSize,
		MaxLen:         o.MaxLen,
		LengthPolicy:   policy,
		PadID:          o.PadID,
		SrcVocab:       o.VSize,
		TgtVocab:       o.VSizeTgt,
		Sort:           o.Sort,
		RandBatch:      o.RandBatch,
		BucketSize:     o.BucketSize,
		DoubledEnd:     o.DoubledEnd,
		Seed:           o.Seed,
	}, nil
}

// TrainConfig converts the options for train.New.
func (o Options) TrainConfig() train.Config {
	return train.Config{
		Epochs:          o.NEpoch,
		Steps:           o.NStep,
		UpdateStep:      o.UpdateStep,
		LabelSmoothing:  float32(o.LabelSmoothing),
		Adam:            o.Adam,
		AdamBeta1:       float32(o.AdamBeta1),
		AdamBeta2:       float32(o.AdamBeta2),
		AdamDelta:       float32(o.AdamDelta),
		Schedule:        o.Schedule,
		LRate:           float32(o.LRate),
		LRBias:          float32(o.LRBias),
		Warmup:          o.NWarmup,
		NStepCheckpoint: o.NStepCheckpoint,
		EpochCheckpoint: o.EpochCheckpoint,
		Shuffle:         o.Shuffle,
		Seed:            o.Seed,
		LogEvery:        o.LogEvery,
	}
}

// ReserveBytes is the scratch budget for the device backend, 0 when mem is
// off.
func (o Options) ReserveBytes() (int64, error) {
	if !o.Mem {
		return 0, nil
	}
	return ParseBytes(o.MemSize)
}
