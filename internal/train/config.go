// Package train runs the training and scoring loops over a model.
package train

import (
	"fmt"
)

// Config holds the optimisation and checkpoint parameters.
type Config struct {
	// Epochs caps the number of passes over the corpus.
	Epochs int
	// Steps caps the number of parameter updates. 0 means no cap.
	Steps int
	// UpdateStep is the number of batches whose gradients are summed before
	// an update.
	UpdateStep int

	LabelSmoothing float32

	Adam      bool
	AdamBeta1 float32
	AdamBeta2 float32
	AdamDelta float32

	Schedule string
	LRate    float32
	LRBias   float32
	Warmup   int

	// NStepCheckpoint writes a checkpoint every n updates. 0 disables it.
	NStepCheckpoint int
	EpochCheckpoint bool

	// Shuffle writes a shuffled copy of the corpus before each epoch.
	Shuffle bool
	Seed    int64

	// LogEvery is the number of updates between progress lines.
	LogEvery int
}

// DefaultConfig mirrors the usual Transformer base recipe.
func DefaultConfig() Config {
	return Config{
		Epochs:         50,
		UpdateStep:     1,
		LabelSmoothing: 0.1,
		Adam:           true,
		AdamBeta1:      0.9,
		AdamBeta2:      0.98,
		AdamDelta:      1e-9,
		Schedule:       "noam",
		LRate:          1,
		Warmup:         4000,
		LogEvery:       100,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Epochs < 1 {
		return fmt.Errorf("train: epochs must be positive, got %d", c.Epochs)
	}
	if c.Steps < 0 {
		return fmt.Errorf("train: steps must not be negative")
	}
	if c.UpdateStep < 1 {
		return fmt.Errorf("train: update step must be positive, got %d", c.UpdateStep)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return fmt.Errorf("train: label smoothing %v outside [0,1)", c.LabelSmoothing)
	}
	if c.Adam {
		if c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 {
			return fmt.Errorf("train: adam beta1 %v outside [0,1)", c.AdamBeta1)
		}
		if c.AdamBeta2 < 0 || c.AdamBeta2 >= 1 {
			return fmt.Errorf("train: adam beta2 %v outside [0,1)", c.AdamBeta2)
		}
		if c.AdamDelta <= 0 {
			return fmt.Errorf("train: adam delta must be positive")
		}
	}
	if c.LRate <= 0 {
		return fmt.Errorf("train: learning rate must be positive")
	}
	if c.NStepCheckpoint < 0 {
		return fmt.Errorf("train: checkpoint interval must not be negative")
	}
	if _, err := ParseSchedule(c.Schedule); err != nil {
		return err
	}
	return nil
}
