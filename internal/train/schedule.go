package train

import (
	"fmt"
	"math"
)

// Schedule maps an update number, starting at 1, to a learning rate.
type Schedule interface {
	Rate(step int) float32
}

// ScheduleKind names a built-in schedule.
type ScheduleKind string

const (
	NoamSchedule     ScheduleKind = "noam"
	ConstantSchedule ScheduleKind = "constant"
	CosineSchedule   ScheduleKind = "cosine"
)

// ParseSchedule accepts noam, constant or cosine. Empty means noam.
func ParseSchedule(s string) (ScheduleKind, error) {
	switch ScheduleKind(s) {
	case "", NoamSchedule:
		return NoamSchedule, nil
	case ConstantSchedule, CosineSchedule:
		return ScheduleKind(s), nil
	}
	return "", fmt.Errorf("train: unknown schedule %q", s)
}

// Noam warms up linearly for Warmup steps and then decays with the inverse
// square root of the step, scaled by Dim^-0.5. Bias steepens both slopes.
type Noam struct {
	LRate  float32
	Bias   float32
	Dim    int
	Warmup int
}

func (n Noam) Rate(step int) float32 {
	s := float64(max(step, 1))
	w := float64(max(n.Warmup, 1))
	b := float64(n.Bias)
	decay := math.Pow(s, -0.5-b)
	warm := s * math.Pow(w, -1.5-b)
	return float32(float64(n.LRate) * math.Pow(float64(n.Dim), -0.5) * math.Min(decay, warm))
}

// Constant always returns LRate.
type Constant struct {
	LRate float32
}

func (c Constant) Rate(int) float32 { return c.LRate }

// WarmupCosine ramps linearly to Peak over Warmup steps, then follows a half
// cosine down to Min at Total. Past Total it stays at Min.
type WarmupCosine struct {
	Peak   float32
	Min    float32
	Warmup int
	Total  int
}

func (c WarmupCosine) Rate(step int) float32 {
	if step < c.Warmup {
		return c.Peak * float32(step) / float32(c.Warmup)
	}
	span := c.Total - c.Warmup
	if span <= 0 || step >= c.Total {
		if span <= 0 {
			return c.Peak
		}
		return c.Min
	}
	progress := float64(step-c.Warmup) / float64(span)
	cos := 0.5 * (1 + math.Cos(math.Pi*progress))
	return c.Min + (c.Peak-c.Min)*float32(cos)
}

// newSchedule builds the schedule named in cfg. dim is the model width.
func newSchedule(cfg Config, dim int) Schedule {
	kind, _ := ParseSchedule(cfg.Schedule)
	switch kind {
	case ConstantSchedule:
		return Constant{LRate: cfg.LRate}
	case CosineSchedule:
		total := cfg.Steps
		if total == 0 {
			total = 100 * max(cfg.Warmup, 1)
		}
		return WarmupCosine{Peak: cfg.LRate, Warmup: cfg.Warmup, Total: total}
	}
	return Noam{LRate: cfg.LRate, Bias: cfg.LRBias, Dim: dim, Warmup: cfg.Warmup}
}
