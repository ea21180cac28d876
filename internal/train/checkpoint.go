package train

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-t2t/internal/model"
	"github.com/23skdu/longbow-t2t/internal/params"
)

// Metadata is the JSON sidecar written next to every artifact.
type Metadata struct {
	RunID           string       `json:"run_id"`
	Label           string       `json:"label"`
	ID              int          `json:"id,omitempty"`
	Step            int          `json:"step"`
	Epoch           int          `json:"epoch"`
	Optimizer       string       `json:"optimizer"`
	LearningRate    float32      `json:"learning_rate"`
	LossPerWord     float64      `json:"loss_per_word,omitempty"`
	ValidPerplexity float64      `json:"valid_perplexity,omitempty"`
	Parameters      int          `json:"parameters"`
	Model           model.Config `json:"model"`
	Time            time.Time    `json:"time"`
}

// ReadMetadata decodes a sidecar file.
func ReadMetadata(path string) (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return md, nil
}

// CheckpointPath names the checkpoint of base for a label and id, such as
// model.bin.step.0100.
func CheckpointPath(base, label string, id int) string {
	return fmt.Sprintf("%s.%s.%04d", base, label, id)
}

// MakeCheckpoint writes the parameters, optimizer state and metadata under
// CheckpointPath(d.Model, label, id). When d.Valid is set the checkpoint is
// scored first; scoring never changes the parameters.
func (t *Trainer) MakeCheckpoint(ctx context.Context, d Data, label string, id int) error {
	return t.makeCheckpoint(ctx, d, label, id, len(d.Valid) > 0)
}

func (t *Trainer) makeCheckpoint(ctx context.Context, d Data, label string, id int, validate bool) error {
	ctx, span := tracer.Start(ctx, "train.checkpoint", trace.WithAttributes(
		attribute.String("label", label),
		attribute.Int("id", id),
	))
	defer span.End()

	md := Metadata{Label: label, ID: id}
	if validate {
		ppl, err := t.Validate(ctx, d.Valid)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("validation at %s %d: %w", label, id, err)
		}
		md.ValidPerplexity = ppl
		validPerplexity.Set(ppl)
		log.Info().Str("label", label).Int("id", id).Float64("ppl", ppl).Msg("Validation")
	}
	path := CheckpointPath(d.Model, label, id)
	if err := t.save(path, md); err != nil {
		span.RecordError(err)
		return err
	}
	checkpointsTotal.WithLabelValues(label).Inc()
	log.Info().Str("path", path).Int("step", t.step).Msg("Checkpoint written")
	return nil
}

// save writes the artifact, the Adam state when used and the metadata.
func (t *Trainer) save(path string, md Metadata) error {
	if err := params.SaveFile(path, t.params); err != nil {
		return err
	}
	if adam, ok := t.opt.(*Adam); ok {
		if err := adam.SaveFile(path + ".adam"); err != nil {
			return err
		}
	}
	md.RunID = t.runID.String()
	md.Step = t.step
	md.Epoch = t.epoch
	md.Optimizer = t.opt.Name()
	md.LearningRate = t.lr
	md.Parameters = t.params.Size()
	md.Model = t.model.Config
	md.Time = time.Now().UTC()
	return params.WriteFileAtomic(path+".json", func(w io.Writer) error {
		data, err := json.MarshalIndent(md, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		_, err = w.Write(data)
		return err
	})
}
