package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/model"
	"github.com/23skdu/longbow-t2t/internal/params"
)

var tracer = otel.Tracer("t2t-train")

var errStepLimit = errors.New("step limit reached")

// Data names the files a training run reads and writes.
type Data struct {
	// Train holds one corpus for a language model, source and target for
	// translation.
	Train []string
	// Valid is scored at every checkpoint when set.
	Valid []string
	// Model is the output artifact. Checkpoints are written next to it.
	Model string
	// TempDir receives shuffled corpus copies. Empty means os.TempDir.
	TempDir string
}

// Summary describes a finished run.
type Summary struct {
	Epochs      int
	Steps       int
	Words       int
	LossPerWord float64
}

// Trainer owns the optimisation state of one model.
type Trainer struct {
	cfg      Config
	batchCfg batch.Config
	model    *model.Model
	params   *params.Registry
	opt      Optimizer
	sched    Schedule
	runID    uuid.UUID
	rng      *rand.Rand

	step    int
	epoch   int
	pending int
	lr      float32

	// window accumulates loss between progress lines
	windowLogP  float64
	windowWords int
}

// New prepares a trainer. The batch configuration must describe the same
// variant as the model.
func New(cfg Config, bcfg batch.Config, m *model.Model) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bcfg.Translation != m.Config.Translation {
		return nil, fmt.Errorf("train: batch translation=%v but model translation=%v", bcfg.Translation, m.Config.Translation)
	}
	if bcfg.SrcVocab == 0 {
		bcfg.SrcVocab = m.Config.SrcVocab
	}
	if bcfg.Translation && bcfg.TgtVocab == 0 {
		bcfg.TgtVocab = m.Config.TgtVocab
	}
	if err := bcfg.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:      cfg,
		batchCfg: bcfg,
		model:    m,
		params:   params.Collect(m),
		opt:      newOptimizer(cfg),
		sched:    newSchedule(cfg, m.Config.Dim),
		runID:    uuid.New(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// RunID identifies this run in logs and checkpoint metadata.
func (t *Trainer) RunID() uuid.UUID { return t.runID }

func (t *Trainer) Params() *params.Registry { return t.params }

func (t *Trainer) Optimizer() Optimizer { return t.opt }

// Steps is the number of updates applied so far.
func (t *Trainer) Steps() int { return t.step }

// Resume loads a model artifact and, when present, the optimizer state and
// metadata written beside it.
func (t *Trainer) Resume(path string) error {
	if err := params.LoadFile(path, t.params); err != nil {
		return err
	}
	if adam, ok := t.opt.(*Adam); ok {
		found, err := adam.LoadFile(path+".adam", t.params)
		if err != nil {
			return err
		}
		if found {
			t.step = adam.Steps()
		}
	}
	md, err := ReadMetadata(path + ".json")
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		t.step, t.epoch = md.Step, md.Epoch
	}
	log.Info().Str("model", path).Int("step", t.step).Int("epoch", t.epoch).Msg("Resumed from artifact")
	return nil
}

func (t *Trainer) corpora(paths []string) ([]batch.Corpus, error) {
	want := 1
	if t.batchCfg.Translation {
		want = 2
	}
	if len(paths) != want {
		return nil, fmt.Errorf("train: need %d corpus files, got %d", want, len(paths))
	}
	out := make([]batch.Corpus, len(paths))
	for i, p := range paths {
		out[i] = batch.File(p)
	}
	return out, nil
}

// Train runs epochs until the epoch or step limit and writes the final
// artifact to d.Model. A cancelled context writes an "interrupted"
// checkpoint before returning the context's error.
func (t *Trainer) Train(ctx context.Context, d Data) (Summary, error) {
	if _, err := t.corpora(d.Train); err != nil {
		return Summary{}, err
	}
	if d.Model == "" {
		return Summary{}, fmt.Errorf("train: no model path")
	}
	log.Info().
		Str("run_id", t.runID.String()).
		Int("params", t.params.Size()).
		Str("optimizer", t.opt.Name()).
		Bool("translation", t.batchCfg.Translation).
		Msg("Starting training")

	start := time.Now()
	var sum Summary
	for t.epoch < t.cfg.Epochs {
		epoch := t.epoch + 1
		logp, words, err := t.runEpoch(ctx, d, epoch)
		sum.Words += words
		if words > 0 {
			sum.LossPerWord = -logp / float64(words)
		}
		if errors.Is(err, errStepLimit) {
			t.epoch = epoch
			log.Info().Int("step", t.step).Msg("Reached step limit")
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				cerr := t.makeCheckpoint(context.WithoutCancel(ctx), d, "interrupted", t.step, false)
				if cerr != nil {
					log.Error().Err(cerr).Msg("Failed to write interrupted checkpoint")
				}
			}
			return sum, err
		}
		t.epoch = epoch

		log.Info().
			Int("epoch", epoch).
			Int("step", t.step).
			Int("words", words).
			Float64("loss", sum.LossPerWord).
			Float64("ppl", math.Exp(sum.LossPerWord)).
			Dur("elapsed", time.Since(start)).
			Msg("Finished epoch")

		if t.cfg.EpochCheckpoint {
			if err := t.MakeCheckpoint(ctx, d, "epoch", epoch); err != nil {
				return sum, err
			}
		}
	}
	sum.Epochs, sum.Steps = t.epoch, t.step

	if err := t.save(d.Model, Metadata{Label: "final", LossPerWord: sum.LossPerWord}); err != nil {
		return sum, err
	}
	log.Info().Str("model", d.Model).Int("step", t.step).Dur("elapsed", time.Since(start)).Msg("Training finished")
	return sum, nil
}

func (t *Trainer) runEpoch(ctx context.Context, d Data, epoch int) (logp float64, words int, err error) {
	ctx, span := tracer.Start(ctx, "train.epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer span.End()

	paths := d.Train
	if t.cfg.Shuffle {
		shuffled, err := batch.ShuffleFiles(paths, d.TempDir, t.rng)
		if err != nil {
			return 0, 0, err
		}
		defer func() {
			for _, p := range shuffled {
				os.Remove(p)
			}
		}()
		paths = shuffled
	}
	corpora, err := t.corpora(paths)
	if err != nil {
		return 0, 0, err
	}
	l, err := batch.NewLoader(t.batchCfg, corpora...)
	if err != nil {
		return 0, 0, err
	}
	defer l.Close()

	for {
		if err := ctx.Err(); err != nil {
			return logp, words, err
		}
		lp, w, err := t.trainBatch(l)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return logp, words, err
		}
		logp += lp
		words += w

		t.pending++
		if t.pending == t.cfg.UpdateStep {
			if err := t.update(ctx, d); err != nil {
				return logp, words, err
			}
			if t.cfg.Steps > 0 && t.step >= t.cfg.Steps {
				return logp, words, errStepLimit
			}
		}
	}
	if t.pending > 0 {
		if err := t.update(ctx, d); err != nil {
			return logp, words, err
		}
	}
	span.SetAttributes(attribute.Int("words", words), attribute.Int("step", t.step))
	return logp, words, nil
}

// trainBatch runs forward and backward on the next batch, accumulating
// parameter gradients. It returns the gold log probability and word count.
func (t *Trainer) trainBatch(l *batch.Loader) (float64, int, error) {
	a := device.NewArena(t.model.Backend)
	defer a.Release()

	b, err := l.NextBatch(a)
	if err != nil {
		return 0, 0, err
	}
	timer := prometheus.NewTimer(batchDuration)
	defer timer.ObserveDuration()

	out := t.model.Forward(a, b, true)
	lp := t.backward(a, b, out)

	wordsTotal.Add(float64(b.Words))
	if b.Words > 0 {
		lossPerWord.Set(-lp / float64(b.Words))
	}
	t.windowLogP += lp
	t.windowWords += b.Words
	return lp, b.Words, nil
}

// backward computes the smoothed, padded, per-token cross entropy of out and
// propagates it. It returns the unsmoothed gold log probability.
func (t *Trainer) backward(a *device.Arena, b *batch.Batch, out *device.Tensor) float64 {
	width := b.GoldLen()
	var lp float64
	for r := 0; r < b.Size; r++ {
		x, _ := goldLogProb(out, b.Gold, b.GoldPad, r, width)
		lp += x
	}

	gold := a.OneHot(b.Gold, t.model.Config.OutputVocab(), b.Size, width)
	gold = LabelSmooth(a, gold, t.cfg.LabelSmoothing)
	out, gold = PadOutput(a, out, gold, b.GoldPad)
	gold = RescaleOutput(a, gold, b.GoldPad)
	a.Backward(a.CrossEntropy(out, gold))
	return lp
}

func (t *Trainer) update(ctx context.Context, d Data) error {
	_, span := tracer.Start(ctx, "train.update")
	t.lr = t.sched.Rate(t.step + 1)
	t.opt.Update(t.params, t.lr)
	t.params.ZeroGrad()
	t.step++
	t.pending = 0
	span.SetAttributes(attribute.Int("step", t.step), attribute.Float64("lr", float64(t.lr)))
	span.End()

	updatesTotal.Inc()
	learningRate.Set(float64(t.lr))

	if t.cfg.LogEvery > 0 && t.step%t.cfg.LogEvery == 0 && t.windowWords > 0 {
		loss := -t.windowLogP / float64(t.windowWords)
		log.Info().
			Int("step", t.step).
			Float64("lr", float64(t.lr)).
			Float64("loss", loss).
			Float64("ppl", math.Exp(loss)).
			Int("words", t.windowWords).
			Msg("Training progress")
		t.windowLogP, t.windowWords = 0, 0
	}

	if t.cfg.NStepCheckpoint > 0 && t.step%t.cfg.NStepCheckpoint == 0 {
		return t.MakeCheckpoint(ctx, d, "step", t.step)
	}
	return nil
}
