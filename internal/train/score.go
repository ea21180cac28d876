package train

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/device"
)

// Score is the log probability a model assigns to one corpus sequence.
type Score struct {
	Seq     int
	LogProb float64
	Words   int
}

// Report holds per-sequence scores in corpus order.
type Report struct {
	Scores  []Score
	LogProb float64
	Words   int
}

// Perplexity is exp(-LogProb/Words) over the whole corpus.
func (r *Report) Perplexity() float64 {
	if r.Words == 0 {
		return math.Inf(1)
	}
	return math.Exp(-r.LogProb / float64(r.Words))
}

// Test scores every sequence of the corpora without dropout or updates.
func (t *Trainer) Test(ctx context.Context, corpora ...batch.Corpus) (*Report, error) {
	ctx, span := tracer.Start(ctx, "train.test")
	defer span.End()

	l, err := batch.NewLoader(t.batchCfg, corpora...)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	rep := &Report{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := t.scoreBatch(l, rep)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if done {
			break
		}
	}
	slices.SortFunc(rep.Scores, func(x, y Score) int { return x.Seq - y.Seq })
	span.SetAttributes(attribute.Int("sequences", len(rep.Scores)), attribute.Int("words", rep.Words))
	log.Debug().Int("sequences", len(rep.Scores)).Float64("ppl", rep.Perplexity()).Msg("Scored corpus")
	return rep, nil
}

func (t *Trainer) scoreBatch(l *batch.Loader, rep *Report) (bool, error) {
	a := device.NewArena(t.model.Backend)
	defer a.Release()

	b, err := l.NextBatch(a)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	out := t.model.Forward(a, b, false)
	width := b.GoldLen()
	for r := 0; r < b.Size; r++ {
		lp, words := goldLogProb(out, b.Gold, b.GoldPad, r, width)
		rep.Scores = append(rep.Scores, Score{Seq: b.Seqs[r], LogProb: lp, Words: words})
		rep.LogProb += lp
		rep.Words += words
	}
	return false, nil
}

// Validate returns the perplexity of the model on the given corpus files.
func (t *Trainer) Validate(ctx context.Context, paths []string) (float64, error) {
	corpora, err := t.corpora(paths)
	if err != nil {
		return 0, err
	}
	rep, err := t.Test(ctx, corpora...)
	if err != nil {
		return 0, err
	}
	return rep.Perplexity(), nil
}
