package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/client"
	"github.com/23skdu/longbow-t2t/internal/params"
)

func testCmd() *cli.Command {
	flags := append(optionFlags(),
		&cli.StringSliceFlag{Name: "input", Usage: "corpus to score (source then target for mt)", Required: true},
		&cli.StringFlag{Name: "output", Usage: "write scores as an Arrow IPC stream"},
		&cli.StringFlag{Name: "server", Usage: "Longbow server address (e.g., localhost:3000)"},
		&cli.StringFlag{Name: "dataset", Usage: "target dataset name on server", Value: "t2t_scores"},
		&cli.IntFlag{Name: "chunk", Usage: "rows per Arrow record", Value: 4096},
	)
	return &cli.Command{
		Name:  "test",
		Usage: "Score a corpus with a trained model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			o, err := loadOptions(c)
			if err != nil {
				return err
			}
			inputs := c.StringSlice("input")
			if len(inputs) != o.Corpora() {
				return fmt.Errorf("test needs %d corpus files, got %d", o.Corpora(), len(inputs))
			}
			tr, err := newTrainer(o)
			if err != nil {
				return err
			}
			if err := params.LoadFile(o.Model, tr.Params()); err != nil {
				return err
			}

			corpora := make([]batch.Corpus, len(inputs))
			for i, p := range inputs {
				corpora[i] = batch.File(p)
			}
			start := time.Now()
			rep, err := tr.Test(ctx, corpora...)
			if err != nil {
				return err
			}
			log.Info().
				Int("sequences", len(rep.Scores)).
				Int("words", rep.Words).
				Float64("ppl", rep.Perplexity()).
				Dur("elapsed", time.Since(start)).
				Msg("Scored corpus")

			b := client.NewRecordBuilder(memory.NewGoAllocator(), client.ScoreSchema(tr.RunID().String(), o.Model))
			chunk := int(c.Int("chunk"))
			if out := c.String("output"); out != "" {
				err := params.WriteFileAtomic(out, func(w io.Writer) error {
					return b.WriteIPC(w, rep.Scores, chunk)
				})
				if err != nil {
					return err
				}
				log.Info().Str("path", out).Msg("Wrote scores")
			}
			if addr := c.String("server"); addr != "" {
				fc, err := client.NewFlightClient(addr)
				if err != nil {
					return err
				}
				defer fc.Close()
				p := client.NewPublisher(fc, client.NewCircuitBreaker(3, 10*time.Second), b, c.String("dataset"))
				if err := p.Publish(ctx, rep.Scores, chunk); err != nil {
					return err
				}
				log.Info().Str("addr", addr).Str("dataset", c.String("dataset")).Msg("Published scores")
			}
			return nil
		},
	}
}
