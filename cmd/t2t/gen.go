package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/params"
)

func genCmd() *cli.Command {
	var (
		dir  string
		mt   bool
		seed int64
		o    = batch.DefaultSynthOptions()
	)
	return &cli.Command{
		Name:  "gen",
		Usage: "Write a synthetic id corpus for smoke runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "output directory", Value: ".", Destination: &dir},
			&cli.BoolFlag{Name: "mt", Usage: "write aligned src.txt and tgt.txt for a reversal task", Destination: &mt},
			&cli.IntFlag{Name: "sequences", Usage: "number of sequences", Value: o.Sequences, Destination: &o.Sequences},
			&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: o.Vocab, Destination: &o.Vocab},
			&cli.IntFlag{Name: "minlen", Usage: "minimum sentence length", Value: o.MinLen, Destination: &o.MinLen},
			&cli.IntFlag{Name: "maxlen", Usage: "maximum sentence length", Value: o.MaxLen, Destination: &o.MaxLen},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			r := rand.New(rand.NewSource(seed))
			if !mt {
				path := filepath.Join(dir, "train.txt")
				err := params.WriteFileAtomic(path, func(w io.Writer) error {
					return batch.GenerateLM(w, o, r)
				})
				if err != nil {
					return err
				}
				log.Info().Str("path", path).Int("sequences", o.Sequences).Msg("Wrote corpus")
				return nil
			}

			src, tgt := filepath.Join(dir, "src.txt"), filepath.Join(dir, "tgt.txt")
			sf, err := os.Create(src)
			if err != nil {
				return err
			}
			defer sf.Close()
			tf, err := os.Create(tgt)
			if err != nil {
				return err
			}
			defer tf.Close()
			if err := batch.GenerateMT(sf, tf, o, r); err != nil {
				return err
			}
			if err := sf.Close(); err != nil {
				return err
			}
			if err := tf.Close(); err != nil {
				return err
			}
			log.Info().Str("src", src).Str("tgt", tgt).Int("sequences", o.Sequences).Msg("Wrote corpora")
			return nil
		},
	}
}
