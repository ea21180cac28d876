package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/config"
	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/model"
	"github.com/23skdu/longbow-t2t/internal/train"
)

func trainCmd() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a model on an id-mapped corpus",
		Flags: optionFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			o, err := loadOptions(c)
			if err != nil {
				return err
			}
			if len(o.Train) != o.Corpora() {
				return fmt.Errorf("train needs %d corpus files, got %d", o.Corpora(), len(o.Train))
			}
			tr, err := newTrainer(o)
			if err != nil {
				return err
			}
			if o.InitModel != "" {
				if err := tr.Resume(o.InitModel); err != nil {
					return err
				}
			}

			sum, err := tr.Train(ctx, train.Data{
				Train:   o.Train,
				Valid:   o.Valid,
				Model:   o.Model,
				TempDir: filepath.Dir(o.Model),
			})
			if err != nil {
				return err
			}
			log.Info().
				Int("epochs", sum.Epochs).
				Int("steps", sum.Steps).
				Int("words", sum.Words).
				Float64("ppl", math.Exp(sum.LossPerWord)).
				Str("model", o.Model).
				Msg("Done")
			return nil
		},
	}
}

// newTrainer builds the backend, model and trainer described by o.
func newTrainer(o config.Options) (*train.Trainer, error) {
	reserve, err := o.ReserveBytes()
	if err != nil {
		return nil, err
	}
	backend, err := device.NewBackend(o.Dev, reserve)
	if err != nil {
		return nil, err
	}
	m, err := model.New(o.ModelConfig(), backend)
	if err != nil {
		return nil, err
	}
	bc, err := o.BatchConfig()
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("backend", backend.Name()).
		Int("d", o.D).
		Int("nlayer", o.NLayer).
		Bool("mt", o.MT).
		Msg("Model created")
	return train.New(o.TrainConfig(), bc, m)
}
