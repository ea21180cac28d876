package main

import (
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/config"
)

// option ties a command line flag to the Options field of the same name.
type option struct {
	flag  cli.Flag
	name  string
	apply func(*cli.Command, *config.Options)
}

func intOption(name, usage string, def int, dst func(*config.Options) *int) option {
	return option{
		flag:  &cli.IntFlag{Name: name, Usage: usage, Value: def},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = int(c.Int(name)) },
	}
}

func int64Option(name, usage string, def int64, dst func(*config.Options) *int64) option {
	return option{
		flag:  &cli.Int64Flag{Name: name, Usage: usage, Value: def},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = c.Int64(name) },
	}
}

func floatOption(name, usage string, def float64, dst func(*config.Options) *float64) option {
	return option{
		flag:  &cli.FloatFlag{Name: name, Usage: usage, Value: def},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = c.Float(name) },
	}
}

func boolOption(name, usage string, def bool, dst func(*config.Options) *bool) option {
	return option{
		flag:  &cli.BoolFlag{Name: name, Usage: usage, Value: def},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = c.Bool(name) },
	}
}

func stringOption(name, usage string, def string, dst func(*config.Options) *string) option {
	return option{
		flag:  &cli.StringFlag{Name: name, Usage: usage, Value: def},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = c.String(name) },
	}
}

func slicesOption(name, usage string, dst func(*config.Options) *[]string) option {
	return option{
		flag:  &cli.StringSliceFlag{Name: name, Usage: usage},
		name:  name,
		apply: func(c *cli.Command, o *config.Options) { *dst(o) = c.StringSlice(name) },
	}
}

// runOptions lists every option flag. Defaults are shown in help only; the
// effective value comes from config.Default, then the config file, then any
// flag set explicitly.
func runOptions() []option {
	d := config.Default()
	return []option{
		intOption("dev", "device index, -1 for cpu", d.Dev, func(o *config.Options) *int { return &o.Dev }),
		boolOption("mem", "reserve a scratch memory budget", d.Mem, func(o *config.Options) *bool { return &o.Mem }),
		stringOption("memsize", "scratch budget size (e.g. 1GB)", d.MemSize, func(o *config.Options) *string { return &o.MemSize }),

		boolOption("lm", "train a language model", d.LM, func(o *config.Options) *bool { return &o.LM }),
		boolOption("mt", "train a translation model", d.MT, func(o *config.Options) *bool { return &o.MT }),
		intOption("d", "model width", d.D, func(o *config.Options) *int { return &o.D }),
		intOption("nhead", "attention heads", d.NHead, func(o *config.Options) *int { return &o.NHead }),
		intOption("nlayer", "layers per stack", d.NLayer, func(o *config.Options) *int { return &o.NLayer }),
		intOption("hsize", "feed-forward hidden size", d.HSize, func(o *config.Options) *int { return &o.HSize }),
		intOption("vsize", "source or LM vocabulary size", d.VSize, func(o *config.Options) *int { return &o.VSize }),
		intOption("vsizetgt", "target vocabulary size", d.VSizeTgt, func(o *config.Options) *int { return &o.VSizeTgt }),
		intOption("maxlen", "maximum sequence length", d.MaxLen, func(o *config.Options) *int { return &o.MaxLen }),
		floatOption("dropout", "dropout probability", d.Dropout, func(o *config.Options) *float64 { return &o.Dropout }),
		int64Option("seed", "random seed", d.Seed, func(o *config.Options) *int64 { return &o.Seed }),

		intOption("sbatch", "sentences per batch, 0 for no cap", d.SBatch, func(o *config.Options) *int { return &o.SBatch }),
		intOption("wbatch", "words per batch, 0 for no cap", d.WBatch, func(o *config.Options) *int { return &o.WBatch }),
		boolOption("smallbatch", "count wbatch as padded words", d.SmallBatch, func(o *config.Options) *bool { return &o.SmallBatch }),
		boolOption("bigbatch", "count wbatch as real words", d.BigBatch, func(o *config.Options) *bool { return &o.BigBatch }),
		intOption("bufsize", "words read per buffer refill", d.BufSize, func(o *config.Options) *int { return &o.BufSize }),
		stringOption("lengthpolicy", "truncate, skip or fail for long sequences", d.LengthPolicy, func(o *config.Options) *string { return &o.LengthPolicy }),
		intOption("padid", "padding token id", d.PadID, func(o *config.Options) *int { return &o.PadID }),
		boolOption("sort", "sort the buffer by length", d.Sort, func(o *config.Options) *bool { return &o.Sort }),
		boolOption("randbatch", "shuffle batch order within a buffer", d.RandBatch, func(o *config.Options) *bool { return &o.RandBatch }),
		intOption("bucketsize", "round sort keys up to this size", d.BucketSize, func(o *config.Options) *int { return &o.BucketSize }),
		boolOption("doubledend", "repeat the last token in LM gold", d.DoubledEnd, func(o *config.Options) *bool { return &o.DoubledEnd }),

		floatOption("lrate", "learning rate", d.LRate, func(o *config.Options) *float64 { return &o.LRate }),
		floatOption("lrbias", "noam decay bias", d.LRBias, func(o *config.Options) *float64 { return &o.LRBias }),
		intOption("nwarmup", "warmup steps", d.NWarmup, func(o *config.Options) *int { return &o.NWarmup }),
		stringOption("schedule", "noam, constant or cosine", d.Schedule, func(o *config.Options) *string { return &o.Schedule }),
		boolOption("adam", "use Adam instead of SGD", d.Adam, func(o *config.Options) *bool { return &o.Adam }),
		floatOption("adambeta1", "Adam beta1", d.AdamBeta1, func(o *config.Options) *float64 { return &o.AdamBeta1 }),
		floatOption("adambeta2", "Adam beta2", d.AdamBeta2, func(o *config.Options) *float64 { return &o.AdamBeta2 }),
		floatOption("adamdelta", "Adam delta", d.AdamDelta, func(o *config.Options) *float64 { return &o.AdamDelta }),
		floatOption("labelsmoothing", "label smoothing", d.LabelSmoothing, func(o *config.Options) *float64 { return &o.LabelSmoothing }),
		intOption("nepoch", "maximum epochs", d.NEpoch, func(o *config.Options) *int { return &o.NEpoch }),
		intOption("nstep", "maximum updates, 0 for no cap", d.NStep, func(o *config.Options) *int { return &o.NStep }),
		intOption("updatestep", "batches per update", d.UpdateStep, func(o *config.Options) *int { return &o.UpdateStep }),
		boolOption("shuffle", "shuffle the corpus every epoch", d.Shuffle, func(o *config.Options) *bool { return &o.Shuffle }),

		intOption("nstepcheckpoint", "checkpoint every n updates, 0 to disable", d.NStepCheckpoint, func(o *config.Options) *int { return &o.NStepCheckpoint }),
		boolOption("epochcheckpoint", "checkpoint after every epoch", d.EpochCheckpoint, func(o *config.Options) *bool { return &o.EpochCheckpoint }),
		slicesOption("train", "training corpus (source then target for mt)", func(o *config.Options) *[]string { return &o.Train }),
		slicesOption("valid", "validation corpus scored at checkpoints", func(o *config.Options) *[]string { return &o.Valid }),
		stringOption("model", "model artifact path", d.Model, func(o *config.Options) *string { return &o.Model }),
		stringOption("init-model", "artifact to resume from", d.InitModel, func(o *config.Options) *string { return &o.InitModel }),
		intOption("logevery", "updates between progress lines", d.LogEvery, func(o *config.Options) *int { return &o.LogEvery }),
	}
}

func optionFlags() []cli.Flag {
	opts := runOptions()
	flags := make([]cli.Flag, len(opts))
	for i, o := range opts {
		flags[i] = o.flag
	}
	return flags
}

// loadOptions builds the effective options: defaults, then the config file,
// then every flag set on the command line.
func loadOptions(c *cli.Command) (config.Options, error) {
	o := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if o, err = config.LoadFile(path); err != nil {
			return o, err
		}
	}
	for _, opt := range runOptions() {
		if c.IsSet(opt.name) {
			opt.apply(c, &o)
		}
	}
	if !c.IsSet("log-level") && o.LogLevel != "" {
		if err := setLogLevel(o.LogLevel); err != nil {
			return o, err
		}
	}
	return o, o.Validate()
}
