package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/model"
	"github.com/23skdu/longbow-t2t/internal/train"
)

func TestDefault(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	assert.Equal(t, -1, o.Dev)
	assert.Equal(t, 1, o.Corpora())

	mc := o.ModelConfig()
	assert.NoError(t, mc.Validate())
	assert.Equal(t, model.DefaultConfig().Dim, mc.Dim)

	bc, err := o.BatchConfig()
	require.NoError(t, err)
	assert.NoError(t, bc.Validate())
	assert.Equal(t, batch.PaddedWords, bc.WordKind)

	tc := o.TrainConfig()
	assert.NoError(t, tc.Validate())
	assert.InDelta(t, 0.98, tc.AdamBeta2, 1e-7)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mt: true
vsize: 100
vsizetgt: 120
sbatch: 16
bigbatch: true
lengthpolicy: skip
schedule: cosine
train: [src.txt, tgt.txt]
init-model: old.bin
`), 0o644))

	o, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, o.Validate())
	assert.True(t, o.MT)
	assert.Equal(t, 2, o.Corpora())
	assert.Equal(t, []string{"src.txt", "tgt.txt"}, o.Train)
	assert.Equal(t, "old.bin", o.InitModel)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().D, o.D)
	assert.Equal(t, Default().WBatch, o.WBatch)

	bc, err := o.BatchConfig()
	require.NoError(t, err)
	assert.True(t, bc.Translation)
	assert.Equal(t, batch.Words, bc.WordKind)
	assert.Equal(t, batch.Skip, bc.LengthPolicy)
	assert.Equal(t, 16, bc.SentenceBudget)
	assert.Equal(t, 100, bc.SrcVocab)
	assert.Equal(t, 120, bc.TgtVocab)

	mc := o.ModelConfig()
	assert.Equal(t, 120, mc.TgtVocab)
	assert.Equal(t, "cosine", o.TrainConfig().Schedule)

	t.Run("missing", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("nhead: [1"), 0o644))
		_, err := LoadFile(bad)
		assert.ErrorContains(t, err, "failed to parse")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		want   string
	}{
		{"lm and mt", func(o *Options) { o.LM, o.MT, o.VSizeTgt = true, true, 10 }, "mutually exclusive"},
		{"heads", func(o *Options) { o.NHead = 0 }, "nhead"},
		{"divisible", func(o *Options) { o.NHead = 7 }, "not divisible"},
		{"vsize", func(o *Options) { o.VSize = 0 }, "vsize"},
		{"vsizetgt", func(o *Options) { o.MT = true }, "vsizetgt"},
		{"budgets", func(o *Options) { o.SBatch, o.WBatch = 0, 0 }, "sbatch or wbatch"},
		{"beta1", func(o *Options) { o.AdamBeta1 = 1 }, "adambeta1"},
		{"beta2", func(o *Options) { o.AdamBeta2 = -0.1 }, "adambeta2"},
		{"smoothing", func(o *Options) { o.LabelSmoothing = 1 }, "labelsmoothing"},
		{"dev", func(o *Options) { o.Dev = -2 }, "dev"},
		{"schedule", func(o *Options) { o.Schedule = "step" }, "unknown schedule"},
		{"length policy", func(o *Options) { o.LengthPolicy = "wrap" }, "unknown length policy"},
		{"memsize", func(o *Options) { o.Mem, o.MemSize = true, "lots" }, "invalid size"},
		{"padid", func(o *Options) { o.PadID = o.VSize }, "padid"},
		{"padid negative", func(o *Options) { o.PadID = -1 }, "padid must not be negative"},
		{"padid target", func(o *Options) { o.MT, o.VSizeTgt, o.PadID = true, 3, 5 }, "outside target vocabulary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Default()
			tt.modify(&o)
			assert.ErrorContains(t, o.Validate(), tt.want)
		})
	}

	t.Run("joined", func(t *testing.T) {
		o := Default()
		o.VSize, o.NHead = 0, 0
		err := o.Validate()
		assert.ErrorContains(t, err, "vsize")
		assert.ErrorContains(t, err, "nhead")
	})
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"4GB", 4 << 30},
		{"512mb", 512 << 20},
		{"64K", 64 << 10},
		{"10 B", 10},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"GB", "4TB", "1.5GB"} {
		_, err := ParseBytes(bad)
		assert.Error(t, err, bad)
	}

	o := Default()
	n, err := o.ReserveBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
	o.Mem = true
	n, err = o.ReserveBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), n)
}

func TestTrainConfigSchedule(t *testing.T) {
	o := Default()
	_, err := train.ParseSchedule(o.TrainConfig().Schedule)
	assert.NoError(t, err)
}
