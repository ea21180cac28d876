package train

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-t2t/internal/batch"
	"github.com/23skdu/longbow-t2t/internal/device"
	"github.com/23skdu/longbow-t2t/internal/model"
)

func writeLM(t *testing.T, dir, name string, n int, seed int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	o := batch.SynthOptions{Sequences: n, Vocab: 12, MinLen: 3, MaxLen: 8}
	require.NoError(t, batch.GenerateLM(f, o, rand.New(rand.NewSource(seed))))
	return path
}

func writeMT(t *testing.T, dir string, n int) []string {
	t.Helper()
	src, tgt := filepath.Join(dir, "src.txt"), filepath.Join(dir, "tgt.txt")
	sf, err := os.Create(src)
	require.NoError(t, err)
	defer sf.Close()
	tf, err := os.Create(tgt)
	require.NoError(t, err)
	defer tf.Close()
	o := batch.SynthOptions{Sequences: n, Vocab: 12, MinLen: 2, MaxLen: 6}
	require.NoError(t, batch.GenerateMT(sf, tf, o, rand.New(rand.NewSource(1))))
	return []string{src, tgt}
}

func tinySetup(t *testing.T, translation bool, modify func(*Config)) *Trainer {
	t.Helper()
	mcfg := model.DefaultTinyConfig()
	mcfg.Translation = translation
	if translation {
		mcfg.TgtVocab = mcfg.SrcVocab
	}
	m, err := model.New(mcfg, device.NewCPUBackend())
	require.NoError(t, err)

	bcfg := batch.DefaultConfig()
	bcfg.Translation = translation
	bcfg.WordBudget = 0
	bcfg.SentenceBudget = 8
	bcfg.MaxLen = mcfg.MaxLen

	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.Schedule = "constant"
	cfg.LRate = 0.01
	cfg.LabelSmoothing = 0
	cfg.LogEvery = 1
	if modify != nil {
		modify(&cfg)
	}
	tr, err := New(cfg, bcfg, m)
	require.NoError(t, err)
	return tr
}

func snapshot(tr *Trainer) map[string][]float32 {
	out := make(map[string][]float32)
	for name, p := range tr.Params().All() {
		out[name] = append([]float32(nil), p.Data()...)
	}
	return out
}

func TestNew_Mismatch(t *testing.T) {
	m, err := model.New(model.DefaultTinyConfig(), device.NewCPUBackend())
	require.NoError(t, err)
	bcfg := batch.DefaultConfig()
	bcfg.Translation = true
	_, err = New(DefaultConfig(), bcfg, m)
	assert.ErrorContains(t, err, "translation")

	cfg := DefaultConfig()
	cfg.LabelSmoothing = 1
	_, err = New(cfg, batch.DefaultConfig(), m)
	assert.Error(t, err)
}

func TestTrain_LanguageModel(t *testing.T) {
	dir := t.TempDir()
	corpus := writeLM(t, dir, "train.txt", 64, 1)
	tr := tinySetup(t, false, func(c *Config) {
		c.Epochs = 4
		c.EpochCheckpoint = true
		c.Shuffle = true
	})

	before, err := tr.Validate(context.Background(), []string{corpus})
	require.NoError(t, err)

	d := Data{Train: []string{corpus}, Model: filepath.Join(dir, "model.bin"), TempDir: dir}
	sum, err := tr.Train(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Epochs)
	assert.Equal(t, 4*8, sum.Steps)
	assert.Greater(t, sum.Words, 0)

	after, err := tr.Validate(context.Background(), []string{corpus})
	require.NoError(t, err)
	assert.Less(t, after, before)

	for _, p := range []string{d.Model, d.Model + ".adam", d.Model + ".json", CheckpointPath(d.Model, "epoch", 4)} {
		assert.FileExists(t, p)
	}
	md, err := ReadMetadata(d.Model + ".json")
	require.NoError(t, err)
	assert.Equal(t, tr.RunID().String(), md.RunID)
	assert.Equal(t, "final", md.Label)
	assert.Equal(t, 32, md.Step)
	assert.Equal(t, 4, md.Epoch)
	assert.Equal(t, "adam", md.Optimizer)
	assert.Equal(t, model.DefaultTinyConfig().Dim, md.Model.Dim)

	// Shuffled copies are removed after each epoch.
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.shuf-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	t.Run("resume", func(t *testing.T) {
		next := tinySetup(t, false, nil)
		require.NoError(t, next.Resume(d.Model))
		assert.Equal(t, 32, next.Steps())
		assert.Equal(t, snapshot(tr), snapshot(next))

		ma, va := tr.Optimizer().(*Adam).Moments("output.w")
		mb, vb := next.Optimizer().(*Adam).Moments("output.w")
		assert.Equal(t, ma, mb)
		assert.Equal(t, va, vb)
	})
}

func TestTrain_Translation(t *testing.T) {
	dir := t.TempDir()
	files := writeMT(t, dir, 40)
	tr := tinySetup(t, true, func(c *Config) {
		c.NStepCheckpoint = 2
		c.UpdateStep = 2
		c.LabelSmoothing = 0.1
	})

	d := Data{Train: files, Valid: files, Model: filepath.Join(dir, "mt.bin")}
	sum, err := tr.Train(context.Background(), d)
	require.NoError(t, err)
	// 40 sequences in batches of 8, two batches per update.
	assert.Equal(t, 3, sum.Steps)

	md, err := ReadMetadata(CheckpointPath(d.Model, "step", 2) + ".json")
	require.NoError(t, err)
	assert.Equal(t, "step", md.Label)
	assert.Equal(t, 2, md.Step)
	assert.Greater(t, md.ValidPerplexity, 1.0)
	assert.False(t, math.IsInf(md.ValidPerplexity, 0))
	assert.NoFileExists(t, CheckpointPath(d.Model, "step", 4))

	_, err = tr.Train(context.Background(), Data{Train: files[:1], Model: d.Model})
	assert.ErrorContains(t, err, "need 2 corpus files")
}

func TestTrain_StepLimit(t *testing.T) {
	dir := t.TempDir()
	corpus := writeLM(t, dir, "train.txt", 64, 2)
	tr := tinySetup(t, false, func(c *Config) {
		c.Epochs = 10
		c.Steps = 3
		c.Adam = false
	})
	sum, err := tr.Train(context.Background(), Data{Train: []string{corpus}, Model: filepath.Join(dir, "m.bin")})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Steps)
	assert.Equal(t, 1, sum.Epochs)
	assert.NoFileExists(t, filepath.Join(dir, "m.bin.adam"))
}

func TestTrain_Cancelled(t *testing.T) {
	dir := t.TempDir()
	corpus := writeLM(t, dir, "train.txt", 16, 3)
	tr := tinySetup(t, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(dir, "m.bin")
	_, err := tr.Train(ctx, Data{Train: []string{corpus}, Model: out})
	assert.ErrorIs(t, err, context.Canceled)
	assert.FileExists(t, CheckpointPath(out, "interrupted", 0))
	assert.NoFileExists(t, out)
}

func TestTest_Scores(t *testing.T) {
	dir := t.TempDir()
	corpus := writeLM(t, dir, "test.txt", 20, 4)
	tr := tinySetup(t, false, nil)
	before := snapshot(tr)

	rep, err := tr.Test(context.Background(), batch.File(corpus))
	require.NoError(t, err)
	require.Len(t, rep.Scores, 20)

	words := 0
	for i, s := range rep.Scores {
		assert.Equal(t, i, s.Seq)
		assert.Less(t, s.LogProb, 0.0)
		words += s.Words
	}
	assert.Equal(t, rep.Words, words)
	assert.InDelta(t, math.Exp(-rep.LogProb/float64(rep.Words)), rep.Perplexity(), 1e-9)
	assert.Equal(t, before, snapshot(tr))

	assert.True(t, math.IsInf((&Report{}).Perplexity(), 1))
}

func TestTest_CorpusLines(t *testing.T) {
	tr := tinySetup(t, false, nil)

	t.Run("dropped line keeps its index", func(t *testing.T) {
		rep, err := tr.Test(context.Background(), batch.Text("test", "3 4 5\n7\n8 9 10 11\n"))
		require.NoError(t, err)
		require.Len(t, rep.Scores, 2)
		assert.Equal(t, 0, rep.Scores[0].Seq)
		assert.Equal(t, 2, rep.Scores[1].Seq)
		assert.Equal(t, 3, rep.Scores[1].Words)
	})

	t.Run("token outside vocabulary", func(t *testing.T) {
		_, err := tr.Test(context.Background(), batch.Text("test", "3 4 5\n3 4 500\n"))
		assert.ErrorContains(t, err, "test:2: token id 500 outside vocabulary 64")
	})
}

func TestNew_PadOutsideVocabulary(t *testing.T) {
	m, err := model.New(model.DefaultTinyConfig(), device.NewCPUBackend())
	require.NoError(t, err)
	bcfg := batch.DefaultConfig()
	bcfg.PadID = 64
	_, err = New(DefaultConfig(), bcfg, m)
	assert.ErrorContains(t, err, "pad id 64 outside vocabulary 64")
}
