package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-t2t/internal/client"
	"github.com/23skdu/longbow-t2t/internal/config"
)

func tinyArgs(dir string) []string {
	return []string{
		"--vsize", "64", "--d", "16", "--nhead", "2", "--nlayer", "1", "--hsize", "32",
		"--maxlen", "64", "--sbatch", "8", "--wbatch", "0", "--schedule", "constant",
		"--lrate", "0.01", "--dropout", "0", "--model", filepath.Join(dir, "lm.bin"),
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(context.Background(), append([]string{"t2t", "--log-level", "warn"}, args...)))
	return out.String()
}

func TestEndToEnd_LanguageModel(t *testing.T) {
	dir := t.TempDir()
	run(t, "gen", "--out", dir, "--sequences", "40", "--vocab", "12", "--maxlen", "8")
	corpus := filepath.Join(dir, "train.txt")
	require.FileExists(t, corpus)

	args := append([]string{"train", "--train", corpus, "--nepoch", "2", "--epochcheckpoint"}, tinyArgs(dir)...)
	run(t, args...)
	model := filepath.Join(dir, "lm.bin")
	assert.FileExists(t, model)
	assert.FileExists(t, model+".epoch.0002")

	scores := filepath.Join(dir, "scores.arrow")
	args = append([]string{"test", "--input", corpus, "--output", scores}, tinyArgs(dir)...)
	run(t, args...)

	f, err := os.Open(scores)
	require.NoError(t, err)
	defer f.Close()
	got, md, err := client.ReadIPC(f, memory.NewGoAllocator())
	require.NoError(t, err)
	assert.Len(t, got, 40)
	name, _ := md.GetValue("model")
	assert.Equal(t, model, name)

	out := run(t, "inspect", "--model", model, "--json", "--filter", "embedding")
	var rep inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, "encoder.embedding.w", rep.Entries[0].Name)
	require.NotNil(t, rep.Metadata)
	assert.Equal(t, "final", rep.Metadata.Label)

	text := run(t, "inspect", "--model", model)
	assert.Contains(t, text, "output.w")
	assert.Contains(t, text, "[16,64]")
}

func TestTrain_MissingCorpus(t *testing.T) {
	app := newApp()
	args := append([]string{"t2t", "--log-level", "warn", "train"}, tinyArgs(t.TempDir())...)
	err := app.Run(context.Background(), args)
	assert.ErrorContains(t, err, "needs 1 corpus files")
}

func TestLoadOptions_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nhead: 4\nd: 64\nlrate: 0.5\nlog-level: error\n"), 0o644))

	probe := func(args ...string) (config.Options, error) {
		var got config.Options
		app := newApp()
		app.Commands = []*cli.Command{{
			Name:  "probe",
			Flags: optionFlags(),
			Action: func(ctx context.Context, c *cli.Command) error {
				var err error
				got, err = loadOptions(c)
				return err
			},
		}}
		err := app.Run(context.Background(), append([]string{"t2t"}, args...))
		return got, err
	}

	got, err := probe("--config", path, "probe", "--nhead", "8", "--sort=false")
	require.NoError(t, err)
	assert.Equal(t, 8, got.NHead, "flag beats file")
	assert.Equal(t, 64, got.D, "file beats default")
	assert.InDelta(t, 0.5, got.LRate, 1e-9)
	assert.False(t, got.Sort)
	assert.Equal(t, config.Default().NLayer, got.NLayer)

	_, err = probe("probe", "--nhead", "3")
	assert.ErrorContains(t, err, "not divisible")
}

func TestSetLogLevel(t *testing.T) {
	assert.NoError(t, setLogLevel("debug"))
	assert.Error(t, setLogLevel("loud"))
	assert.NoError(t, setLogLevel("info"))
}
