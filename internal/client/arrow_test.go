package client

import (
	"bytes"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-t2t/internal/train"
)

func sampleScores(n int) []train.Score {
	out := make([]train.Score, n)
	for i := range out {
		out[i] = train.Score{Seq: i, LogProb: -float64(i + 1), Words: i % 3}
	}
	return out
}

func TestRecordBuilder_Build(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	b := NewRecordBuilder(mem, ScoreSchema("run", "model.bin"))

	t.Run("empty", func(t *testing.T) {
		rec, err := b.Build(nil)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("rows", func(t *testing.T) {
		rec, err := b.Build(sampleScores(4))
		require.NoError(t, err)
		defer rec.Release()

		assert.Equal(t, int64(4), rec.NumRows())
		assert.Equal(t, int64(4), rec.NumCols())
		assert.Equal(t, "log_prob", rec.ColumnName(1))

		ppl := rec.Column(3).(*array.Float64)
		assert.True(t, ppl.IsNull(0))
		assert.InDelta(t, math.Exp(2.0), ppl.Value(1), 1e-9)
		assert.InDelta(t, math.Exp(1.5), ppl.Value(2), 1e-9)
		assert.Equal(t, int64(3), rec.Column(0).(*array.Int64).Value(3))

		v, ok := rec.Schema().Metadata().GetValue("run_id")
		assert.True(t, ok)
		assert.Equal(t, "run", v)
	})
}

func TestWriteReadIPC(t *testing.T) {
	mem := memory.NewGoAllocator()
	b := NewRecordBuilder(mem, ScoreSchema("abc", "lm.bin"))
	want := sampleScores(10)

	var buf bytes.Buffer
	require.NoError(t, b.WriteIPC(&buf, want, 3))

	got, md, err := ReadIPC(&buf, mem)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	model, _ := md.GetValue("model")
	assert.Equal(t, "lm.bin", model)

	_, _, err = ReadIPC(bytes.NewReader([]byte("not arrow")), mem)
	assert.Error(t, err)
}
