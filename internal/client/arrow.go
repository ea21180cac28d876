// Package client exports scoring results as Arrow records, either to an IPC
// stream or to a Longbow server over Flight.
package client

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-t2t/internal/train"
)

// ScoreSchema returns the record layout of a scoring run. runID and model are
// stored as schema metadata.
func ScoreSchema(runID, model string) *arrow.Schema {
	md := arrow.NewMetadata([]string{"run_id", "model"}, []string{runID, model})
	return arrow.NewSchema([]arrow.Field{
		{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
		{Name: "log_prob", Type: arrow.PrimitiveTypes.Float64},
		{Name: "words", Type: arrow.PrimitiveTypes.Int32},
		{Name: "ppl", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, &md)
}

// RecordBuilder turns scores into Arrow records.
type RecordBuilder struct {
	mem    memory.Allocator
	schema *arrow.Schema
}

func NewRecordBuilder(mem memory.Allocator, schema *arrow.Schema) *RecordBuilder {
	return &RecordBuilder{mem: mem, schema: schema}
}

func (b *RecordBuilder) Schema() *arrow.Schema { return b.schema }

// Build converts scores into one record. It returns nil for no scores. The
// per-sequence perplexity is null for sequences without words.
func (b *RecordBuilder) Build(scores []train.Score) (arrow.RecordBatch, error) {
	if len(scores) == 0 {
		return nil, nil
	}

	seq := array.NewInt64Builder(b.mem)
	defer seq.Release()
	lp := array.NewFloat64Builder(b.mem)
	defer lp.Release()
	words := array.NewInt32Builder(b.mem)
	defer words.Release()
	ppl := array.NewFloat64Builder(b.mem)
	defer ppl.Release()

	for _, s := range scores {
		seq.Append(int64(s.Seq))
		lp.Append(s.LogProb)
		words.Append(int32(s.Words))
		if s.Words == 0 {
			ppl.AppendNull()
			continue
		}
		r := train.Report{LogProb: s.LogProb, Words: s.Words}
		ppl.Append(r.Perplexity())
	}

	cols := []arrow.Array{seq.NewArray(), lp.NewArray(), words.NewArray(), ppl.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(b.schema, cols, int64(len(scores))), nil
}

// WriteIPC streams scores to w in chunks of at most chunk rows.
func (b *RecordBuilder) WriteIPC(w io.Writer, scores []train.Score, chunk int) error {
	if chunk < 1 {
		chunk = len(scores)
	}
	wr := ipc.NewWriter(w, ipc.WithSchema(b.schema), ipc.WithAllocator(b.mem))
	for beg := 0; beg < len(scores); beg += chunk {
		end := min(beg+chunk, len(scores))
		rec, err := b.Build(scores[beg:end])
		if err != nil {
			wr.Close()
			return err
		}
		err = wr.Write(rec)
		rec.Release()
		if err != nil {
			wr.Close()
			return fmt.Errorf("failed to write score record: %w", err)
		}
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("failed to close score stream: %w", err)
	}
	return nil
}

// ReadIPC reads every score from an IPC stream written by WriteIPC.
func ReadIPC(r io.Reader, mem memory.Allocator) ([]train.Score, arrow.Metadata, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, arrow.Metadata{}, fmt.Errorf("failed to open score stream: %w", err)
	}
	defer rd.Release()

	var out []train.Score
	for rd.Next() {
		rec := rd.Record()
		seq := rec.Column(0).(*array.Int64)
		lp := rec.Column(1).(*array.Float64)
		words := rec.Column(2).(*array.Int32)
		for i := 0; i < int(rec.NumRows()); i++ {
			out = append(out, train.Score{
				Seq:     int(seq.Value(i)),
				LogProb: lp.Value(i),
				Words:   int(words.Value(i)),
			})
		}
	}
	if err := rd.Err(); err != nil {
		return out, rd.Schema().Metadata(), fmt.Errorf("failed to read score stream: %w", err)
	}
	return out, rd.Schema().Metadata(), nil
}
