package batch

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strconv"
)

// Reserved ids in generated corpora. Content tokens start at FirstWordID.
const (
	UnkID       = 0
	EndID       = 2
	FirstWordID = 3
)

// SynthOptions shape a generated corpus.
type SynthOptions struct {
	Sequences int
	Vocab     int
	MinLen    int
	MaxLen    int
}

// DefaultSynthOptions returns a small corpus suitable for smoke runs.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{Sequences: 1000, Vocab: 64, MinLen: 3, MaxLen: 20}
}

func (o SynthOptions) validate() error {
	if o.Sequences < 0 || o.Vocab <= FirstWordID || o.MinLen < 1 || o.MaxLen < o.MinLen {
		return fmt.Errorf("synth: invalid options %+v", o)
	}
	return nil
}

func (o SynthOptions) sentence(r *rand.Rand) []int {
	n := o.MinLen + r.Intn(o.MaxLen-o.MinLen+1)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = FirstWordID + r.Intn(o.Vocab-FirstWordID)
	}
	return ids
}

// GenerateLM writes a language-model corpus: random sentences closed by
// EndID.
func GenerateLM(w io.Writer, o SynthOptions, r *rand.Rand) error {
	if err := o.validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for i := 0; i < o.Sequences; i++ {
		if err := writeIDs(bw, append(o.sentence(r), EndID)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// GenerateMT writes aligned source and target corpora for a reversal task.
// Targets are framed by EndID on both sides so the decoder input starts with
// a boundary token.
func GenerateMT(src, tgt io.Writer, o SynthOptions, r *rand.Rand) error {
	if err := o.validate(); err != nil {
		return err
	}
	sw, tw := bufio.NewWriter(src), bufio.NewWriter(tgt)
	for i := 0; i < o.Sequences; i++ {
		s := o.sentence(r)
		t := make([]int, 0, len(s)+2)
		t = append(t, EndID)
		for j := len(s) - 1; j >= 0; j-- {
			t = append(t, s[j])
		}
		t = append(t, EndID)
		if err := writeIDs(sw, append(s, EndID)); err != nil {
			return err
		}
		if err := writeIDs(tw, t); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return tw.Flush()
}

func writeIDs(w *bufio.Writer, ids []int) error {
	buf := make([]byte, 0, len(ids)*4)
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendInt(buf, int64(id), 10)
	}
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
