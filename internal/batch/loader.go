package batch

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-t2t/internal/device"
)

// Loader buffers sequences from one (LM) or two aligned (MT) corpora and
// slices them into batches.
//
// Tokens live in a flat buffer with parallel offset and length tables. The
// translation target side has its own set.
type Loader struct {
	cfg     Config
	corpora []Corpus
	readers []*lineReader
	rng     *rand.Rand

	buf        []int
	seqOffset  []int
	seqLen     []int
	seqLine    []int
	buf2       []int
	seqOffset2 []int
	seqLen2    []int

	order []int
	nodes []BatchNode
	next  int

	// read counts corpus lines consumed, skipped ones included.
	read      int
	exhausted bool
	state     State
}

// NewLoader opens the corpora. Translation needs source and target; a
// language model takes exactly one corpus.
func NewLoader(cfg Config, corpora ...Corpus) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	want := 1
	if cfg.Translation {
		want = 2
	}
	if len(corpora) != want {
		return nil, fmt.Errorf("batch: need %d corpora, got %d", want, len(corpora))
	}
	l := &Loader{
		cfg:     cfg,
		corpora: corpora,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) open() error {
	l.readers = l.readers[:0]
	for i, c := range l.corpora {
		vocab := l.cfg.SrcVocab
		if i == 1 {
			vocab = l.cfg.TgtVocab
		}
		r, err := openReader(c, vocab)
		if err != nil {
			l.Close()
			return err
		}
		l.readers = append(l.readers, r)
	}
	return nil
}

// Close releases the corpus readers.
func (l *Loader) Close() error {
	var errs []error
	for _, r := range l.readers {
		errs = append(errs, r.Close())
	}
	l.readers = nil
	return errors.Join(errs...)
}

// Reset rewinds the corpora for another epoch.
func (l *Loader) Reset() error {
	if err := l.Close(); err != nil {
		return fmt.Errorf("failed to close corpora: %w", err)
	}
	l.clear()
	l.read = 0
	l.exhausted = false
	return l.open()
}

// State reports the buffer state.
func (l *Loader) State() State { return l.state }

// Buffered is the number of sequences currently buffered.
func (l *Loader) Buffered() int { return len(l.seqLen) }

// Order returns the permutation applied to the buffer: position p of the
// batch order holds buffered sequence Order()[p].
func (l *Loader) Order() []int {
	return append([]int(nil), l.order...)
}

// Nodes returns the planned batches of the current buffer.
func (l *Loader) Nodes() []BatchNode {
	return append([]BatchNode(nil), l.nodes...)
}

func (l *Loader) clear() {
	l.buf = l.buf[:0]
	l.seqOffset = l.seqOffset[:0]
	l.seqLen = l.seqLen[:0]
	l.seqLine = l.seqLine[:0]
	l.buf2 = l.buf2[:0]
	l.seqOffset2 = l.seqOffset2[:0]
	l.seqLen2 = l.seqLen2[:0]
	l.order = l.order[:0]
	l.nodes = l.nodes[:0]
	l.next = 0
	l.state = Empty
}

// RefillBuffer replaces the buffer with up to BufSize tokens (or stepLimit
// sequences when positive), sorts it by length when asked, and plans the
// batches. It returns the number of sequences buffered.
func (l *Loader) RefillBuffer(sortByLength bool, stepLimit int) (int, error) {
	l.clear()
	words := 0
	for words < l.cfg.BufSize && (stepLimit <= 0 || len(l.seqLen) < stepLimit) {
		src, tgt, ok, err := l.readSequence()
		if err != nil {
			return 0, err
		}
		if !ok {
			l.exhausted = true
			break
		}
		if !l.usable(src, tgt) {
			skippedSequences.WithLabelValues("empty").Inc()
			log.Debug().Int("line", l.read).Msg("Skipping sequence too short to train on")
			continue
		}
		l.seqOffset = append(l.seqOffset, len(l.buf))
		l.seqLen = append(l.seqLen, len(src))
		l.seqLine = append(l.seqLine, l.read-1)
		l.buf = append(l.buf, src...)
		if l.cfg.Translation {
			l.seqOffset2 = append(l.seqOffset2, len(l.buf2))
			l.seqLen2 = append(l.seqLen2, len(tgt))
			l.buf2 = append(l.buf2, tgt...)
		}
		words += len(src) + len(tgt)
	}

	n := len(l.seqLen)
	l.order = l.order[:0]
	for i := 0; i < n; i++ {
		l.order = append(l.order, i)
	}
	if sortByLength {
		sort.SliceStable(l.order, func(a, b int) bool {
			return l.key(l.order[a]) < l.key(l.order[b])
		})
	}
	l.plan()
	if l.cfg.RandBatch {
		l.rng.Shuffle(len(l.nodes), func(i, j int) {
			l.nodes[i], l.nodes[j] = l.nodes[j], l.nodes[i]
		})
	}

	bufferSequences.Set(float64(n))
	if n > 0 {
		l.state = Buffered
	}
	log.Debug().Int("sequences", n).Int("words", words).Int("batches", len(l.nodes)).
		Bool("sorted", sortByLength).Msg("Refilled batch buffer")
	return n, nil
}

// readSequence reads the next line (pair of lines for translation) and
// applies the length policy.
func (l *Loader) readSequence() (src, tgt []int, ok bool, err error) {
	for {
		src, ok, err = l.readers[0].next()
		if err != nil || !ok {
			if err == nil && l.cfg.Translation {
				if _, more, _ := l.readers[1].next(); more {
					return nil, nil, false, fmt.Errorf("batch: %s ends before %s; corpora are not aligned",
						l.corpora[0].Name(), l.corpora[1].Name())
				}
			}
			return nil, nil, false, err
		}
		if l.cfg.Translation {
			var more bool
			tgt, more, err = l.readers[1].next()
			if err != nil {
				return nil, nil, false, err
			}
			if !more {
				return nil, nil, false, fmt.Errorf("batch: %s ends before %s; corpora are not aligned",
					l.corpora[1].Name(), l.corpora[0].Name())
			}
		}
		l.read++

		var keep bool
		if src, keep, err = l.limit(src); err != nil || !keep {
			if err != nil {
				return nil, nil, false, err
			}
			continue
		}
		if l.cfg.Translation {
			if tgt, keep, err = l.limit(tgt); err != nil || !keep {
				if err != nil {
					return nil, nil, false, err
				}
				continue
			}
		}
		return src, tgt, true, nil
	}
}

func (l *Loader) limit(ids []int) ([]int, bool, error) {
	if len(ids) <= l.cfg.MaxLen {
		return ids, true, nil
	}
	switch l.cfg.LengthPolicy {
	case Skip:
		skippedSequences.WithLabelValues("too_long").Inc()
		log.Warn().Int("line", l.read).Int("length", len(ids)).Int("max", l.cfg.MaxLen).Msg("Skipping over-long sequence")
		return nil, false, nil
	case Fail:
		return nil, false, fmt.Errorf("batch: sequence %d has %d tokens, max is %d", l.read, len(ids), l.cfg.MaxLen)
	default:
		truncatedSequences.Inc()
		return ids[:l.cfg.MaxLen], true, nil
	}
}

// usable reports whether a sequence yields at least one training position.
func (l *Loader) usable(src, tgt []int) bool {
	if l.cfg.Translation {
		return len(src) > 0 && len(tgt) > 1
	}
	if l.cfg.DoubledEnd {
		return len(src) > 0
	}
	return len(src) > 1
}

// encLen is the encoder (LM input) width of buffered sequence i.
func (l *Loader) encLen(i int) int {
	if l.cfg.Translation || l.cfg.DoubledEnd {
		return l.seqLen[i]
	}
	return l.seqLen[i] - 1
}

// decLen is the decoder width; for a language model it equals encLen.
func (l *Loader) decLen(i int) int {
	if l.cfg.Translation {
		return l.seqLen2[i] - 1
	}
	return l.encLen(i)
}

func (l *Loader) key(i int) int {
	k := max(l.encLen(i), l.decLen(i))
	if b := l.cfg.BucketSize; b > 1 {
		k = (k + b - 1) / b * b
	}
	return k
}

// plan cuts the ordered buffer into batches. A sequence that would break the
// budget starts the next batch; a lone sequence always forms a batch.
func (l *Loader) plan() {
	l.nodes = l.nodes[:0]
	var cur BatchNode
	words := 0
	for p, i := range l.order {
		enc, dec := l.encLen(i), l.decLen(i)
		count := cur.Size()
		if count > 0 && l.cfg.exceeds(count+1, max(cur.MaxEnc, enc), max(cur.MaxDec, dec), words+dec) {
			l.nodes = append(l.nodes, cur)
			count = 0
		}
		if count == 0 {
			cur = BatchNode{Beg: p, Key: l.key(i)}
			words = 0
		}
		cur.End = p + 1
		cur.MaxEnc = max(cur.MaxEnc, enc)
		cur.MaxDec = max(cur.MaxDec, dec)
		words += dec
	}
	if cur.Size() > 0 {
		l.nodes = append(l.nodes, cur)
	}
}

// NextBatch materialises the next planned batch into the arena, refilling the
// buffer as needed. It returns io.EOF once the corpora are exhausted; it never
// returns an empty batch.
func (l *Loader) NextBatch(a *device.Arena) (*Batch, error) {
	for l.next >= len(l.nodes) {
		if l.exhausted {
			l.state = Empty
			return nil, io.EOF
		}
		if _, err := l.RefillBuffer(l.cfg.Sort, 0); err != nil {
			return nil, err
		}
	}
	node := l.nodes[l.next]
	l.next++
	b := l.materialise(a, node)

	l.state = BatchReady
	if l.next == len(l.nodes) {
		l.state = Drained
	}
	batchesTotal.Inc()
	batchSequences.Observe(float64(b.Size))
	if padded := b.Size * b.GoldLen(); padded > 0 {
		paddingRatio.Observe(1 - float64(b.Words)/float64(padded))
	}
	return b, nil
}

func (l *Loader) materialise(a *device.Arena, node BatchNode) *Batch {
	size := node.Size()
	b := &Batch{
		Size:     size,
		InputLen: node.MaxEnc,
		Input:    l.padded(size * node.MaxEnc),
		InputPad: a.Tensor(size, node.MaxEnc),
		Seqs:     make([]int, size),
	}
	if l.cfg.Translation {
		b.DecLen = node.MaxDec
		b.DecInput = l.padded(size * node.MaxDec)
		b.DecPad = a.Tensor(size, node.MaxDec)
		b.GoldPad = b.DecPad
	} else {
		b.GoldPad = b.InputPad
	}
	b.Gold = l.padded(size * b.GoldLen())

	for r := 0; r < size; r++ {
		i := l.order[node.Beg+r]
		b.Seqs[r] = l.seqLine[i]
		src := l.buf[l.seqOffset[i] : l.seqOffset[i]+l.seqLen[i]]

		if l.cfg.Translation {
			tgt := l.buf2[l.seqOffset2[i] : l.seqOffset2[i]+l.seqLen2[i]]
			fill(b.Input[r*b.InputLen:], b.InputPad, r, src)
			n := len(tgt) - 1
			fill(b.DecInput[r*b.DecLen:], b.DecPad, r, tgt[:n])
			copy(b.Gold[r*b.DecLen:], tgt[1:])
			b.Words += n
			continue
		}

		// Language model: the gold row is the input shifted by one.
		n := l.encLen(i)
		fill(b.Input[r*b.InputLen:], b.InputPad, r, src[:n])
		gold := b.Gold[r*b.InputLen:]
		copy(gold, src[1:])
		if l.cfg.DoubledEnd {
			gold[n-1] = src[len(src)-1]
		}
		b.Words += n
	}
	return b
}

func (l *Loader) padded(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = l.cfg.PadID
	}
	return ids
}

// fill copies ids into the row and marks the real positions in pad.
func fill(row []int, pad *device.Tensor, r int, ids []int) {
	copy(row, ids)
	for j := range ids {
		pad.Set(1, r, j)
	}
}
