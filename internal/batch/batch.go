// Package batch turns id-mapped corpora into padded, length-bucketed
// mini-batches for language-model and translation training.
package batch

import (
	"fmt"

	"github.com/23skdu/longbow-t2t/internal/device"
)

// BudgetKind selects how the word budget is measured.
type BudgetKind int

const (
	// PaddedWords bounds maxLen * sequences, the volume of the padded tensor.
	PaddedWords BudgetKind = iota
	// Words bounds the number of real target tokens.
	Words
)

func (k BudgetKind) String() string {
	switch k {
	case PaddedWords:
		return "padded"
	case Words:
		return "words"
	}
	return fmt.Sprintf("BudgetKind(%d)", int(k))
}

// LengthPolicy decides what happens to a sequence longer than MaxLen.
type LengthPolicy int

const (
	Truncate LengthPolicy = iota
	Skip
	Fail
)

// ParseLengthPolicy maps a configuration string to a policy.
func ParseLengthPolicy(s string) (LengthPolicy, error) {
	switch s {
	case "", "truncate":
		return Truncate, nil
	case "skip":
		return Skip, nil
	case "fail":
		return Fail, nil
	}
	return Truncate, fmt.Errorf("unknown length policy %q", s)
}

func (p LengthPolicy) String() string {
	switch p {
	case Truncate:
		return "truncate"
	case Skip:
		return "skip"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("LengthPolicy(%d)", int(p))
}

// Config holds the batching parameters.
type Config struct {
	Translation bool

	// SentenceBudget caps sequences per batch. 0 disables the cap.
	SentenceBudget int
	// WordBudget caps words per batch, measured per WordKind. 0 disables it.
	WordBudget int
	WordKind   BudgetKind

	// BufSize is the number of tokens read per buffer refill.
	BufSize      int
	MaxLen       int
	LengthPolicy LengthPolicy
	PadID        int
	// SrcVocab and TgtVocab bound the token ids of the source (LM) and
	// target corpora. 0 disables the check.
	SrcVocab int
	TgtVocab int

	Sort       bool
	RandBatch  bool
	BucketSize int
	DoubledEnd bool
	Seed       int64
}

// DefaultConfig returns a word-budgeted language-model configuration.
func DefaultConfig() Config {
	return Config{
		WordBudget: 4096,
		WordKind:   PaddedWords,
		BufSize:    50000,
		MaxLen:     4096,
		PadID:      1,
		Sort:       true,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.SentenceBudget <= 0 && c.WordBudget <= 0 {
		return fmt.Errorf("batch: need a sentence or word budget")
	}
	if c.SentenceBudget < 0 || c.WordBudget < 0 {
		return fmt.Errorf("batch: budgets must not be negative")
	}
	if c.BufSize < 1 {
		return fmt.Errorf("batch: buffer size must be positive, got %d", c.BufSize)
	}
	if c.MaxLen < 2 {
		return fmt.Errorf("batch: max length must be at least 2, got %d", c.MaxLen)
	}
	if c.BucketSize < 0 {
		return fmt.Errorf("batch: bucket size must not be negative")
	}
	if c.SrcVocab < 0 || c.TgtVocab < 0 {
		return fmt.Errorf("batch: vocabulary sizes must not be negative")
	}
	if c.SrcVocab > 0 && c.PadID >= c.SrcVocab {
		return fmt.Errorf("batch: pad id %d outside vocabulary %d", c.PadID, c.SrcVocab)
	}
	if c.Translation && c.TgtVocab > 0 && c.PadID >= c.TgtVocab {
		return fmt.Errorf("batch: pad id %d outside target vocabulary %d", c.PadID, c.TgtVocab)
	}
	return nil
}

// exceeds reports whether a batch with the given running totals breaks any
// budget.
func (c Config) exceeds(count, maxEnc, maxDec, words int) bool {
	if c.SentenceBudget > 0 && count > c.SentenceBudget {
		return true
	}
	if c.WordBudget <= 0 {
		return false
	}
	switch c.WordKind {
	case Words:
		return words > c.WordBudget
	default:
		return max(maxEnc, maxDec)*count > c.WordBudget
	}
}

// BatchNode describes one planned batch over the sorted sequence order.
// Beg and End are a half-open range of positions in that order.
type BatchNode struct {
	Beg, End int
	MaxEnc   int
	MaxDec   int
	Key      int
}

// Size is the number of sequences in the node.
func (n BatchNode) Size() int { return n.End - n.Beg }

// Batch is one materialised mini-batch. Id slices are row-major
// [Size, len]; padding indicators are arena tensors holding 1 for real tokens
// and 0 for padding.
type Batch struct {
	Size int

	// Input is the LM input or the MT source.
	Input    []int
	InputLen int
	InputPad *device.Tensor

	// Decoder side, set for translation batches only.
	DecInput []int
	DecLen   int
	DecPad   *device.Tensor

	// Gold holds the next-token targets aligned with the output positions.
	Gold    []int
	GoldPad *device.Tensor

	// Seqs are the zero-based corpus line indices of the rows, in row order.
	// Lines dropped by the loader keep their index.
	Seqs []int
	// Words is the number of real gold tokens.
	Words int
}

// Translation reports whether the batch carries a decoder side.
func (b *Batch) Translation() bool { return b.DecPad != nil }

// GoldLen is the width of Gold.
func (b *Batch) GoldLen() int {
	if b.Translation() {
		return b.DecLen
	}
	return b.InputLen
}

// State is the loader's position in its buffer cycle.
type State int

const (
	Empty State = iota
	Buffered
	BatchReady
	Drained
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Buffered:
		return "buffered"
	case BatchReady:
		return "batch-ready"
	case Drained:
		return "drained"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
