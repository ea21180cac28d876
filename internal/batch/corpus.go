package batch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Corpus is a re-openable source of id-mapped sequences, one per line.
type Corpus interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type fileCorpus string

// File returns a corpus backed by a file on disk.
func File(path string) Corpus { return fileCorpus(path) }

func (f fileCorpus) Name() string { return string(f) }

func (f fileCorpus) Open() (io.ReadCloser, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	return fh, nil
}

type textCorpus struct {
	name, text string
}

// Text returns an in-memory corpus.
func Text(name, text string) Corpus { return textCorpus{name, text} }

func (t textCorpus) Name() string { return t.name }

func (t textCorpus) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(t.text)), nil
}

const maxLineBytes = 16 << 20

// lineReader reads sequences and keeps the line number for error reports.
type lineReader struct {
	name    string
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
	vocab   int
}

func openReader(c Corpus, vocab int) (*lineReader, error) {
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &lineReader{name: c.Name(), closer: rc, scanner: sc, vocab: vocab}, nil
}

// next returns the ids on the next line. ok is false at end of stream.
func (r *lineReader) next() (ids []int, ok bool, err error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, false, fmt.Errorf("%s:%d: %w", r.name, r.line+1, err)
		}
		return nil, false, nil
	}
	r.line++
	ids, err = parseIDs(r.scanner.Text(), r.vocab)
	if err != nil {
		return nil, false, fmt.Errorf("%s:%d: %w", r.name, r.line, err)
	}
	return ids, true, nil
}

func (r *lineReader) Close() error {
	return r.closer.Close()
}

// parseIDs reads whitespace-separated ids. A positive vocab bounds them.
func parseIDs(line string, vocab int) ([]int, error) {
	fields := strings.Fields(line)
	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		if id < 0 {
			return nil, fmt.Errorf("negative token id %d", id)
		}
		if vocab > 0 && id >= vocab {
			return nil, fmt.Errorf("token id %d outside vocabulary %d", id, vocab)
		}
		ids[i] = id
	}
	return ids, nil
}
