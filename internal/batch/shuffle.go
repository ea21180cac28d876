package batch

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// ShuffleFiles writes a shuffled copy of each file into dir and returns the
// new paths. All files are permuted with the same order, so aligned
// translation corpora stay aligned.
func ShuffleFiles(paths []string, dir string, rng *rand.Rand) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	lines := make([][]string, len(paths))
	for i, p := range paths {
		ls, err := readLines(p)
		if err != nil {
			return nil, err
		}
		if i > 0 && len(ls) != len(lines[0]) {
			return nil, fmt.Errorf("shuffle: %s has %d lines, %s has %d", p, len(ls), paths[0], len(lines[0]))
		}
		lines[i] = ls
	}
	perm := rng.Perm(len(lines[0]))

	out := make([]string, 0, len(paths))
	for i, p := range paths {
		name, err := writeShuffled(dir, p, lines[i], perm)
		if err != nil {
			for _, done := range out {
				os.Remove(done)
			}
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// writeShuffled writes lines in perm order to a new temp file in dir. The
// file is removed again if writing fails.
func writeShuffled(dir, src string, lines []string, perm []int) (string, error) {
	f, err := os.CreateTemp(dir, filepath.Base(src)+".shuf-*")
	if err != nil {
		return "", fmt.Errorf("shuffle: failed to create temp file: %w", err)
	}
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	w := bufio.NewWriter(f)
	for _, j := range perm {
		if _, err := w.WriteString(lines[j] + "\n"); err != nil {
			return fail(fmt.Errorf("shuffle: failed to write %s: %w", f.Name(), err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("shuffle: failed to write %s: %w", f.Name(), err))
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("shuffle: failed to close %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shuffle: %w", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("shuffle: reading %s: %w", path, err)
	}
	return lines, nil
}
