package params

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-t2t/internal/device"
)

// Marker precedes every entry in an artifact.
const Marker = "param:"

// DecMode decodes artifacts. Parameter arrays routinely exceed the default
// CBOR element limit.
var DecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxArrayElements: math.MaxInt32}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Entry is one serialised parameter.
type Entry struct {
	Name  string    `cbor:"name"`
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// Sum returns the sum of the entry's values.
func (e Entry) Sum() float64 {
	var s float64
	for _, v := range e.Data {
		s += float64(v)
	}
	return s
}

// Save writes every parameter in registry order as a CBOR sequence of
// marker, entry pairs.
func Save(w io.Writer, r *Registry) error {
	enc := cbor.NewEncoder(w)
	for name, t := range r.All() {
		if err := enc.Encode(Marker); err != nil {
			return fmt.Errorf("failed to write marker for %s: %w", name, err)
		}
		if err := enc.Encode(Entry{Name: name, Shape: t.Shape(), Data: t.Data()}); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// Load reads an artifact into the registry. Entries must appear in registry
// order with matching names and shapes. Nothing is copied unless every entry
// matches.
func Load(rd io.Reader, r *Registry) error {
	dec := DecMode.NewDecoder(rd)
	var (
		entries []Entry
		targets []*device.Tensor
	)
	for name, t := range r.All() {
		e, err := readEntry(dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to load %s: artifact ends early", name)
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
		if e.Name != name {
			return fmt.Errorf("failed to load %s: found %s at its position", name, e.Name)
		}
		if !device.EqualShape(e.Shape, t.Shape()) || len(e.Data) != t.Size() {
			return fmt.Errorf("failed to load %s: shape %s, want %s", name,
				device.ShapeString(e.Shape), device.ShapeString(t.Shape()))
		}
		entries = append(entries, e)
		targets = append(targets, t)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("artifact has more entries than the model")
	}
	for i, t := range targets {
		t.CopyFrom(entries[i].Data)
	}
	return nil
}

// ReadAll decodes every entry of an artifact without a model.
func ReadAll(rd io.Reader) ([]Entry, error) {
	dec := DecMode.NewDecoder(rd)
	var out []Entry
	for {
		e, err := readEntry(dec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("entry %d: %w", len(out), err)
		}
		out = append(out, e)
	}
}

func readEntry(dec *cbor.Decoder) (Entry, error) {
	var marker string
	if err := dec.Decode(&marker); err != nil {
		return Entry{}, err
	}
	if marker != Marker {
		return Entry{}, fmt.Errorf("bad marker %q", marker)
	}
	var e Entry
	if err := dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.ErrUnexpectedEOF
		}
		return Entry{}, err
	}
	return e, nil
}

// SaveFile writes the artifact atomically.
func SaveFile(path string, r *Registry) error {
	return WriteFileAtomic(path, func(w io.Writer) error { return Save(w, r) })
}

// LoadFile reads an artifact from disk.
func LoadFile(path string, r *Registry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()
	if err := Load(bufio.NewReader(f), r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes through a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
