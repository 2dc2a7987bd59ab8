// Package variable implements the named, shaped storage slots that graphs
// read and write. Storage is row-major float32; u32 values live in the same
// cells as raw bit patterns. Byte-level access is little-endian.
package variable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
)

// Var is one persistent storage slot. Trainable slots are the parameters an
// optimizer step updates; the flag carries no meaning inside the compiler.
type Var struct {
	id        ops.VariableID
	name      string
	shape     tensor.Shape
	trainable bool
	data      []float32
}

// ID returns the variable's identity within its set.
func (v *Var) ID() ops.VariableID { return v.id }

// Name returns the debug name.
func (v *Var) Name() string { return v.name }

// Shape returns the declared shape.
func (v *Var) Shape() tensor.Shape { return v.shape }

// Trainable reports whether optimizer steps should update the slot.
func (v *Var) Trainable() bool { return v.trainable }

// SetTrainable toggles the trainable flag.
func (v *Var) SetTrainable(t bool) { v.trainable = t }

// Data exposes the backing storage. Backends use it; clients should prefer
// readers and writers.
func (v *Var) Data() []float32 { return v.data }

// Set is the registry all variables of one environment live in.
type Set struct {
	vars []*Var
}

// NewSet returns an empty registry.
func NewSet() *Set {
	return &Set{}
}

// New registers a trainable variable with zeroed storage.
func (s *Set) New(shape tensor.Shape, name string) *Var {
	v := &Var{
		id:        ops.VariableID(len(s.vars)),
		name:      name,
		shape:     shape.Clone(),
		trainable: true,
		data:      make([]float32, shape.Size()),
	}
	s.vars = append(s.vars, v)
	return v
}

// Get returns the variable with the given id.
func (s *Set) Get(id ops.VariableID) *Var {
	if int(id) < 0 || int(id) >= len(s.vars) {
		panic(fmt.Sprintf("variable: unknown id %d", id))
	}
	return s.vars[id]
}

// Len returns the number of registered variables.
func (s *Set) Len() int { return len(s.vars) }

// Writer streams bytes into a variable front to back.
type Writer struct {
	v   *Var
	pos int
}

// NewWriter returns a writer positioned at the start of the variable.
func NewWriter(v *Var) *Writer { return &Writer{v: v} }

// Write stores little-endian float32 bytes. Partial trailing values error.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p)%4 != 0 {
		return 0, fmt.Errorf("variable.Writer: write of %d bytes is not float32-aligned", len(p))
	}
	n := len(p) / 4
	if w.pos+n > len(w.v.data) {
		return 0, fmt.Errorf("variable.Writer: write past end of %q (%d elements)", w.v.name, len(w.v.data))
	}
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(p[i*4:])
		w.v.data[w.pos+i] = math.Float32frombits(bits)
	}
	w.pos += n
	return len(p), nil
}

// WriteFloats stores values starting at the current position.
func (w *Writer) WriteFloats(values ...float32) error {
	if w.pos+len(values) > len(w.v.data) {
		return fmt.Errorf("variable.Writer: write past end of %q (%d elements)", w.v.name, len(w.v.data))
	}
	copy(w.v.data[w.pos:], values)
	w.pos += len(values)
	return nil
}

// ZeroFill clears the whole variable and exhausts the writer.
func (w *Writer) ZeroFill() {
	for i := range w.v.data {
		w.v.data[i] = 0
	}
	w.pos = len(w.v.data)
}

// Fill sets every element to value and exhausts the writer.
func (w *Writer) Fill(value float32) {
	for i := range w.v.data {
		w.v.data[i] = value
	}
	w.pos = len(w.v.data)
}

// Reader streams a variable's contents front to back.
type Reader struct {
	v   *Var
	pos int
}

// NewReader returns a reader positioned at the start of the variable.
func NewReader(v *Var) *Reader { return &Reader{v: v} }

// Read produces little-endian float32 bytes.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= len(r.v.data) {
		return 0, io.EOF
	}
	n := 0
	for len(p)-n >= 4 && r.pos < len(r.v.data) {
		binary.LittleEndian.PutUint32(p[n:], math.Float32bits(r.v.data[r.pos]))
		r.pos++
		n += 4
	}
	if n == 0 {
		return 0, fmt.Errorf("variable.Reader: buffer of %d bytes holds no float32", len(p))
	}
	return n, nil
}

// ReadFloats copies the remaining contents into out and returns the number
// of elements copied.
func (r *Reader) ReadFloats(out []float32) int {
	n := copy(out, r.v.data[r.pos:])
	r.pos += n
	return n
}
