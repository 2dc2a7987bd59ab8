package tensor

import (
	"fmt"
	"strings"
)

// MaxDims is the largest rank a shape may have.
const MaxDims = 8

// Shape represents tensor dimensions, outermost first.
type Shape []int

// NewShape returns a copy of dims as a Shape. Every dimension must be
// positive and the rank must not exceed MaxDims.
func NewShape(dims ...int) Shape {
	if len(dims) > MaxDims {
		panic(fmt.Sprintf("tensor: rank %d exceeds MaxDims", len(dims)))
	}
	s := make(Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: dimensions must be positive, got %v", dims))
		}
		s[i] = d
	}
	return s
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// Size returns the total number of elements represented by the shape.
// Scalars (rank 0) report size 1.
func (s Shape) Size() int {
	size := 1
	for _, d := range s {
		size *= d
	}
	return size
}

// Strides computes row-major strides for the shape.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	stride := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Axis normalizes a signed axis index; negative values count from the end.
func (s Shape) Axis(axis int) int {
	n := len(s)
	a := axis
	if a < 0 {
		a += n
	}
	if a < 0 || a >= n {
		panic(fmt.Sprintf("tensor: axis %d out of range for shape %v", axis, s))
	}
	return a
}

// BroadcastWith returns the shape produced by broadcasting s with other.
// Shapes are right-aligned; each aligned pair must be equal or contain a 1.
func (s Shape) BroadcastWith(other Shape) Shape {
	n := len(s)
	if len(other) > n {
		n = len(other)
	}
	out := make(Shape, n)
	for i := 0; i < n; i++ {
		a, b := 1, 1
		if i >= n-len(s) {
			a = s[i-(n-len(s))]
		}
		if i >= n-len(other) {
			b = other[i-(n-len(other))]
		}
		switch {
		case a == b:
			out[i] = a
		case a == 1:
			out[i] = b
		case b == 1:
			out[i] = a
		default:
			panic(fmt.Sprintf("tensor: cannot broadcast %v with %v", s, other))
		}
	}
	return out
}

// Reduce returns the shape with the given axis collapsed to 1.
func (s Shape) Reduce(axis int) Shape {
	a := s.Axis(axis)
	out := s.Clone()
	out[a] = 1
	return out
}

// RemoveAxis drops the given axis. The axis must have size 1.
func (s Shape) RemoveAxis(axis int) Shape {
	a := s.Axis(axis)
	if s[a] != 1 {
		panic(fmt.Sprintf("tensor: cannot remove axis %d of size %d in %v", axis, s[a], s))
	}
	out := make(Shape, 0, len(s)-1)
	out = append(out, s[:a]...)
	out = append(out, s[a+1:]...)
	return out
}

// InsertAxis inserts a new axis of the given size before position axis.
// The position may equal the rank to append an innermost axis.
func (s Shape) InsertAxis(axis, size int) Shape {
	a := axis
	if a < 0 {
		a += len(s) + 1
	}
	if a < 0 || a > len(s) || size <= 0 {
		panic(fmt.Sprintf("tensor: cannot insert axis %d size %d into %v", axis, size, s))
	}
	out := make(Shape, 0, len(s)+1)
	out = append(out, s[:a]...)
	out = append(out, size)
	out = append(out, s[a:]...)
	return NewShape(out...)
}

// ResizeAxis returns the shape with the given axis resized.
func (s Shape) ResizeAxis(axis, size int) Shape {
	a := s.Axis(axis)
	if size <= 0 {
		panic(fmt.Sprintf("tensor: cannot resize axis %d of %v to %d", axis, s, size))
	}
	out := s.Clone()
	out[a] = size
	return out
}

// Unpad shrinks the given axis by pad elements on both sides.
func (s Shape) Unpad(axis, pad int) Shape {
	a := s.Axis(axis)
	if s[a] <= 2*pad {
		panic(fmt.Sprintf("tensor: cannot unpad axis %d of %v by %d", axis, s, pad))
	}
	out := s.Clone()
	out[a] -= 2 * pad
	return out
}

// Transposed swaps the last two axes.
func (s Shape) Transposed() Shape {
	if len(s) < 2 {
		panic(fmt.Sprintf("tensor: cannot transpose %v", s))
	}
	out := s.Clone()
	out[len(out)-1], out[len(out)-2] = out[len(out)-2], out[len(out)-1]
	return out
}

// Permuted reorders the axes so that output axis i takes dimension perm[i].
func (s Shape) Permuted(perm []int) Shape {
	if len(perm) != len(s) {
		panic(fmt.Sprintf("tensor: permutation %v does not match %v", perm, s))
	}
	seen := 0
	out := make(Shape, len(s))
	for i, p := range perm {
		out[i] = s[s.Axis(p)]
		seen |= 1 << s.Axis(p)
	}
	if seen != (1<<len(s))-1 {
		panic(fmt.Sprintf("tensor: %v is not a permutation of axes of %v", perm, s))
	}
	return out
}

// Coord returns a shape of all ones except the given axis, which keeps its
// size. A coordinate vector reshaped to this broadcasts against s.
func (s Shape) Coord(axis int) Shape {
	a := s.Axis(axis)
	out := make(Shape, len(s))
	for i := range out {
		out[i] = 1
	}
	out[a] = s[a]
	return out
}

// BatchedMatMul returns the node shape for a batched matrix multiply of
// s [B, M, K] with other [B, K, N]. Axis 0 of the result is the internal
// reduction axis, always of extent one, summed out by the caller. In
// BatchesMode the layout is [1, B, M, N]; in RowsMode the batch axis moves
// inwards to give [1, M, B, N].
func (s Shape) BatchedMatMul(other Shape, mode MatMulMode) Shape {
	if len(s) != 3 || len(other) != 3 {
		panic(fmt.Sprintf("tensor: batched matmul needs rank 3, got %v and %v", s, other))
	}
	if s[0] != other[0] {
		panic(fmt.Sprintf("tensor: batched matmul batch mismatch between %v and %v", s, other))
	}
	if s[2] != other[1] {
		panic(fmt.Sprintf("tensor: batched matmul inner mismatch between %v and %v", s, other))
	}
	b, m, n := s[0], s[1], other[2]
	switch mode {
	case BatchesMode:
		return NewShape(1, b, m, n)
	case RowsMode:
		return NewShape(1, m, b, n)
	}
	panic(fmt.Sprintf("tensor: unknown matmul mode %d", mode))
}

// MatMulMode selects the output layout of a batched matrix multiply.
type MatMulMode uint8

const (
	// BatchesMode keeps the batch axis outermost: [1, B, M, N].
	BatchesMode MatMulMode = iota
	// RowsMode permutes the batch axis inwards: [1, M, B, N].
	RowsMode
)

func (m MatMulMode) String() string {
	if m == RowsMode {
		return "Rows"
	}
	return "Batches"
}

// MarshalYAML serializes the mode by name.
func (m MatMulMode) MarshalYAML() (interface{}, error) { return m.String(), nil }

// ImageToWindows expands an image shape [M, H, W, C] into the window shape
// [M, Ho, Wo, G, Fh, Fw, Cg] for the given filter, stride and group count.
func (s Shape) ImageToWindows(filterW, filterH, strideW, strideH, groups int) Shape {
	if len(s) != 4 {
		panic(fmt.Sprintf("tensor: image shape must be rank 4, got %v", s))
	}
	m, h, w, c := s[0], s[1], s[2], s[3]
	if c%groups != 0 {
		panic(fmt.Sprintf("tensor: %d channels do not split into %d groups", c, groups))
	}
	if (h-filterH)%strideH != 0 || (w-filterW)%strideW != 0 {
		panic(fmt.Sprintf("tensor: filter %dx%d stride %dx%d does not tile %v", filterW, filterH, strideW, strideH, s))
	}
	ho := (h-filterH)/strideH + 1
	wo := (w-filterW)/strideW + 1
	return NewShape(m, ho, wo, groups, filterH, filterW, c/groups)
}

// WindowsToImage inverts ImageToWindows on the non-channel axes, summing
// overlapping windows back into [M, H, W, C].
func (s Shape) WindowsToImage(strideW, strideH int) Shape {
	if len(s) != 7 {
		panic(fmt.Sprintf("tensor: window shape must be rank 7, got %v", s))
	}
	m, ho, wo, g, fh, fw, cg := s[0], s[1], s[2], s[3], s[4], s[5], s[6]
	return NewShape(m, (ho-1)*strideH+fh, (wo-1)*strideW+fw, g*cg)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
