package tensor

import "fmt"

// AxisMapping describes how one output axis of a View indexes the input.
// A coordinate c on the output axis contributes c*Step + Offset to the
// coordinate of the Source input axis; mappings that share a source axis sum
// their contributions. Source -1 marks an axis with no input contribution.
// Unbounded mappings address merged runs of input axes linearly and are
// exempt from per-axis bounds checks.
type AxisMapping struct {
	Source    int  `yaml:"source"`
	Step      int  `yaml:"step"`
	Offset    int  `yaml:"offset,omitempty"`
	Unbounded bool `yaml:"unbounded,omitempty"`
}

// View is an affine remap from an output shape onto the memory of an input
// shape. Views compose without touching data; every graph edge carries one.
type View struct {
	InputShape  Shape         `yaml:"input_shape,flow"`
	OutputShape Shape         `yaml:"output_shape,flow"`
	Mappings    []AxisMapping `yaml:"mappings"`
	// BaseOffset is a constant linear offset into the input, produced when a
	// composition drops an axis that carried an offset.
	BaseOffset int `yaml:"base_offset,omitempty"`
}

// IdentityView maps a shape onto itself.
func IdentityView(s Shape) View {
	m := make([]AxisMapping, len(s))
	for i := range m {
		m[i] = AxisMapping{Source: i, Step: 1}
	}
	return View{InputShape: s.Clone(), OutputShape: s.Clone(), Mappings: m}
}

// BroadcastView replicates src across dst. Axes where src has size 1 get
// step 0; axes missing from src contribute nothing.
func BroadcastView(src, dst Shape) View {
	if !dst.Equal(src.BroadcastWith(dst)) {
		panic(fmt.Sprintf("tensor: cannot broadcast %v to %v", src, dst))
	}
	m := make([]AxisMapping, len(dst))
	for j := range dst {
		i := j - (len(dst) - len(src))
		switch {
		case i < 0:
			m[j] = AxisMapping{Source: -1}
		case src[i] == 1 && dst[j] != 1:
			m[j] = AxisMapping{Source: i, Step: 0}
		default:
			m[j] = AxisMapping{Source: i, Step: 1}
		}
	}
	return View{InputShape: src.Clone(), OutputShape: dst.Clone(), Mappings: m}
}

// WindowsView indexes an image shape [M, H, W, C] as overlapping windows
// [M, Ho, Wo, G, Fh, Fw, Cg]. The window row/column axes step by the stride
// while the filter axes step by one over the same source axes.
func WindowsView(input Shape, filterW, filterH, strideW, strideH, groups int) View {
	out := input.ImageToWindows(filterW, filterH, strideW, strideH, groups)
	cg := out[6]
	return View{
		InputShape:  input.Clone(),
		OutputShape: out,
		Mappings: []AxisMapping{
			{Source: 0, Step: 1},
			{Source: 1, Step: strideH},
			{Source: 2, Step: strideW},
			{Source: 3, Step: cg},
			{Source: 1, Step: 1},
			{Source: 2, Step: 1},
			{Source: 3, Step: 1},
		},
	}
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	m := make([]AxisMapping, len(v.Mappings))
	copy(m, v.Mappings)
	return View{
		InputShape:  v.InputShape.Clone(),
		OutputShape: v.OutputShape.Clone(),
		Mappings:    m,
		BaseOffset:  v.BaseOffset,
	}
}

// Equal reports exact structural equality.
func (v View) Equal(other View) bool {
	if !v.InputShape.Equal(other.InputShape) || !v.OutputShape.Equal(other.OutputShape) {
		return false
	}
	if v.BaseOffset != other.BaseOffset || len(v.Mappings) != len(other.Mappings) {
		return false
	}
	for i := range v.Mappings {
		if v.Mappings[i] != other.Mappings[i] {
			return false
		}
	}
	return true
}

// Permuted reorders the output axes so output axis i becomes old axis perm[i].
func (v View) Permuted(perm []int) View {
	out := v.Clone()
	out.OutputShape = v.OutputShape.Permuted(perm)
	for i, p := range perm {
		out.Mappings[i] = v.Mappings[v.OutputShape.Axis(p)]
	}
	return out
}

// Transposed swaps the last two output axes.
func (v View) Transposed() View {
	n := len(v.OutputShape)
	if n < 2 {
		panic(fmt.Sprintf("tensor: cannot transpose view of %v", v.OutputShape))
	}
	out := v.Clone()
	out.OutputShape = v.OutputShape.Transposed()
	out.Mappings[n-1], out.Mappings[n-2] = v.Mappings[n-2], v.Mappings[n-1]
	return out
}

// Limited restricts an output axis to the half-open range [start, end).
func (v View) Limited(axis, start, end int) View {
	a := v.OutputShape.Axis(axis)
	if start < 0 || end > v.OutputShape[a] || start >= end {
		panic(fmt.Sprintf("tensor: limit [%d, %d) out of range for axis %d of %v", start, end, axis, v.OutputShape))
	}
	out := v.Clone()
	out.OutputShape[a] = end - start
	out.Mappings[a].Offset += start * out.Mappings[a].Step
	return out
}

// Padded grows an output axis by before and after elements; reads outside
// the input range produce zero.
func (v View) Padded(axis, before, after int) View {
	a := v.OutputShape.Axis(axis)
	out := v.Clone()
	out.OutputShape[a] += before + after
	out.Mappings[a].Offset -= before * out.Mappings[a].Step
	return out
}

// TryFromReshape builds the view that reinterprets contiguous src memory as
// dst. It succeeds when element counts match and the shapes align on a
// common factorization; merged axis runs use unbounded linear mappings.
func TryFromReshape(src, dst Shape) (View, bool) {
	if src.Size() != dst.Size() {
		return View{}, false
	}
	v := View{
		InputShape:  src.Clone(),
		OutputShape: dst.Clone(),
		Mappings:    make([]AxisMapping, len(dst)),
	}
	i, j := 0, 0
	for i < len(src) && j < len(dst) {
		sp, dp := src[i], dst[j]
		a, c := i, j
		i++
		j++
		for sp != dp {
			if sp < dp {
				if i >= len(src) {
					return View{}, false
				}
				sp *= src[i]
				i++
			} else {
				if j >= len(dst) {
					return View{}, false
				}
				dp *= dst[j]
				j++
			}
		}
		merged := i-a > 1
		source := a
		if merged {
			source = i - 1
		}
		rem := dp
		for t := c; t < j; t++ {
			rem /= dst[t]
			v.Mappings[t] = AxisMapping{Source: source, Step: rem, Unbounded: merged}
		}
	}
	for ; i < len(src); i++ {
		if src[i] != 1 {
			return View{}, false
		}
	}
	for ; j < len(dst); j++ {
		if dst[j] != 1 {
			return View{}, false
		}
		v.Mappings[j] = AxisMapping{Source: -1}
	}
	return v, true
}

// axisRange returns the inclusive coordinate range the bounded mappings can
// produce on input axis s.
func (v View) axisRange(s int) (lo, hi int) {
	for j, m := range v.Mappings {
		if m.Source != s || m.Unbounded {
			continue
		}
		span := (v.OutputShape[j] - 1) * m.Step
		if span < 0 {
			lo += span
		} else {
			hi += span
		}
		lo += m.Offset
		hi += m.Offset
	}
	return lo, hi
}

// padsAxis reports whether bounded coordinates on input axis s can fall
// outside the input shape.
func (v View) padsAxis(s int) bool {
	lo, hi := v.axisRange(s)
	return lo < 0 || hi >= v.InputShape[s]
}

// ZeroPads reports whether any coordinate of the view reads outside the
// input and therefore yields zero.
func (v View) ZeroPads() bool {
	for s := range v.InputShape {
		if v.padsAxis(s) {
			return true
		}
	}
	return false
}

// linearForm returns the per-output-axis linear strides into the input plus
// the constant linear offset.
func (v View) linearForm() (strides []int, constant int) {
	in := v.InputShape.Strides()
	strides = make([]int, len(v.Mappings))
	constant = v.BaseOffset
	for j, m := range v.Mappings {
		if m.Source < 0 {
			continue
		}
		strides[j] = m.Step * in[m.Source]
		constant += m.Offset * in[m.Source]
	}
	return strides, constant
}

// IsContiguous reports whether the view is the linear identity: element i of
// the output reads element i of the input, with no broadcast, reorder or
// padding. Pure reshapes of contiguous data are contiguous.
func (v View) IsContiguous() bool {
	if v.InputShape.Size() != v.OutputShape.Size() {
		return false
	}
	strides, constant := v.linearForm()
	if constant != 0 {
		return false
	}
	want := v.OutputShape.Strides()
	for j := range strides {
		if strides[j] != want[j] {
			return false
		}
	}
	return !v.ZeroPads()
}

// IsPerElement reports whether the view keeps per-element fusion legal: the
// destination's element i depends exactly on the source's element i.
func (v View) IsPerElement() bool {
	return v.IsContiguous()
}

// CanViewThrough reports whether composing v with other (v applied to the
// data first, other to its result) loses no indexing information, so that
// Through(other, canReshape) is exact.
func (v View) CanViewThrough(other View, canReshape bool) bool {
	if !v.OutputShape.Equal(other.InputShape) {
		return canReshape && v.IsContiguous() && !other.ZeroPads() &&
			v.OutputShape.Size() == other.InputShape.Size()
	}
	contiguous := v.IsContiguous()
	if other.BaseOffset != 0 && !contiguous {
		return false
	}
	referenced := make([]bool, len(v.Mappings))
	for j, m2 := range other.Mappings {
		if m2.Source < 0 {
			continue
		}
		referenced[m2.Source] = true
		m1 := v.Mappings[m2.Source]
		if m2.Unbounded && !contiguous {
			return false
		}
		if other.ZeroPads() && other.padsThroughAxis(j) {
			identity := m1.Source >= 0 && m1.Step == 1 && m1.Offset == 0 && !m1.Unbounded &&
				v.InputShape[m1.Source] == v.OutputShape[m2.Source]
			if !identity {
				return false
			}
		}
	}
	// dropping a padded axis would silently zero the whole result
	for s, m1 := range v.Mappings {
		if !referenced[s] && m1.Source >= 0 {
			if m1.Offset < 0 || m1.Offset >= v.InputShape[m1.Source] {
				return false
			}
		}
	}
	return true
}

// padsThroughAxis reports whether output axis j can drive its source axis
// out of range.
func (v View) padsThroughAxis(j int) bool {
	m := v.Mappings[j]
	if m.Source < 0 || m.Unbounded {
		return false
	}
	return v.padsAxis(m.Source)
}

// Through composes two views: v indexes the data, other indexes the result
// of v. The returned view indexes the original data directly. canReshape
// permits composing across a contiguous reinterpretation of v's output.
// Callers must check CanViewThrough first; illegal compositions panic.
func (v View) Through(other View, canReshape bool) View {
	if !v.OutputShape.Equal(other.InputShape) {
		if !canReshape || !v.IsContiguous() || other.ZeroPads() {
			panic(fmt.Sprintf("tensor: cannot compose view of %v through view of %v", v.OutputShape, other.InputShape))
		}
		// v is a contiguous relabeling, so other's source axes address the
		// input linearly through the innermost axis.
		strides := other.InputShape.Strides()
		inner := len(v.InputShape) - 1
		m := make([]AxisMapping, len(other.Mappings))
		for j, m2 := range other.Mappings {
			if m2.Source < 0 {
				m[j] = AxisMapping{Source: -1}
				continue
			}
			m[j] = AxisMapping{
				Source:    inner,
				Step:      m2.Step * strides[m2.Source],
				Offset:    m2.Offset * strides[m2.Source],
				Unbounded: true,
			}
		}
		return View{
			InputShape:  v.InputShape.Clone(),
			OutputShape: other.OutputShape.Clone(),
			Mappings:    m,
			BaseOffset:  other.BaseOffset,
		}
	}

	out := View{
		InputShape:  v.InputShape.Clone(),
		OutputShape: other.OutputShape.Clone(),
		Mappings:    make([]AxisMapping, len(other.Mappings)),
		BaseOffset:  v.BaseOffset + other.BaseOffset,
	}
	used := make([]bool, len(v.Mappings))
	for j, m2 := range other.Mappings {
		if m2.Source < 0 {
			out.Mappings[j] = AxisMapping{Source: -1}
			continue
		}
		m1 := v.Mappings[m2.Source]
		if m1.Source < 0 {
			out.Mappings[j] = AxisMapping{Source: -1}
			used[m2.Source] = true
			continue
		}
		off := m2.Offset * m1.Step
		if !used[m2.Source] {
			off += m1.Offset
			used[m2.Source] = true
		}
		out.Mappings[j] = AxisMapping{
			Source:    m1.Source,
			Step:      m1.Step * m2.Step,
			Offset:    off,
			Unbounded: m1.Unbounded || m2.Unbounded,
		}
	}
	in := v.InputShape.Strides()
	for s, m1 := range v.Mappings {
		if !used[s] && m1.Source >= 0 && m1.Offset != 0 {
			out.BaseOffset += m1.Offset * in[m1.Source]
		}
	}
	return out
}

// Index maps output coordinates to a linear input element index. ok is
// false when the coordinates fall into zero padding.
func (v View) Index(coords []int) (idx int, ok bool) {
	if len(coords) != len(v.Mappings) {
		panic(fmt.Sprintf("tensor: %d coordinates for view of %v", len(coords), v.OutputShape))
	}
	axes := make([]int, len(v.InputShape))
	unbounded := make([]bool, len(v.InputShape))
	for j, m := range v.Mappings {
		if m.Source < 0 {
			continue
		}
		axes[m.Source] += coords[j]*m.Step + m.Offset
		if m.Unbounded {
			unbounded[m.Source] = true
		}
	}
	strides := v.InputShape.Strides()
	idx = v.BaseOffset
	for s, x := range axes {
		if !unbounded[s] && (x < 0 || x >= v.InputShape[s]) {
			return 0, false
		}
		idx += x * strides[s]
	}
	if idx < 0 || idx >= v.InputShape.Size() {
		return 0, false
	}
	return idx, true
}

// Coords fills out with the coordinates of linear element i in shape s.
func (s Shape) Coords(i int, out []int) []int {
	if out == nil {
		out = make([]int, len(s))
	}
	for a := len(s) - 1; a >= 0; a-- {
		out[a] = i % s[a]
		i /= s[a]
	}
	return out
}

func (v View) String() string {
	return fmt.Sprintf("%v<-%v%v+%d", v.OutputShape, v.InputShape, v.Mappings, v.BaseOffset)
}
