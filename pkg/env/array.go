package env

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
)

// Array is a handle to one f32-valued node of the graph being built.
// Arrays are small values; every operation records nodes and returns a new
// handle.
type Array struct {
	node  graph.NodeID
	scope *Scope
}

// UArray is a handle to a u32-valued node.
type UArray struct {
	node  graph.NodeID
	scope *Scope
}

func (s *Scope) shapeOf(id graph.NodeID) tensor.Shape {
	var shape tensor.Shape
	s.with(func(st *scopeState) {
		shape = st.ops.Node(id).Shape
	})
	return shape
}

// viewOf records a Mov node reading src through view.
func (s *Scope) viewOf(src graph.NodeID, view tensor.View) graph.NodeID {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, view.OutputShape, ops.Mov())
		st.ops.AddEdge(src, id, 0, view)
	})
	return id
}

func (s *Scope) unaryOf(src graph.NodeID, op ops.UnaryOp) graph.NodeID {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		shape := st.ops.Node(src).Shape
		id = st.ops.NewNode(st.nextColour, shape, ops.Unary(op), src)
	})
	return id
}

// binaryOf broadcasts both operands to their common shape and records the
// binary node.
func (s *Scope) binaryOf(lhs, rhs graph.NodeID, op ops.BinaryOp) graph.NodeID {
	var opShape tensor.Shape
	s.with(func(st *scopeState) {
		opShape = st.ops.Node(lhs).Shape.BroadcastWith(st.ops.Node(rhs).Shape)
	})
	lhs = s.broadcastOf(lhs, opShape)
	rhs = s.broadcastOf(rhs, opShape)
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, opShape, ops.Binary(op), lhs, rhs)
	})
	return id
}

func (s *Scope) broadcastOf(src graph.NodeID, shape tensor.Shape) graph.NodeID {
	return s.viewOf(src, tensor.BroadcastView(s.shapeOf(src), shape))
}

// Scope returns the scope the array was recorded in.
func (a Array) Scope() *Scope { return a.scope }

// Shape returns the array's shape.
func (a Array) Shape() tensor.Shape { return a.scope.shapeOf(a.node) }

func (a Array) view(v tensor.View) Array {
	return Array{node: a.scope.viewOf(a.node, v), scope: a.scope}
}

// Broadcast replicates the array to the given shape.
func (a Array) Broadcast(shape tensor.Shape) Array {
	return a.view(tensor.BroadcastView(a.Shape(), shape))
}

// Reshape records a move node reinterpreting the array's elements.
func (a Array) Reshape(shape tensor.Shape) Array {
	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		have := st.ops.Node(a.node).Shape
		if have.Size() != shape.Size() {
			panic(fmt.Sprintf("env: cannot reshape %v into %v", have, shape))
		}
		id = st.ops.NewNode(st.nextColour, shape, ops.Mov(), a.node)
	})
	return Array{node: id, scope: a.scope}
}

// Transpose swaps the last two axes.
func (a Array) Transpose() Array {
	return a.view(tensor.IdentityView(a.Shape()).Transposed())
}

// PermuteAxes reorders axes so output axis i takes input axis perm[i].
func (a Array) PermuteAxes(perm ...int) Array {
	return a.view(tensor.IdentityView(a.Shape()).Permuted(perm))
}

// InsertAxis adds a size-1 axis before the given position.
func (a Array) InsertAxis(axis int) Array {
	return a.Reshape(a.Shape().InsertAxis(axis, 1))
}

// RemoveAxis drops a size-1 axis.
func (a Array) RemoveAxis(axis int) Array {
	return a.Reshape(a.Shape().RemoveAxis(axis))
}

func (a Array) keepAxis(axis int, keep bool) Array {
	if keep {
		return a
	}
	return a.RemoveAxis(axis)
}

// LimitAxis restricts an axis to the half-open range [start, end).
func (a Array) LimitAxis(axis, start, end int) Array {
	return a.view(tensor.IdentityView(a.Shape()).Limited(axis, start, end))
}

// LockAxis fixes an axis to one coordinate, optionally keeping the axis.
func (a Array) LockAxis(axis, coord int, keep bool) Array {
	shape := a.Shape()
	norm := shape.Axis(axis)
	return a.LimitAxis(norm, coord, coord+1).keepAxis(norm, keep)
}

// Pad grows an axis with zeros on both sides.
func (a Array) Pad(axis, before, after int) Array {
	if before+after == 0 {
		return a
	}
	return a.view(tensor.IdentityView(a.Shape()).Padded(axis, before, after))
}

// Unpad crops pad elements from both sides of an axis. Unlike Pad this
// materializes a kernel.
func (a Array) Unpad(axis, pad int) Array {
	if pad == 0 {
		return a
	}
	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		shape := st.ops.Node(a.node).Shape
		norm := shape.Axis(axis)
		id = st.ops.NewNode(st.nextColour, shape.Unpad(norm, pad), ops.Unpad(norm, pad), a.node)
	})
	return Array{node: id, scope: a.scope}
}

// PadImage zero-pads the spatial axes of an image batch [M, H, W, C].
func (a Array) PadImage(pad int) Array {
	return a.Pad(-3, pad, pad).Pad(-2, pad, pad)
}

// UnpadImage crops the spatial axes of an image batch.
func (a Array) UnpadImage(pad int) Array {
	return a.Unpad(-3, pad).Unpad(-2, pad)
}

// ImageToWindows views an image batch as filter-sized windows using
// view-only stepping.
func (a Array) ImageToWindows(filterW, filterH, strideW, strideH, groups int) Array {
	return a.view(tensor.WindowsView(a.Shape(), filterW, filterH, strideW, strideH, groups))
}

// WindowsToImage sums overlapping windows back into an image; this
// materializes a kernel because windows may overlap.
func (a Array) WindowsToImage(strideW, strideH int) Array {
	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		shape := st.ops.Node(a.node).Shape.WindowsToImage(strideW, strideH)
		id = st.ops.NewNode(st.nextColour, shape, ops.WindowsToImage(strideW, strideH), a.node)
	})
	return Array{node: id, scope: a.scope}
}

func (a Array) unary(op ops.UnaryOp) Array {
	return Array{node: a.scope.unaryOf(a.node, op), scope: a.scope}
}

func (a Array) binary(rhs Array, op ops.BinaryOp) Array {
	return Array{node: a.scope.binaryOf(a.node, rhs.node, op), scope: a.scope}
}

func (a Array) Neg() Array  { return a.unary(ops.UnaryNeg) }
func (a Array) Exp() Array  { return a.unary(ops.UnaryExp) }
func (a Array) Log() Array  { return a.unary(ops.UnaryLog) }
func (a Array) Sqrt() Array { return a.unary(ops.UnarySqrt) }
func (a Array) Sin() Array  { return a.unary(ops.UnarySin) }
func (a Array) Cos() Array  { return a.unary(ops.UnaryCos) }

func (a Array) Square() Array { return a.Mul(a) }

// Sigmoid computes e^x / (e^x + 1).
func (a Array) Sigmoid() Array {
	return a.Exp().Div(a.Exp().AddScalar(1))
}

// Tanh computes (e^x - e^-x) / (e^x + e^-x).
func (a Array) Tanh() Array {
	p := a.Exp()
	n := a.Neg().Exp()
	return p.Sub(n).Div(p.Add(n))
}

func (a Array) Add(rhs Array) Array { return a.binary(rhs, ops.BinaryAdd) }
func (a Array) Sub(rhs Array) Array { return a.binary(rhs, ops.BinarySub) }
func (a Array) Mul(rhs Array) Array { return a.binary(rhs, ops.BinaryMul) }
func (a Array) Div(rhs Array) Array { return a.binary(rhs, ops.BinaryDiv) }
func (a Array) Pow(rhs Array) Array { return a.binary(rhs, ops.BinaryPow) }

func (a Array) AddScalar(v float32) Array { return a.Add(a.scope.LiteralValue(v)) }
func (a Array) SubScalar(v float32) Array { return a.Sub(a.scope.LiteralValue(v)) }
func (a Array) MulScalar(v float32) Array { return a.Mul(a.scope.LiteralValue(v)) }
func (a Array) DivScalar(v float32) Array { return a.Div(a.scope.LiteralValue(v)) }
func (a Array) PowScalar(v float32) Array { return a.Pow(a.scope.LiteralValue(v)) }

// ToU32Bits reinterprets the value bits as u32 without conversion.
func (a Array) ToU32Bits() UArray {
	return UArray{node: a.node, scope: a.scope}
}

// IntoU32 converts the float value to u32.
func (a Array) IntoU32() UArray {
	return a.unary(ops.UnaryFloatToUint).ToU32Bits()
}

func (a Array) compareAndSelect(mode ops.CompareMode, rhs, pass, fail Array) Array {
	s := a.scope
	var opShape tensor.Shape
	s.with(func(st *scopeState) {
		opShape = st.ops.Node(a.node).Shape.
			BroadcastWith(st.ops.Node(rhs.node).Shape).
			BroadcastWith(st.ops.Node(pass.node).Shape).
			BroadcastWith(st.ops.Node(fail.node).Shape)
	})
	lhsID := s.broadcastOf(a.node, opShape)
	rhsID := s.broadcastOf(rhs.node, opShape)
	passID := s.broadcastOf(pass.node, opShape)
	failID := s.broadcastOf(fail.node, opShape)
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, opShape, ops.CompareAndSelect(mode), lhsID, rhsID, passID, failID)
	})
	return Array{node: id, scope: s}
}

// SelectEq yields pass where a == rhs and fail elsewhere.
func (a Array) SelectEq(rhs, pass, fail Array) Array {
	return a.compareAndSelect(ops.CompareEq, rhs, pass, fail)
}

// SelectGt yields pass where a > rhs and fail elsewhere.
func (a Array) SelectGt(rhs, pass, fail Array) Array {
	return a.compareAndSelect(ops.CompareGt, rhs, pass, fail)
}

// Concat joins two arrays along an axis by padding both onto the output
// shape and selecting by coordinate.
func (a Array) Concat(other Array, axis int) Array {
	shape := a.Shape()
	otherShape := other.Shape()
	norm := shape.Axis(axis)

	length := shape[norm]
	otherLength := otherShape[norm]
	total := length + otherLength

	outputShape := shape.ResizeAxis(norm, total)
	if !outputShape.Equal(otherShape.ResizeAxis(norm, total)) {
		panic(fmt.Sprintf("env: cannot concat %v with %v along axis %d", shape, otherShape, axis))
	}
	outputCoord := a.scope.Coord(total).Value().Reshape(outputShape.Coord(norm))

	return outputCoord.SelectGt(
		a.scope.LiteralValue(float32(length-1)),
		other.Pad(norm, length, 0),
		a.Pad(norm, 0, otherLength),
	)
}

func (a Array) reduce(op ops.ReduceOp, axis int) Array {
	shape := a.Shape()
	norm := shape.Axis(axis)
	// reducing a size-1 axis is a no-op and must not emit a kernel
	if shape[norm] == 1 {
		return a
	}
	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, shape.Reduce(norm), ops.Reduction(op, norm), a.node)
	})
	return Array{node: id, scope: a.scope}
}

// ReduceSum folds an axis by addition.
func (a Array) ReduceSum(axis int, keep bool) Array {
	norm := a.Shape().Axis(axis)
	return a.reduce(ops.ReduceSum, norm).keepAxis(norm, keep)
}

// ReduceMax folds an axis by maximum.
func (a Array) ReduceMax(axis int, keep bool) Array {
	norm := a.Shape().Axis(axis)
	return a.reduce(ops.ReduceMax, norm).keepAxis(norm, keep)
}

// ArgMax yields the coordinate of the maximum along an axis.
func (a Array) ArgMax(axis int, keep bool) Array {
	norm := a.Shape().Axis(axis)
	coordOrZero := a.SelectEq(a.ReduceMax(norm, true), a.CoordAlong(norm), a.scope.LiteralValue(0))
	return coordOrZero.ReduceMax(norm, keep)
}

// CoordAlong yields each element's coordinate along an axis, shaped to
// broadcast against the array.
func (a Array) CoordAlong(axis int) Array {
	shape := a.Shape()
	norm := shape.Axis(axis)
	return a.scope.Coord(shape[norm]).Value().Reshape(shape.Coord(norm))
}

// OneHot expands class indices into one-hot vectors of the given width.
func (a Array) OneHot(count int) Array {
	return a.scope.Coord(count).Value().SelectEq(a, a.scope.LiteralValue(1), a.scope.LiteralValue(0))
}

// Gather selects rows along an axis by a rank-1 index stream.
func (a Array) Gather(axis int, indices UArray) Array {
	indexShape := indices.Shape()
	if indexShape.Rank() != 1 {
		panic(fmt.Sprintf("env: gather indices must be rank 1, got %v", indexShape))
	}
	valuesShape := a.Shape()
	norm := valuesShape.Axis(axis)
	shape := valuesShape.ResizeAxis(norm, indexShape[0])
	index := indices.Reshape(shape.Coord(norm)).Broadcast(shape)

	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, shape, ops.Gather(norm), a.node, index.node)
	})
	return Array{node: id, scope: a.scope}
}

// ScatterAdd adds value rows into a at the positions selected by indices
// along an axis; a provides the initial contents.
func (a Array) ScatterAdd(values Array, axis int, indices UArray) Array {
	shape := a.Shape()
	norm := shape.Axis(axis)
	indexShape := indices.Shape()
	if indexShape.Rank() != 1 {
		panic(fmt.Sprintf("env: scatter-add indices must be rank 1, got %v", indexShape))
	}
	valuesShape := values.Shape()
	if !shape.ResizeAxis(norm, indexShape[0]).Equal(valuesShape) {
		panic(fmt.Sprintf("env: scatter-add of %v into %v along axis %d", valuesShape, shape, axis))
	}
	index := indices.Reshape(valuesShape.Coord(norm)).Broadcast(valuesShape)

	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, shape, ops.ScatterAdd(norm), a.node, values.node, index.node)
	})
	return Array{node: id, scope: a.scope}
}

// MatMul multiplies two matrices.
func (a Array) MatMul(rhs Array) Array {
	lhs := a.InsertAxis(0)
	r := rhs.InsertAxis(0)
	return lhs.BatchedMatMul(r, tensor.BatchesMode).RemoveAxis(0)
}

// BatchedMatMul multiplies batched matrices [B, M, K] x [B, K, N]. The
// kernel's internal reduction axis is summed out immediately.
func (a Array) BatchedMatMul(rhs Array, mode tensor.MatMulMode) Array {
	var id graph.NodeID
	a.scope.with(func(st *scopeState) {
		shape := st.ops.Node(a.node).Shape.BatchedMatMul(st.ops.Node(rhs.node).Shape, mode)
		id = st.ops.NewNode(st.nextColour, shape, ops.MatMul(mode), a.node, rhs.node)
	})
	chunks := Array{node: id, scope: a.scope}
	output := chunks.ReduceSum(0, false)
	if mode == tensor.RowsMode {
		return output.PermuteAxes(1, 0, 2)
	}
	return output
}

// Unbroadcast reduces the array back onto shape by summing the broadcast
// axes; identical shapes pass through untouched.
func (a Array) Unbroadcast(shape tensor.Shape) Array {
	output := a
	for output.Shape().Rank() > shape.Rank() {
		output = output.ReduceSum(0, false)
	}
	outShape := output.Shape()
	if outShape.Rank() != shape.Rank() {
		panic(fmt.Sprintf("env: cannot unbroadcast %v onto %v", a.Shape(), shape))
	}
	for i := range outShape {
		if outShape[i] != shape[i] {
			if shape[i] != 1 {
				panic(fmt.Sprintf("env: cannot unbroadcast %v onto %v", a.Shape(), shape))
			}
			output = output.ReduceSum(i, true)
		}
	}
	return output
}

// WithEmptyGrad pairs the array with a fresh gradient sink.
func (a Array) WithEmptyGrad() (Array, Array) {
	grad := a.scope.Accumulator(a.Shape())
	return a, grad
}

// WithEmptyGradDual pairs the array with a fresh gradient sink as a dual.
func (a Array) WithEmptyGradDual() DualArray {
	value, grad := a.WithEmptyGrad()
	return DualArray{value: value.node, lossGrad: grad.node, scope: a.scope}
}

// Accumulate adds src into this gradient sink. The first contribution
// becomes the sink's single input; later ones chain Add nodes in insertion
// order, which fixes the floating-point summation order.
func (a Array) Accumulate(src Array) {
	a.scope.with(func(st *scopeState) {
		node := st.ops.Node(a.node)
		if node.Op != ops.Mov() {
			panic(fmt.Sprintf("env: accumulate into non-sink op %v", node.Op))
		}
		srcShape := st.ops.Node(src.node).Shape
		if !node.Shape.Equal(srcShape) {
			panic(fmt.Sprintf("env: accumulate %v into sink of %v", srcShape, node.Shape))
		}
		srcID := src.node
		if in := st.ops.InEdges(a.node); len(in) > 0 {
			prev := st.ops.Edge(in[0]).Src()
			st.ops.RemoveEdge(in[0])
			srcID = st.ops.NewNode(st.nextColour, srcShape, ops.Binary(ops.BinaryAdd), prev, src.node)
		}
		st.ops.AddEdge(srcID, a.node, 0, tensor.IdentityView(srcShape))
	})
}

// setLossGradRoot seeds this gradient sink with 1/minibatch, the one and
// only seeded gradient of a graph.
func (a Array) setLossGradRoot() {
	gradShape := a.Shape()
	miniBatch := gradShape[0]
	scale := a.scope.LiteralValue(1.0 / float32(miniBatch)).Broadcast(gradShape)
	a.scope.with(func(st *scopeState) {
		node := st.ops.Node(a.node)
		if node.Op != ops.Mov() {
			panic(fmt.Sprintf("env: loss gradient root is %v, not a sink", node.Op))
		}
		if len(st.ops.InEdges(a.node)) != 0 {
			panic("env: loss gradient root already seeded")
		}
		st.ops.AddEdge(scale.node, a.node, 0, tensor.IdentityView(gradShape))
	})
}

// Shape returns the array's shape.
func (u UArray) Shape() tensor.Shape { return u.scope.shapeOf(u.node) }

func (u UArray) view(v tensor.View) UArray {
	return UArray{node: u.scope.viewOf(u.node, v), scope: u.scope}
}

// Broadcast replicates the array to the given shape.
func (u UArray) Broadcast(shape tensor.Shape) UArray {
	return u.view(tensor.BroadcastView(u.Shape(), shape))
}

// Reshape records a move node reinterpreting the array's elements.
func (u UArray) Reshape(shape tensor.Shape) UArray {
	var id graph.NodeID
	u.scope.with(func(st *scopeState) {
		have := st.ops.Node(u.node).Shape
		if have.Size() != shape.Size() {
			panic(fmt.Sprintf("env: cannot reshape %v into %v", have, shape))
		}
		id = st.ops.NewNode(st.nextColour, shape, ops.Mov(), u.node)
	})
	return UArray{node: id, scope: u.scope}
}

// Transpose swaps the last two axes.
func (u UArray) Transpose() UArray {
	return u.view(tensor.IdentityView(u.Shape()).Transposed())
}

func (u UArray) binary(rhs UArray, op ops.BinaryOp) UArray {
	return UArray{node: u.scope.binaryOf(u.node, rhs.node, op), scope: u.scope}
}

func (u UArray) Add(rhs UArray) UArray { return u.binary(rhs, ops.BinaryUAdd) }
func (u UArray) Mul(rhs UArray) UArray { return u.binary(rhs, ops.BinaryUMul) }
func (u UArray) Rem(rhs UArray) UArray { return u.binary(rhs, ops.BinaryURem) }
func (u UArray) Xor(rhs UArray) UArray { return u.binary(rhs, ops.BinaryUBitXor) }

func (u UArray) AddScalar(v uint32) UArray { return u.Add(u.scope.LiteralU32(v)) }
func (u UArray) MulScalar(v uint32) UArray { return u.Mul(u.scope.LiteralU32(v)) }
func (u UArray) RemScalar(v uint32) UArray { return u.Rem(u.scope.LiteralU32(v)) }
func (u UArray) XorScalar(v uint32) UArray { return u.Xor(u.scope.LiteralU32(v)) }

// ToF32Bits reinterprets the value bits as f32 without conversion.
func (u UArray) ToF32Bits() Array {
	return Array{node: u.node, scope: u.scope}
}

// IntoF32 converts the u32 value to float.
func (u UArray) IntoF32() Array {
	return UArray{node: u.scope.unaryOf(u.node, ops.UnaryUintToFloat), scope: u.scope}.ToF32Bits()
}
