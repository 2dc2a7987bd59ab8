package env

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/tensor"
)

// DualArray pairs a value with its loss-gradient sink. Every operation
// records the forward node and immediately wires the backward
// contributions into the operands' sinks, so the whole backward pass lives
// in the same graph and is optimized with the forward pass.
type DualArray struct {
	value    graph.NodeID
	lossGrad graph.NodeID
	scope    *Scope
}

// NewDual pairs a value with an explicit gradient sink.
func NewDual(value, lossGrad Array) DualArray {
	return DualArray{value: value.node, lossGrad: lossGrad.node, scope: value.scope}
}

// Value returns the forward value.
func (d DualArray) Value() Array {
	return Array{node: d.value, scope: d.scope}
}

// LossGrad returns the gradient sink.
func (d DualArray) LossGrad() Array {
	return Array{node: d.lossGrad, scope: d.scope}
}

// Shape returns the value's shape.
func (d DualArray) Shape() tensor.Shape { return d.Value().Shape() }

// Scope returns the scope the dual was recorded in.
func (d DualArray) Scope() *Scope { return d.scope }

// Add records a + b; both gradients receive the unbroadcast output
// gradient.
func (d DualArray) Add(rhs DualArray) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.Add(b).WithEmptyGrad()
	da.Accumulate(dc.Unbroadcast(a.Shape()))
	db.Accumulate(dc.Unbroadcast(b.Shape()))

	return NewDual(c, dc)
}

// Sub records a - b.
func (d DualArray) Sub(rhs DualArray) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.Sub(b).WithEmptyGrad()
	da.Accumulate(dc.Unbroadcast(a.Shape()))
	db.Accumulate(dc.Unbroadcast(b.Shape()).Neg())

	return NewDual(c, dc)
}

// Mul records a * b with the product-rule gradients.
func (d DualArray) Mul(rhs DualArray) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.Mul(b).WithEmptyGrad()
	da.Accumulate(b.Mul(dc).Unbroadcast(a.Shape()))
	db.Accumulate(a.Mul(dc).Unbroadcast(b.Shape()))

	return NewDual(c, dc)
}

// Pow records a^b; da += dc*b*a^(b-1), db += dc*log(a)*a^b.
func (d DualArray) Pow(rhs DualArray) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.Pow(b).WithEmptyGrad()
	da.Accumulate(dc.Mul(b).Mul(a.Pow(b.SubScalar(1))).Unbroadcast(a.Shape()))
	db.Accumulate(dc.Mul(a.Log()).Mul(c).Unbroadcast(b.Shape()))

	return NewDual(c, dc)
}

func (d DualArray) AddScalar(v float32) DualArray { return d.Add(d.scope.Literal(v)) }
func (d DualArray) SubScalar(v float32) DualArray { return d.Sub(d.scope.Literal(v)) }
func (d DualArray) MulScalar(v float32) DualArray { return d.Mul(d.scope.Literal(v)) }
func (d DualArray) PowScalar(v float32) DualArray { return d.Pow(d.scope.Literal(v)) }

// Div records a / b with the quotient-rule gradients.
func (d DualArray) Div(rhs DualArray) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.Div(b).WithEmptyGrad()
	da.Accumulate(dc.Div(b).Unbroadcast(a.Shape()))
	db.Accumulate(dc.Mul(c).Div(b).Neg().Unbroadcast(b.Shape()))

	return NewDual(c, dc)
}

// DivScalar records d / v.
func (d DualArray) DivScalar(v float32) DualArray { return d.Div(d.scope.Literal(v)) }

// Square records d*d.
func (d DualArray) Square() DualArray { return d.Mul(d) }

// Neg records -d.
func (d DualArray) Neg() DualArray { return d.MulScalar(-1) }

// Exp records e^a; the local gradient is the output itself.
func (d DualArray) Exp() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Exp().WithEmptyGrad()
	da.Accumulate(db.Mul(b))

	return NewDual(b, db)
}

// Log records ln(a); da += db / a.
func (d DualArray) Log() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Log().WithEmptyGrad()
	da.Accumulate(db.Div(a))

	return NewDual(b, db)
}

// Sqrt records the square root; da += db / (2*sqrt(a)).
func (d DualArray) Sqrt() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Sqrt().WithEmptyGrad()
	da.Accumulate(db.Div(b.MulScalar(2)))

	return NewDual(b, db)
}

// Cos records cos with -sin as the local gradient.
func (d DualArray) Cos() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Cos().WithEmptyGrad()
	da.Accumulate(db.Mul(a.Sin()).Neg())

	return NewDual(b, db)
}

// Sin records sin with cos as the local gradient.
func (d DualArray) Sin() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Sin().WithEmptyGrad()
	da.Accumulate(db.Mul(a.Cos()))

	return NewDual(b, db)
}

// Tanh records tanh; d/dx tanh(x) = 4 / (e^2x + 2 + e^-2x).
func (d DualArray) Tanh() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Tanh().WithEmptyGrad()
	denom := a.MulScalar(2).Exp().AddScalar(2).Add(a.MulScalar(-2).Exp())
	da.Accumulate(db.MulScalar(4).Div(denom))

	return NewDual(b, db)
}

// Sigmoid records the logistic function; d/dx = e^x / (1 + e^x)^2.
func (d DualArray) Sigmoid() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Sigmoid().WithEmptyGrad()
	da.Accumulate(db.Mul(a.Exp()).Div(a.Exp().AddScalar(1).Square()))

	return NewDual(b, db)
}

// LeakyRelu records max(x, leakiness*x).
func (d DualArray) LeakyRelu(leakiness float32) DualArray {
	a, da := d.Value(), d.LossGrad()
	zero := d.scope.LiteralValue(0)

	b, db := a.SelectGt(zero, a, a.MulScalar(leakiness)).WithEmptyGrad()
	da.Accumulate(a.SelectGt(zero, db, db.MulScalar(leakiness)))

	return NewDual(b, db)
}

// BatchedMatMul records a batched matrix multiply; da += dc·bᵀ and
// db += aᵀ·dc.
func (d DualArray) BatchedMatMul(rhs DualArray, mode tensor.MatMulMode) DualArray {
	a, da := d.Value(), d.LossGrad()
	b, db := rhs.Value(), rhs.LossGrad()

	c, dc := a.BatchedMatMul(b, mode).WithEmptyGrad()
	da.Accumulate(dc.BatchedMatMul(b.Transpose(), tensor.BatchesMode))
	db.Accumulate(a.Transpose().BatchedMatMul(dc, tensor.BatchesMode))

	return NewDual(c, dc)
}

// MatMul records a matrix multiply of two matrices.
func (d DualArray) MatMul(rhs DualArray) DualArray {
	lhs := d.insertAxis(0)
	r := rhs.insertAxis(0)
	return lhs.BatchedMatMul(r, tensor.BatchesMode).removeAxis(0)
}

// Transpose swaps the last two axes of the value and routes the gradient
// back through the inverse transpose.
func (d DualArray) Transpose() DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.Transpose().WithEmptyGrad()
	da.Accumulate(db.Transpose())

	return NewDual(b, db)
}

// PermuteAxes reorders axes; the gradient flows through the inverse
// permutation.
func (d DualArray) PermuteAxes(perm ...int) DualArray {
	inv := make([]int, len(perm))
	for dst, src := range perm {
		inv[src] = dst
	}
	for dst, src := range inv {
		if perm[src] != dst {
			panic(fmt.Sprintf("env: %v is not a permutation", perm))
		}
	}

	a, da := d.Value(), d.LossGrad()

	b, db := a.PermuteAxes(perm...).WithEmptyGrad()
	da.Accumulate(db.PermuteAxes(inv...))

	return NewDual(b, db)
}

// Reshape reinterprets the value; the gradient reshapes back.
func (d DualArray) Reshape(shape tensor.Shape) DualArray {
	oldShape := d.Shape()

	a, da := d.Value(), d.LossGrad()

	b, db := a.Reshape(shape).WithEmptyGrad()
	da.Accumulate(db.Reshape(oldShape))

	return NewDual(b, db)
}

// Flatten folds every axis but the first into one.
func (d DualArray) Flatten() DualArray {
	shape := d.Shape()
	if shape.Rank() < 1 {
		panic("env: cannot flatten a scalar")
	}
	count := 1
	for _, dim := range shape[1:] {
		count *= dim
	}
	return d.Reshape(tensor.NewShape(shape[0], count))
}

func (d DualArray) insertAxis(axis int) DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.InsertAxis(axis).WithEmptyGrad()
	da.Accumulate(db.RemoveAxis(axis))

	return NewDual(b, db)
}

func (d DualArray) removeAxis(axis int) DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.RemoveAxis(axis).WithEmptyGrad()
	da.Accumulate(db.InsertAxis(axis))

	return NewDual(b, db)
}

func (d DualArray) keepAxis(axis int, keep bool) DualArray {
	if keep {
		return d
	}
	return d.removeAxis(axis)
}

// LockAxis fixes an axis to one coordinate; the gradient flows back only
// into that coordinate.
func (d DualArray) LockAxis(axis, coord int, keep bool) DualArray {
	norm := d.Shape().Axis(axis)

	a, da := d.Value(), d.LossGrad()

	b, db := a.LockAxis(norm, coord, true).WithEmptyGrad()
	da.Accumulate(a.CoordAlong(norm).SelectEq(
		d.scope.LiteralValue(float32(coord)), db, d.scope.LiteralValue(0)))

	locked := NewDual(b, db)
	return locked.keepAxis(norm, keep)
}

func (d DualArray) reduce(op reduceKind, axis int) DualArray {
	a, da := d.Value(), d.LossGrad()

	var b Array
	switch op {
	case reduceSumKind:
		b = a.ReduceSum(axis, true)
	case reduceMaxKind:
		b = a.ReduceMax(axis, true)
	}
	if b.node == a.node {
		// size-1 axis: nothing was reduced
		return d
	}
	b, db := b.WithEmptyGrad()
	switch op {
	case reduceSumKind:
		da.Accumulate(db.Broadcast(da.Shape()))
	case reduceMaxKind:
		// the gradient flows only to the maximum
		da.Accumulate(a.SelectEq(b, db, d.scope.LiteralValue(0)))
	}

	return NewDual(b, db)
}

type reduceKind uint8

const (
	reduceSumKind reduceKind = iota
	reduceMaxKind
)

// ReduceSum folds an axis by addition; the gradient broadcasts back.
func (d DualArray) ReduceSum(axis int, keep bool) DualArray {
	norm := d.Shape().Axis(axis)
	return d.reduce(reduceSumKind, norm).keepAxis(norm, keep)
}

// ReduceMax folds an axis by maximum; the gradient selects the maxima.
func (d DualArray) ReduceMax(axis int, keep bool) DualArray {
	norm := d.Shape().Axis(axis)
	return d.reduce(reduceMaxKind, norm).keepAxis(norm, keep)
}

// SelectEq compares the values of a and rhs; the pass and fail gradients
// are masked by the comparison. The compared operands themselves get no
// gradient.
func (d DualArray) SelectEq(rhs, pass, fail DualArray) DualArray {
	a := d.Value()
	b := rhs.Value()
	passV, dpass := pass.Value(), pass.LossGrad()
	failV, dfail := fail.Value(), fail.LossGrad()
	zero := d.scope.LiteralValue(0)

	c, dc := a.SelectEq(b, passV, failV).WithEmptyGrad()
	dpass.Accumulate(a.SelectEq(b, dc, zero).Unbroadcast(passV.Shape()))
	dfail.Accumulate(a.SelectEq(b, zero, dc).Unbroadcast(failV.Shape()))

	return NewDual(c, dc)
}

// Concat joins two duals along an axis; each gradient takes its slice.
func (d DualArray) Concat(other DualArray, axis int) DualArray {
	shape := d.Shape()
	norm := shape.Axis(axis)
	length := shape[norm]

	a, da := d.Value(), d.LossGrad()
	b, db := other.Value(), other.LossGrad()

	c, dc := a.Concat(b, norm).WithEmptyGrad()
	total := dc.Shape()[norm]
	da.Accumulate(dc.LimitAxis(norm, 0, length))
	db.Accumulate(dc.LimitAxis(norm, length, total))

	return NewDual(c, dc)
}

// PadImage zero-pads the spatial axes; the gradient crops back.
func (d DualArray) PadImage(pad int) DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.PadImage(pad).WithEmptyGrad()
	da.Accumulate(db.UnpadImage(pad))

	return NewDual(b, db)
}

// ImageToWindows views an image batch as filter windows; the backward pass
// materializes a windows-to-image kernel because windows overlap.
func (d DualArray) ImageToWindows(filterW, filterH, strideW, strideH, groups int) DualArray {
	a, da := d.Value(), d.LossGrad()

	b, db := a.ImageToWindows(filterW, filterH, strideW, strideH, groups).WithEmptyGrad()
	da.Accumulate(db.WindowsToImage(strideW, strideH))

	return NewDual(b, db)
}

// Conv2D convolves an image batch [M, H, W, C] with a grouped filter
// [G, OC, Fh, Fw, IC] by windowing the input and applying one batched
// matrix multiply per group.
func (d DualArray) Conv2D(filter DualArray, pad int, strideW, strideH int) DualArray {
	padded := d.PadImage(pad)

	paddedShape := padded.Shape()
	filterShape := filter.Shape()
	if paddedShape.Rank() != 4 || filterShape.Rank() != 5 {
		panic(fmt.Sprintf("env: conv2d of image %v with filter %v", paddedShape, filterShape))
	}
	inputM, inputNC := paddedShape[0], paddedShape[3]
	filterG, filterOC, filterH, filterW, filterIC :=
		filterShape[0], filterShape[1], filterShape[2], filterShape[3], filterShape[4]
	if inputNC != filterG*filterIC {
		panic(fmt.Sprintf("env: conv2d channels %d do not match filter %v", inputNC, filterShape))
	}
	windows := padded.ImageToWindows(filterW, filterH, strideW, strideH, filterG)

	windowsShape := windows.Shape()
	outputH, outputW := windowsShape[1], windowsShape[2]
	k := filterH * filterW * filterIC

	a := windows.
		Reshape(tensor.NewShape(inputM*outputH*outputW, filterG, k)).
		PermuteAxes(1, 0, 2)
	b := filter.Reshape(tensor.NewShape(filterG, filterOC, k))
	c := a.BatchedMatMul(b.Transpose(), tensor.RowsMode)

	return c.PermuteAxes(1, 0, 2).
		Reshape(tensor.NewShape(inputM, outputH, outputW, filterG*filterOC))
}

// MaxPool2D pools the spatial axes by maximum over filter windows.
func (d DualArray) MaxPool2D(filterW, filterH, strideW, strideH int) DualArray {
	windows := d.ImageToWindows(filterW, filterH, strideW, strideH, 1)

	shape := windows.Shape()
	m, outputH, outputW, groups := shape[0], shape[1], shape[2], shape[3]
	filterHW := shape[4] * shape[5]
	groupNC := shape[6]

	return windows.
		Reshape(tensor.NewShape(m*outputH*outputW*groups, filterHW, groupNC)).
		ReduceMax(1, true).
		Reshape(tensor.NewShape(m, outputH, outputW, groups*groupNC))
}

// Upsample repeats each spatial cell of an image batch; the gradient sums
// the repeated cells back.
func (d DualArray) Upsample(xGrow, yGrow int) DualArray {
	shape := d.Shape()
	if shape.Rank() != 4 {
		panic(fmt.Sprintf("env: upsample of %v", shape))
	}
	m, h, w, c := shape[0], shape[1], shape[2], shape[3]

	a, da := d.Value(), d.LossGrad()

	grown := a.
		Reshape(tensor.NewShape(m, h, 1, w, 1, c)).
		Broadcast(tensor.NewShape(m, h, xGrow, w, yGrow, c))
	b, db := grown.Reshape(tensor.NewShape(m, h*xGrow, w*yGrow, c)).WithEmptyGrad()
	da.Accumulate(db.
		Reshape(tensor.NewShape(m, h, xGrow, w, yGrow, c)).
		ReduceSum(4, false).
		ReduceSum(2, false))

	return NewDual(b, db)
}

// NextColour advances the scope's colour tag and returns the dual for
// chaining.
func (d DualArray) NextColour() DualArray {
	d.scope.NextColour()
	return d
}

// Map applies f to the dual; a convenience for layer chaining.
func (d DualArray) Map(f func(DualArray) DualArray) DualArray {
	return f(d)
}

// SetLoss marks this dual as the loss: its gradient sink is seeded with
// 1/minibatch broadcast over the loss shape. Returns the loss value.
func (d DualArray) SetLoss() Array {
	d.LossGrad().setLossGradRoot()
	return d.Value()
}
