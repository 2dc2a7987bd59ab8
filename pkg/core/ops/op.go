// Package ops defines the tagged op union carried by graph nodes, plus the
// semantic classes the optimizer and cluster builder dispatch on.
package ops

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/tensor"
)

// MaxArgs is the largest argument count of any op (CompareAndSelect).
const MaxArgs = 4

// VariableID identifies a storage slot in a variable set.
type VariableID int

// Kind discriminates the op union.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInput
	KindOutput
	KindLiteral
	KindBuiltIn
	KindUnary
	KindBinary
	KindCompareAndSelect
	KindReduce
	KindMatMul
	KindGather
	KindScatterAdd
	KindUnpad
	KindWindowsToImage
)

// UnaryOp enumerates element-wise single-argument operations. Mov copies its
// argument and doubles as the gradient accumulator sink.
type UnaryOp uint8

const (
	UnaryNeg UnaryOp = iota
	UnaryExp
	UnaryLog
	UnarySqrt
	UnarySin
	UnaryCos
	UnaryMov
	UnaryFloatToUint
	UnaryUintToFloat
)

var unaryNames = [...]string{"Neg", "Exp", "Log", "Sqrt", "Sin", "Cos", "Mov", "FloatToUint", "UintToFloat"}

func (u UnaryOp) String() string { return unaryNames[u] }

// BinaryOp enumerates element-wise two-argument operations; the U-prefixed
// forms operate on u32 bit patterns.
type BinaryOp uint8

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryPow
	BinaryUAdd
	BinaryUMul
	BinaryURem
	BinaryUBitXor
)

var binaryNames = [...]string{"Add", "Sub", "Mul", "Div", "Pow", "UAdd", "UMul", "URem", "UBitXor"}

func (b BinaryOp) String() string { return binaryNames[b] }

// CompareMode selects the comparison of a CompareAndSelect op.
type CompareMode uint8

const (
	CompareEq CompareMode = iota
	CompareGt
)

func (c CompareMode) String() string {
	if c == CompareGt {
		return "Gt"
	}
	return "Eq"
}

// ReduceOp enumerates reduction kernels.
type ReduceOp uint8

const (
	ReduceSum ReduceOp = iota
	ReduceMax
)

func (r ReduceOp) String() string {
	if r == ReduceMax {
		return "Max"
	}
	return "Sum"
}

// MarshalYAML serializes the op by name.
func (r ReduceOp) MarshalYAML() (interface{}, error) { return r.String(), nil }

// BuiltInKind enumerates value sources generated inside a kernel.
type BuiltInKind uint8

const (
	// BuiltInCoord yields the element coordinate along a length-n axis.
	BuiltInCoord BuiltInKind = iota
	// BuiltInRand yields a deterministic pseudo-random stream keyed by UID.
	BuiltInRand
)

func (b BuiltInKind) String() string {
	if b == BuiltInRand {
		return "Rand"
	}
	return "Coord"
}

// Literal is an immediate f32 or u32 value.
type Literal struct {
	IsUint bool    `yaml:"is_uint,omitempty"`
	F      float32 `yaml:"f,omitempty"`
	U      uint32  `yaml:"u,omitempty"`
}

// F32 returns a float literal.
func F32(v float32) Literal { return Literal{F: v} }

// U32 returns an unsigned literal.
func U32(v uint32) Literal { return Literal{IsUint: true, U: v} }

func (l Literal) String() string {
	if l.IsUint {
		return fmt.Sprintf("%du", l.U)
	}
	return fmt.Sprintf("%G", l.F)
}

// Op is the tagged union of graph operations. Only the fields relevant to
// Kind are meaningful; the zero value of the rest keeps Op comparable.
type Op struct {
	Kind     Kind
	Variable VariableID
	Lit      Literal
	BuiltIn  BuiltInKind
	RandUID  int
	Unary    UnaryOp
	Binary   BinaryOp
	Compare  CompareMode
	Reduce   ReduceOp
	MatMul   tensor.MatMulMode
	Axis     int
	Pad      int
	StrideW  int
	StrideH  int
}

func Input(v VariableID) Op  { return Op{Kind: KindInput, Variable: v} }
func Output(v VariableID) Op { return Op{Kind: KindOutput, Variable: v} }
func Lit(l Literal) Op       { return Op{Kind: KindLiteral, Lit: l} }
func Coord() Op              { return Op{Kind: KindBuiltIn, BuiltIn: BuiltInCoord} }
func Rand(uid int) Op        { return Op{Kind: KindBuiltIn, BuiltIn: BuiltInRand, RandUID: uid} }
func Unary(u UnaryOp) Op     { return Op{Kind: KindUnary, Unary: u} }
func Mov() Op                { return Unary(UnaryMov) }
func Binary(b BinaryOp) Op   { return Op{Kind: KindBinary, Binary: b} }
func CompareAndSelect(c CompareMode) Op {
	return Op{Kind: KindCompareAndSelect, Compare: c}
}
func Reduction(r ReduceOp, axis int) Op {
	return Op{Kind: KindReduce, Reduce: r, Axis: axis}
}
func MatMul(mode tensor.MatMulMode) Op { return Op{Kind: KindMatMul, MatMul: mode} }
func Gather(axis int) Op               { return Op{Kind: KindGather, Axis: axis} }
func ScatterAdd(axis int) Op           { return Op{Kind: KindScatterAdd, Axis: axis} }
func Unpad(axis, pad int) Op           { return Op{Kind: KindUnpad, Axis: axis, Pad: pad} }
func WindowsToImage(strideW, strideH int) Op {
	return Op{Kind: KindWindowsToImage, StrideW: strideW, StrideH: strideH}
}

// Arity returns the fixed argument count of the op.
func (o Op) Arity() int {
	switch o.Kind {
	case KindInput, KindLiteral, KindBuiltIn:
		return 0
	case KindOutput, KindReduce, KindUnpad, KindWindowsToImage:
		return 1
	case KindUnary:
		return 1
	case KindBinary, KindMatMul, KindGather:
		return 2
	case KindScatterAdd:
		return 3
	case KindCompareAndSelect:
		return 4
	}
	panic(fmt.Sprintf("ops: arity of invalid op %v", o))
}

// IsPerElement reports whether the op computes each output element from the
// same element of its (viewed) inputs, making it fusable.
func (o Op) IsPerElement() bool {
	switch o.Kind {
	case KindUnary, KindBinary, KindCompareAndSelect, KindGather, KindLiteral, KindBuiltIn:
		return true
	}
	return false
}

// CanMerge reports whether common-subgraph elimination may deduplicate the
// op. Outputs and stateful builtins never merge.
func (o Op) CanMerge() bool {
	if o.Kind == KindOutput {
		return false
	}
	if o.Kind == KindBuiltIn && o.BuiltIn == BuiltInRand {
		return false
	}
	return true
}

// CanReshape reports whether a consumer may reinterpret the op's result
// through a reshaping view.
func (o Op) CanReshape() bool {
	return o.IsPerElement() && o.Kind != KindGather
}

// IsGatherArg reports whether the given argument slot is accessed at
// arbitrary element positions instead of per-element. Such edges are
// captured as raw kernel inputs and never fuse their endpoints.
func (o Op) IsGatherArg(arg int) bool {
	switch o.Kind {
	case KindGather:
		return arg == 0
	case KindScatterAdd:
		return arg == 2
	}
	return false
}

// OutputVariable returns the written variable for Output ops.
func (o Op) OutputVariable() (VariableID, bool) {
	if o.Kind == KindOutput {
		return o.Variable, true
	}
	return 0, false
}

func (o Op) String() string {
	switch o.Kind {
	case KindInput:
		return "Input"
	case KindOutput:
		return "Output"
	case KindLiteral:
		return o.Lit.String()
	case KindBuiltIn:
		if o.BuiltIn == BuiltInRand {
			return fmt.Sprintf("Rand(%d)", o.RandUID)
		}
		return "Coord"
	case KindUnary:
		return o.Unary.String()
	case KindBinary:
		return o.Binary.String()
	case KindCompareAndSelect:
		return "Select" + o.Compare.String()
	case KindReduce:
		return fmt.Sprintf("Reduce%s(%d)", o.Reduce, o.Axis)
	case KindMatMul:
		return fmt.Sprintf("MatMul(%s)", o.MatMul)
	case KindGather:
		return fmt.Sprintf("Gather(%d)", o.Axis)
	case KindScatterAdd:
		return fmt.Sprintf("ScatterAdd(%d)", o.Axis)
	case KindUnpad:
		return fmt.Sprintf("Unpad(%d, %d)", o.Axis, o.Pad)
	case KindWindowsToImage:
		return fmt.Sprintf("WindowsToImage(%d, %d)", o.StrideW, o.StrideH)
	}
	return "Invalid"
}
