package graph

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
)

// Kernel is the backend-agnostic description of one fused computation. The
// concrete variants are PerElementKernel, ReduceKernel, MatMulKernel,
// UnpadKernel, WindowsToImageKernel and ScatterAddKernel.
type Kernel interface {
	KernelKind() string
}

// KernelOpKind discriminates the straight-line ops of a per-element kernel.
type KernelOpKind uint8

const (
	KernelOpLoad KernelOpKind = iota
	KernelOpLiteral
	KernelOpBuiltIn
	KernelOpUnary
	KernelOpBinary
	KernelOpCompareAndSelect
	KernelOpGather
)

var kernelOpNames = [...]string{"load", "literal", "builtin", "unary", "binary", "compare_and_select", "gather"}

// KernelOp is one SSA-like instruction of a per-element kernel. Args index
// earlier instructions of the same kernel; Input indexes the kernel's input
// slots.
type KernelOp struct {
	Kind    KernelOpKind
	Input   int
	Lit     ops.Literal
	BuiltIn ops.BuiltInKind
	RandUID int
	View    tensor.View
	Unary   ops.UnaryOp
	Binary  ops.BinaryOp
	Compare ops.CompareMode
	Shape   tensor.Shape
	Axis    int
	Args    [ops.MaxArgs]int
	NArgs   int
}

// MarshalYAML flattens the op union into a tagged mapping.
func (k KernelOp) MarshalYAML() (interface{}, error) {
	m := map[string]interface{}{"kind": kernelOpNames[k.Kind]}
	switch k.Kind {
	case KernelOpLoad:
		m["input"] = k.Input
	case KernelOpLiteral:
		m["value"] = k.Lit.String()
	case KernelOpBuiltIn:
		m["builtin"] = k.BuiltIn.String()
		if k.BuiltIn == ops.BuiltInRand {
			m["uid"] = k.RandUID
		}
		m["view"] = k.View
	case KernelOpUnary:
		m["op"] = k.Unary.String()
		m["args"] = k.Args[:k.NArgs]
	case KernelOpBinary:
		m["op"] = k.Binary.String()
		m["args"] = k.Args[:k.NArgs]
	case KernelOpCompareAndSelect:
		m["mode"] = k.Compare.String()
		m["args"] = k.Args[:k.NArgs]
	case KernelOpGather:
		m["shape"] = k.Shape
		m["axis"] = k.Axis
		m["input"] = k.Input
		m["args"] = k.Args[:k.NArgs]
	}
	return m, nil
}

// PerElementKernel evaluates a straight-line op sequence once per element.
type PerElementKernel struct {
	ElementCount int           `yaml:"element_count"`
	Inputs       []tensor.View `yaml:"inputs"`
	Outputs      []int         `yaml:"outputs,flow"`
	Ops          []KernelOp    `yaml:"ops"`
}

func (*PerElementKernel) KernelKind() string { return "per_element" }

// ReduceKernel folds one axis of its input.
type ReduceKernel struct {
	Shape tensor.Shape `yaml:"shape,flow"`
	Input tensor.View  `yaml:"input"`
	Op    ops.ReduceOp `yaml:"op"`
	Axis  int          `yaml:"axis"`
}

func (*ReduceKernel) KernelKind() string { return "reduce" }

// MatMulKernel multiplies batched matrices, summing the whole inner axis in
// one dispatch.
type MatMulKernel struct {
	Shape tensor.Shape      `yaml:"shape,flow"`
	Mode  tensor.MatMulMode `yaml:"output_mode"`
	A     tensor.View       `yaml:"a"`
	B     tensor.View       `yaml:"b"`
}

func (*MatMulKernel) KernelKind() string { return "mat_mul" }

// UnpadKernel crops pad elements from both ends of one axis.
type UnpadKernel struct {
	Shape tensor.Shape `yaml:"shape,flow"`
	Input tensor.View  `yaml:"input"`
	Axis  int          `yaml:"axis"`
	Pad   int          `yaml:"pad"`
}

func (*UnpadKernel) KernelKind() string { return "unpad" }

// WindowsToImageKernel sums overlapping windows back into an image.
type WindowsToImageKernel struct {
	Shape   tensor.Shape `yaml:"shape,flow"`
	Input   tensor.View  `yaml:"input"`
	StrideW int          `yaml:"stride_w"`
	StrideH int          `yaml:"stride_h"`
}

func (*WindowsToImageKernel) KernelKind() string { return "windows_to_image" }

// ScatterAddKernel adds value rows into output positions selected by an
// index stream. The destination starts from the cluster output's initial
// state.
type ScatterAddKernel struct {
	Shape   tensor.Shape `yaml:"shape,flow"`
	Values  tensor.View  `yaml:"values"`
	Indices tensor.View  `yaml:"indices"`
	Axis    int          `yaml:"axis"`
}

func (*ScatterAddKernel) KernelKind() string { return "scatter_add" }

// InitialStateKind says how a cluster output buffer starts.
type InitialStateKind uint8

const (
	// InitialUndefined leaves the buffer contents unspecified; the kernel
	// writes every element.
	InitialUndefined InitialStateKind = iota
	// InitialCopyFrom seeds the buffer with another node's value before the
	// kernel runs.
	InitialCopyFrom
)

// InitialState describes the starting contents of a cluster output.
type InitialState struct {
	Kind InitialStateKind
	From NodeID
}

// ClusterOutput pairs a produced node with its buffer's initial state.
type ClusterOutput struct {
	Node    NodeID
	Initial InitialState
}

// Cluster owns one kernel plus the node ids it consumes and produces.
type Cluster struct {
	Kernel  Kernel
	Inputs  []NodeID
	Outputs []ClusterOutput
}

// MarshalYAML emits the schedule of a compiled graph: the clusters in
// execution order, each with its kernel kind and node wiring.
func (g *Graph) MarshalYAML() (interface{}, error) {
	if !g.compiled {
		return nil, fmt.Errorf("graph: cannot serialize an uncompiled graph")
	}
	type clusterDoc struct {
		Kind    string        `yaml:"kind"`
		Inputs  []int         `yaml:"inputs,flow"`
		Outputs []int         `yaml:"outputs,flow"`
		Kernel  interface{}   `yaml:"kernel"`
		Copies  map[int]int   `yaml:"initial_copies,omitempty"`
	}
	var docs []clusterDoc
	for _, c := range g.Clusters() {
		doc := clusterDoc{Kind: c.Kernel.KernelKind(), Kernel: c.Kernel}
		for _, in := range c.Inputs {
			doc.Inputs = append(doc.Inputs, int(in))
		}
		for _, out := range c.Outputs {
			doc.Outputs = append(doc.Outputs, int(out.Node))
			if out.Initial.Kind == InitialCopyFrom {
				if doc.Copies == nil {
					doc.Copies = map[int]int{}
				}
				doc.Copies[int(out.Node)] = int(out.Initial.From)
			}
		}
		docs = append(docs, doc)
	}
	return map[string]interface{}{"clusters": docs}, nil
}
