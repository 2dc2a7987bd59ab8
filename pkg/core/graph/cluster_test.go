package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
)

func kernelKinds(g *Graph) []string {
	var kinds []string
	for _, c := range g.Clusters() {
		kinds = append(kinds, c.Kernel.KernelKind())
	}
	return kinds
}

func TestClustersSplitAtReduce(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2, 3), "x")
	y := vars.New(tensor.NewShape(2, 1), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	neg := g.NewNode(0, x.Shape(), ops.Unary(ops.UnaryNeg), in)
	red := g.NewNode(0, tensor.NewShape(2, 1), ops.Reduction(ops.ReduceSum, 1), neg)
	neg2 := g.NewNode(0, tensor.NewShape(2, 1), ops.Unary(ops.UnaryNeg), red)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg2)

	g.Compile()
	require.NoError(t, g.Validate())

	assert.Equal(t, []string{"per_element", "reduce", "per_element"}, kernelKinds(g))

	// the reduce kernel captured the pre-reduction view
	var reduce *ReduceKernel
	for _, c := range g.Clusters() {
		if k, ok := c.Kernel.(*ReduceKernel); ok {
			reduce = k
		}
	}
	require.NotNil(t, reduce)
	assert.Equal(t, tensor.NewShape(2, 1), reduce.Shape)
	assert.Equal(t, tensor.NewShape(2, 3), reduce.Input.OutputShape)
	assert.Equal(t, 1, reduce.Axis)
}

func TestFusionRejectsReentrantPath(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2), "x")
	y := vars.New(tensor.NewShape(2), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	a1 := g.NewNode(0, x.Shape(), ops.Unary(ops.UnaryNeg), in)
	red := g.NewNode(0, tensor.NewShape(1), ops.Reduction(ops.ReduceSum, 0), a1)
	a2 := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryAdd))
	g.AddEdge(a1, a2, 0, tensor.IdentityView(x.Shape()))
	g.AddEdge(red, a2, 1, tensor.BroadcastView(tensor.NewShape(1), x.Shape()))
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), a2)

	g.Compile()
	require.NoError(t, g.Validate())

	// fusing a1 with a2 would close a cycle through the reduction, so two
	// per-element clusters must remain
	perElement := 0
	for _, c := range g.Clusters() {
		if _, ok := c.Kernel.(*PerElementKernel); ok {
			perElement++
		}
	}
	assert.Equal(t, 2, perElement)
	assert.NotEqual(t, g.Node(a1).Cluster, g.Node(a2).Cluster)
}

func TestPerElementKernelSynthesis(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(4), "x")
	y := vars.New(tensor.NewShape(4), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	lit := g.NewNode(0, tensor.NewShape(1), ops.Lit(ops.F32(2)))
	mul := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryMul))
	g.AddEdge(in, mul, 0, tensor.IdentityView(x.Shape()))
	g.AddEdge(lit, mul, 1, tensor.BroadcastView(tensor.NewShape(1), x.Shape()))
	neg := g.NewNode(0, x.Shape(), ops.Unary(ops.UnaryNeg), mul)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg)

	g.Compile()
	require.NoError(t, g.Validate())

	require.Len(t, g.Clusters(), 1)
	cluster := g.Clusters()[0]
	kernel, ok := cluster.Kernel.(*PerElementKernel)
	require.True(t, ok)

	assert.Equal(t, 4, kernel.ElementCount)
	// one load for the input, the literal inlined, then mul and neg
	assert.Equal(t, []NodeID{in}, cluster.Inputs)
	require.Len(t, kernel.Ops, 4)
	assert.Equal(t, KernelOpLoad, kernel.Ops[0].Kind)
	assert.Equal(t, KernelOpLiteral, kernel.Ops[1].Kind)
	assert.Equal(t, KernelOpBinary, kernel.Ops[2].Kind)
	assert.Equal(t, KernelOpUnary, kernel.Ops[3].Kind)
	// only the final value leaves the cluster
	assert.Equal(t, []int{3}, kernel.Outputs)
	require.Len(t, cluster.Outputs, 1)
	assert.Equal(t, neg, cluster.Outputs[0].Node)
}

func TestClusterOrderFollowsDataFlow(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2, 3), "x")
	w := vars.New(tensor.NewShape(3, 4), "w")
	y := vars.New(tensor.NewShape(2, 4), "y")

	g := New(vars)
	inX := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	inW := g.NewNode(0, w.Shape(), ops.Input(w.ID()))
	a := g.NewNode(0, tensor.NewShape(1, 2, 3), ops.Mov(), inX)
	b := g.NewNode(0, tensor.NewShape(1, 3, 4), ops.Mov(), inW)
	mm := g.NewNode(0, tensor.NewShape(1, 1, 2, 4), ops.MatMul(tensor.BatchesMode), a, b)
	flat := g.NewNode(0, tensor.NewShape(2, 4), ops.Mov(), mm)
	neg := g.NewNode(0, tensor.NewShape(2, 4), ops.Unary(ops.UnaryNeg), flat)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg)

	g.Compile()
	require.NoError(t, g.Validate())

	kinds := kernelKinds(g)
	require.Equal(t, []string{"mat_mul", "per_element"}, kinds)
}
