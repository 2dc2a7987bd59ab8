package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
)

func countOps(g *Graph, pred func(ops.Op) bool) int {
	n := 0
	for _, id := range g.NodeIDs() {
		if pred(g.Node(id).Op) {
			n++
		}
	}
	return n
}

func countMovs(g *Graph) int {
	return countOps(g, func(o ops.Op) bool { return o == ops.Mov() })
}

func TestDeadCodeElimination(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2), "x")
	y := vars.New(tensor.NewShape(2), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	neg := g.NewNode(0, x.Shape(), ops.Unary(ops.UnaryNeg), in)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg)

	// an orphan subgraph reaching no output
	orphanLit := g.NewNode(0, tensor.NewShape(1), ops.Lit(ops.F32(3)))
	g.NewNode(0, tensor.NewShape(1), ops.Unary(ops.UnaryNeg), orphanLit)

	g.rebuildOrdering()
	g.eliminateDeadCode()

	assert.Equal(t, 3, g.NodeCount())
	assert.False(t, g.Live(orphanLit))
	require.NoError(t, g.Validate())
}

func TestMoveEliminationComposesReshapes(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2, 3), "x")
	y := vars.New(tensor.NewShape(2, 3), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	mov1 := g.NewNode(0, tensor.NewShape(6), ops.Mov(), in)
	mov2 := g.NewNode(0, tensor.NewShape(2, 3), ops.Mov(), mov1)
	neg := g.NewNode(0, tensor.NewShape(2, 3), ops.Unary(ops.UnaryNeg), mov2)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg)

	g.rebuildOrdering()
	g.eliminateMoves()

	assert.Zero(t, countMovs(g))
	require.NoError(t, g.Validate())

	// the surviving edge composes both reshapes into a contiguous view
	sources := g.ArgSources(neg)
	require.Len(t, sources, 1)
	assert.Equal(t, in, sources[0].Node)
	assert.True(t, sources[0].View.IsContiguous())
}

func TestMoveFeedingOutputIsKept(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(4), "x")
	y := vars.New(tensor.NewShape(4), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	mov := g.NewNode(0, tensor.NewShape(4), ops.Mov(), in)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), mov)

	g.rebuildOrdering()
	g.eliminateMoves()

	assert.Equal(t, 1, countMovs(g))
	require.NoError(t, g.Validate())
}

func TestEmptyGradientSinkSurvivesMoveElimination(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2), "x")
	y := vars.New(tensor.NewShape(2), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	g.NewNode(0, x.Shape(), ops.Mov()) // un-seeded gradient sink
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), in)

	g.rebuildOrdering()
	g.eliminateMoves()
	assert.Equal(t, 1, countMovs(g))

	// dead-code elimination is what removes it
	g.rebuildOrdering()
	g.eliminateDeadCode()
	assert.Zero(t, countMovs(g))
}

func mulByLiteralGraph(t *testing.T, lit ops.Literal) (*Graph, *variable.Var) {
	t.Helper()
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2), "x")
	y := vars.New(tensor.NewShape(2), "y")

	g := New(vars)
	in := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	litNode := g.NewNode(0, tensor.NewShape(1), ops.Lit(lit))
	mul := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryMul))
	g.AddEdge(in, mul, 0, tensor.IdentityView(x.Shape()))
	g.AddEdge(litNode, mul, 1, tensor.BroadcastView(tensor.NewShape(1), x.Shape()))
	neg := g.NewNode(0, x.Shape(), ops.Unary(ops.UnaryNeg), mul)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), neg)
	return g, y
}

func TestSimplifyArithmeticMulByOne(t *testing.T) {
	g, _ := mulByLiteralGraph(t, ops.F32(1))
	g.Compile()

	assert.Zero(t, countOps(g, func(o ops.Op) bool { return o.Kind == ops.KindBinary }))
	assert.Zero(t, countMovs(g))
	assert.Zero(t, countOps(g, func(o ops.Op) bool { return o.Kind == ops.KindLiteral }))
	require.NoError(t, g.Validate())
}

func TestSimplifyArithmeticKeepsOtherLiterals(t *testing.T) {
	g, _ := mulByLiteralGraph(t, ops.F32(2))
	g.Compile()

	assert.Equal(t, 1, countOps(g, func(o ops.Op) bool { return o.Kind == ops.KindBinary }))
	assert.Equal(t, 1, countOps(g, func(o ops.Op) bool { return o.Kind == ops.KindLiteral }))
	require.NoError(t, g.Validate())
}

func TestCommonSubgraphElimination(t *testing.T) {
	vars := variable.NewSet()
	x := vars.New(tensor.NewShape(2), "x")
	y := vars.New(tensor.NewShape(2), "y")
	z := vars.New(tensor.NewShape(2), "z")

	g := New(vars)
	inX := g.NewNode(0, x.Shape(), ops.Input(x.ID()))
	inY := g.NewNode(0, y.Shape(), ops.Input(y.ID()))
	add1 := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryAdd), inX, inY)
	add2 := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryAdd), inX, inY)
	mul := g.NewNode(0, x.Shape(), ops.Binary(ops.BinaryMul), add1, add2)
	g.NewNode(0, z.Shape(), ops.Output(z.ID()), mul)

	g.rebuildOrdering()
	g.eliminateCommonSubgraphs()

	adds := countOps(g, func(o ops.Op) bool { return o == ops.Binary(ops.BinaryAdd) })
	assert.Equal(t, 1, adds)
	require.NoError(t, g.Validate())

	// both arguments of the multiply collapsed onto the first add
	for _, s := range g.ArgSources(mul) {
		assert.Equal(t, add1, s.Node)
	}
}

func TestLiteralSpecialization(t *testing.T) {
	vars := variable.NewSet()
	y := vars.New(tensor.NewShape(1), "y")

	g := New(vars)
	lit := g.NewNode(0, tensor.NewShape(1), ops.Lit(ops.F32(5)))
	neg1 := g.NewNode(0, tensor.NewShape(1), ops.Unary(ops.UnaryNeg), lit)
	neg2 := g.NewNode(0, tensor.NewShape(1), ops.Unary(ops.UnaryNeg), lit)
	mul := g.NewNode(0, tensor.NewShape(1), ops.Binary(ops.BinaryMul), neg1, neg2)
	g.NewNode(0, y.Shape(), ops.Output(y.ID()), mul)

	g.rebuildOrdering()
	g.makeBuiltInsAndLiteralsUnique()

	lits := countOps(g, func(o ops.Op) bool { return o.Kind == ops.KindLiteral })
	assert.Equal(t, 2, lits)
	assert.False(t, g.Live(lit))
	require.NoError(t, g.Validate())
}

func TestPassPipelineIsIdempotent(t *testing.T) {
	runPasses := func(g *Graph) {
		g.rebuildOrdering()
		g.eliminateDeadCode()
		g.rebuildOrdering()
		g.eliminateMoves()
		g.rebuildOrdering()
		g.simplifyArithmetic()
		g.rebuildOrdering()
		g.eliminateCommonSubgraphs()
		g.rebuildOrdering()
		g.makeBuiltInsAndLiteralsUnique()
		g.rebuildOrdering()
	}
	snapshot := func(g *Graph) []string {
		var out []string
		for _, id := range g.NodeIDs() {
			node := g.Node(id)
			out = append(out, node.Op.String()+node.Shape.String())
		}
		return out
	}

	g, _ := mulByLiteralGraph(t, ops.F32(1))
	runPasses(g)
	first := snapshot(g)
	runPasses(g)
	assert.Equal(t, first, snapshot(g))
	require.NoError(t, g.Validate())
}
