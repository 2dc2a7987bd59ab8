package graph

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/logger"
)

// eliminateDeadCode removes every node that does not reach an Output.
func (g *Graph) eliminateDeadCode() {
	live := make([]bool, len(g.nodes))
	for i, n := range g.nodes {
		if n != nil && n.Op.Kind == ops.KindOutput {
			live[i] = true
		}
	}
	order := g.sortedLive()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !live[id] {
			continue
		}
		for _, eid := range g.nodes[id].in {
			live[g.edges[eid].src] = true
		}
	}
	removed := 0
	for i, n := range g.nodes {
		if n != nil && !live[i] {
			g.RemoveNode(NodeID(i))
			removed++
		}
	}
	logger.Log.Debug().Int("removed", removed).Int("kept", g.NodeCount()).Msg("dead code elimination")
}

// eliminateMoves deletes Mov nodes whose incoming view can be absorbed by
// every consumer, fusing the views on the rewired edges. Gradient sinks
// that never received a contribution have no incoming edge and are left for
// dead-code elimination.
func (g *Graph) eliminateMoves() {
	for _, id := range g.sortedLive() {
		if !g.Live(id) {
			continue
		}
		node := g.nodes[id]
		if node.Op != ops.Mov() {
			continue
		}
		in := g.InEdges(id)
		if len(in) == 0 {
			logger.Log.Debug().Int("node", int(id)).Msg("move node with no incoming edges")
			continue
		}
		if len(in) != 1 {
			panic(fmt.Sprintf("graph: move node %d has %d incoming edges", id, len(in)))
		}
		inEdge := g.Edge(in[0])
		if inEdge.Arg != 0 {
			panic(fmt.Sprintf("graph: move node %d input on arg %d", id, inEdge.Arg))
		}
		// adjust the incoming view to the move's shape when a reshape view
		// exists and the incoming view can absorb it
		if match, ok := tensor.TryFromReshape(inEdge.View.OutputShape, node.Shape); ok {
			if inEdge.View.CanViewThrough(match, false) {
				inEdge.View = inEdge.View.Through(match, false)
			}
		}

		canReshape := g.Node(inEdge.src).Op.CanReshape()
		canEliminate := true
		for _, eid := range g.nodes[id].out {
			out := g.Edge(eid)
			if _, isOutput := g.Node(out.dst).Op.OutputVariable(); isOutput {
				canEliminate = false
				break
			}
			if !inEdge.View.CanViewThrough(out.View, canReshape) {
				canEliminate = false
				break
			}
		}
		if !canEliminate {
			continue
		}
		src := inEdge.src
		for _, eid := range g.OutEdges(id) {
			out := g.Edge(eid)
			g.AddEdge(src, out.dst, out.Arg, inEdge.View.Through(out.View, canReshape))
		}
		g.RemoveNode(id)
	}
}

// identitySkipLiteral returns the literal that acts as the identity for the
// given binary op, when one exists.
func identitySkipLiteral(op ops.Op) (ops.Literal, bool) {
	if op.Kind != ops.KindBinary {
		return ops.Literal{}, false
	}
	switch op.Binary {
	case ops.BinaryMul:
		return ops.F32(1), true
	case ops.BinaryAdd:
		return ops.F32(0), true
	case ops.BinaryUMul:
		return ops.U32(1), true
	case ops.BinaryUAdd:
		return ops.U32(0), true
	}
	return ops.Literal{}, false
}

// simplifyArithmetic rewrites x*1, x+0 and the u32 counterparts into moves,
// then re-runs move elimination to fold them away.
func (g *Graph) simplifyArithmetic() {
	movAdded := false
	for _, id := range g.sortedLive() {
		if !g.Live(id) {
			continue
		}
		skip, ok := identitySkipLiteral(g.nodes[id].Op)
		if !ok {
			continue
		}
		argEdges := g.argEdges(id)
		skipEdge := EdgeID(-1)
		for _, eid := range argEdges {
			if g.Node(g.Edge(eid).src).Op == ops.Lit(skip) {
				skipEdge = eid
				break
			}
		}
		if skipEdge < 0 {
			continue
		}
		for _, eid := range argEdges {
			if eid == skipEdge {
				g.RemoveEdge(eid)
			} else {
				g.nodes[id].Op = ops.Mov()
				g.Edge(eid).Arg = 0
			}
		}
		movAdded = true
	}
	if movAdded {
		g.eliminateMoves()
	}
}

func hashArgSources(sources []ArgSource, shape tensor.Shape, op ops.Op) string {
	key := fmt.Sprintf("%v|%v", op, shape)
	for _, s := range sources {
		key += fmt.Sprintf("|%d:%t:%v", s.Node, s.IsGather, s.View)
	}
	return key
}

func argSourcesEqual(a, b []ArgSource) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Node != b[i].Node || a[i].IsGather != b[i].IsGather || !a[i].View.Equal(b[i].View) {
			return false
		}
	}
	return true
}

// eliminateCommonSubgraphs merges nodes computing the same value from the
// same sources. Only ops marked CanMerge participate.
func (g *Graph) eliminateCommonSubgraphs() {
	idsFromHash := make(map[string][]NodeID)
	for _, id := range g.sortedLive() {
		if !g.Live(id) {
			continue
		}
		node := g.nodes[id]
		if !node.Op.CanMerge() {
			continue
		}
		sources := g.ArgSources(id)
		hash := hashArgSources(sources, node.Shape, node.Op)
		merged := false
		for _, otherID := range idsFromHash[hash] {
			other := g.nodes[otherID]
			if node.Op != other.Op || !node.Shape.Equal(other.Shape) {
				continue
			}
			if !argSourcesEqual(sources, g.ArgSources(otherID)) {
				continue
			}
			for _, eid := range g.OutEdges(id) {
				out := g.Edge(eid)
				g.AddEdge(otherID, out.dst, out.Arg, out.View)
			}
			g.RemoveNode(id)
			merged = true
			break
		}
		if !merged {
			idsFromHash[hash] = append(idsFromHash[hash], id)
		}
	}
}

// makeBuiltInsAndLiteralsUnique duplicates literal and builtin nodes once
// per consumer edge so they can be inlined into kernels.
func (g *Graph) makeBuiltInsAndLiteralsUnique() {
	for _, id := range g.sortedLive() {
		if !g.Live(id) {
			continue
		}
		node := g.nodes[id]
		if node.Op.Kind != ops.KindLiteral && node.Op.Kind != ops.KindBuiltIn {
			continue
		}
		for _, eid := range g.OutEdges(id) {
			out := g.Edge(eid)
			clone := g.NewNode(node.Colour, node.Shape, node.Op)
			g.AddEdge(clone, out.dst, out.Arg, out.View)
		}
		g.RemoveNode(id)
	}
}
