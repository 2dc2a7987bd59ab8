package graph

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
)

// Validate checks the structural invariants every pass must preserve:
// well-shaped edges, acyclicity, full arities, and (after Compile) the
// cluster partition. Used by tests; a failure means an optimizer bug.
func (g *Graph) Validate() error {
	indegree := map[NodeID]int{}
	for _, id := range g.NodeIDs() {
		node := g.nodes[id]
		edges := g.argEdges(id)
		arity := node.Op.Arity()
		if node.Op == ops.Mov() {
			// gradient sinks may be empty until seeded
			if len(edges) > 1 {
				return fmt.Errorf("graph: move node %d has %d inputs", id, len(edges))
			}
		} else if len(edges) != arity {
			return fmt.Errorf("graph: node %d (%v) has %d of %d arguments", id, node.Op, len(edges), arity)
		}
		indegree[id] = len(g.nodes[id].in)

		for _, eid := range edges {
			e := g.Edge(eid)
			want := g.expectedArgShape(id, e.Arg)
			if want != nil && !e.View.OutputShape.Equal(want) {
				return fmt.Errorf("graph: edge %d->%d arg %d view produces %v, consumer expects %v",
					e.src, e.dst, e.Arg, e.View.OutputShape, want)
			}
			if node.Op == ops.Mov() && e.View.OutputShape.Size() != node.Shape.Size() {
				return fmt.Errorf("graph: move node %d reads %v but holds %v",
					id, e.View.OutputShape, node.Shape)
			}
		}
	}

	// Kahn over the live nodes proves acyclicity
	var queue []NodeID
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, eid := range g.nodes[id].out {
			dst := g.edges[eid].dst
			indegree[dst]--
			if indegree[dst] == 0 {
				queue = append(queue, dst)
			}
		}
	}
	if seen != len(indegree) {
		return fmt.Errorf("graph: cycle among %d nodes", len(indegree)-seen)
	}

	if g.compiled {
		return g.validateClusters()
	}
	return nil
}

// expectedArgShape returns the shape a consumer expects for one argument,
// or nil when it cannot be derived locally.
func (g *Graph) expectedArgShape(id NodeID, arg int) tensor.Shape {
	node := g.nodes[id]
	switch node.Op.Kind {
	case ops.KindUnary:
		// a move copies by linear element and may reinterpret the shape
		if node.Op.Unary == ops.UnaryMov {
			return nil
		}
		return node.Shape
	case ops.KindBinary, ops.KindCompareAndSelect, ops.KindOutput:
		return node.Shape
	case ops.KindGather:
		if arg == 1 {
			return node.Shape
		}
	case ops.KindScatterAdd:
		if arg == 0 {
			return node.Shape
		}
	case ops.KindReduce:
		// the input keeps the pre-reduction extent on the reduced axis
		edges := g.argEdges(id)
		v := g.Edge(edges[0]).View
		if !v.OutputShape.Reduce(node.Op.Axis).Equal(node.Shape) {
			return node.Shape.Clone() // force a mismatch report
		}
	}
	return nil
}

func (g *Graph) validateClusters() error {
	for _, id := range g.NodeIDs() {
		node := g.nodes[id]
		switch node.Op.Kind {
		case ops.KindInput, ops.KindOutput, ops.KindLiteral, ops.KindBuiltIn:
			if node.Cluster != NilCluster {
				return fmt.Errorf("graph: node %d (%v) must stay unclustered", id, node.Op)
			}
		default:
			if node.Cluster == NilCluster {
				return fmt.Errorf("graph: node %d (%v) missing a cluster", id, node.Op)
			}
		}
	}
	for cid, cluster := range g.clusters {
		kernel, ok := cluster.Kernel.(*PerElementKernel)
		if !ok {
			continue
		}
		for _, id := range g.NodeIDs() {
			node := g.nodes[id]
			if node.Cluster != ClusterID(cid) {
				continue
			}
			if node.Shape.Size() != kernel.ElementCount {
				return fmt.Errorf("graph: node %d has %d elements in a cluster of %d",
					id, node.Shape.Size(), kernel.ElementCount)
			}
		}
	}
	if len(g.clustersSorted) != len(g.clusters) {
		return fmt.Errorf("graph: %d of %d clusters ordered", len(g.clustersSorted), len(g.clusters))
	}
	return nil
}
