// Package graph holds the op DAG produced by the builder, the optimizer
// passes that rewrite it, and the cluster builder that partitions it into
// kernels for a device backend.
//
// Nodes and edges live in arenas with stable integer IDs; removal leaves a
// hole and IDs are never reused within a graph's lifetime, so passes may
// hold IDs across structural rewrites.
package graph

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
)

// NodeID identifies a node in the arena. IDs stay valid until the graph is
// dropped; removed IDs resolve to nil nodes.
type NodeID int

// EdgeID identifies an edge in the arena.
type EdgeID int

// ClusterID identifies a cluster once the graph has been compiled.
type ClusterID int

// NilCluster marks a node not assigned to any cluster.
const NilCluster ClusterID = -1

// Node is one operation in the DAG. Colour is a front-end hint for layer
// boundaries and visualization only.
type Node struct {
	Colour  int
	Shape   tensor.Shape
	Op      ops.Op
	Cluster ClusterID

	in  []EdgeID
	out []EdgeID
}

// Edge connects an argument source to a consumer. The view maps the
// consumer's expected input coordinates onto the source's memory.
type Edge struct {
	Arg  int
	View tensor.View

	src, dst NodeID
}

// Src returns the producing node.
func (e *Edge) Src() NodeID { return e.src }

// Dst returns the consuming node.
func (e *Edge) Dst() NodeID { return e.dst }

// ArgSource describes one resolved argument of a node.
type ArgSource struct {
	Node     NodeID
	IsGather bool
	View     tensor.View
}

// Graph owns the op arena, the variable registry reference, and after
// Compile the cluster schedule.
type Graph struct {
	vars  *variable.Set
	nodes []*Node
	edges []*Edge

	sorted         []NodeID
	clusters       []*Cluster
	clustersSorted []ClusterID
	compiled       bool
}

// New returns an empty graph over the given variable registry.
func New(vars *variable.Set) *Graph {
	return &Graph{vars: vars}
}

// Vars returns the variable registry the graph reads and writes.
func (g *Graph) Vars() *variable.Set { return g.vars }

// NewNode appends a node and wires identity-view edges from each argument.
func (g *Graph) NewNode(colour int, shape tensor.Shape, op ops.Op, args ...NodeID) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{
		Colour:  colour,
		Shape:   shape.Clone(),
		Op:      op,
		Cluster: NilCluster,
	})
	for i, arg := range args {
		g.AddEdge(arg, id, i, tensor.IdentityView(g.Node(arg).Shape))
	}
	return id
}

// Node resolves an id; removed or unknown ids panic.
func (g *Graph) Node(id NodeID) *Node {
	if int(id) < 0 || int(id) >= len(g.nodes) || g.nodes[id] == nil {
		panic(fmt.Sprintf("graph: no node %d", id))
	}
	return g.nodes[id]
}

// Edge resolves an edge id.
func (g *Graph) Edge(id EdgeID) *Edge {
	if int(id) < 0 || int(id) >= len(g.edges) || g.edges[id] == nil {
		panic(fmt.Sprintf("graph: no edge %d", id))
	}
	return g.edges[id]
}

// Live reports whether the node id still exists.
func (g *Graph) Live(id NodeID) bool {
	return int(id) >= 0 && int(id) < len(g.nodes) && g.nodes[id] != nil
}

// AddEdge connects src to dst as argument arg through view.
func (g *Graph) AddEdge(src, dst NodeID, arg int, view tensor.View) EdgeID {
	id := EdgeID(len(g.edges))
	g.edges = append(g.edges, &Edge{Arg: arg, View: view, src: src, dst: dst})
	g.Node(src).out = append(g.Node(src).out, id)
	g.Node(dst).in = append(g.Node(dst).in, id)
	return id
}

// RemoveEdge detaches and frees an edge.
func (g *Graph) RemoveEdge(id EdgeID) {
	e := g.Edge(id)
	g.nodes[e.src].out = removeID(g.nodes[e.src].out, id)
	g.nodes[e.dst].in = removeID(g.nodes[e.dst].in, id)
	g.edges[id] = nil
}

// RemoveNode frees a node along with every incident edge.
func (g *Graph) RemoveNode(id NodeID) {
	n := g.Node(id)
	for _, e := range append(append([]EdgeID(nil), n.in...), n.out...) {
		if g.edges[e] != nil {
			g.RemoveEdge(e)
		}
	}
	g.nodes[id] = nil
}

func removeID(list []EdgeID, id EdgeID) []EdgeID {
	for i, e := range list {
		if e == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// InEdges returns a snapshot of the incoming edge ids of a node.
func (g *Graph) InEdges(id NodeID) []EdgeID {
	return append([]EdgeID(nil), g.Node(id).in...)
}

// OutEdges returns a snapshot of the outgoing edge ids of a node.
func (g *Graph) OutEdges(id NodeID) []EdgeID {
	return append([]EdgeID(nil), g.Node(id).out...)
}

// NodeIDs returns the ids of all live nodes in arena order.
func (g *Graph) NodeIDs() []NodeID {
	out := make([]NodeID, 0, len(g.nodes))
	for i, n := range g.nodes {
		if n != nil {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	n := 0
	for _, node := range g.nodes {
		if node != nil {
			n++
		}
	}
	return n
}

// argEdges returns the incoming edges ordered by argument slot. Each slot
// must be filled at most once.
func (g *Graph) argEdges(id NodeID) []EdgeID {
	var slots [ops.MaxArgs]EdgeID
	var filled [ops.MaxArgs]bool
	n := 0
	for _, eid := range g.Node(id).in {
		e := g.Edge(eid)
		if filled[e.Arg] {
			panic(fmt.Sprintf("graph: duplicate argument %d on node %d", e.Arg, id))
		}
		slots[e.Arg] = eid
		filled[e.Arg] = true
		if e.Arg+1 > n {
			n = e.Arg + 1
		}
	}
	out := make([]EdgeID, n)
	for i := 0; i < n; i++ {
		if !filled[i] {
			panic(fmt.Sprintf("graph: missing argument %d on node %d", i, id))
		}
		out[i] = slots[i]
	}
	return out
}

// ArgSources resolves the ordered argument sources of a node.
func (g *Graph) ArgSources(id NodeID) []ArgSource {
	edges := g.argEdges(id)
	out := make([]ArgSource, len(edges))
	op := g.Node(id).Op
	for i, eid := range edges {
		e := g.Edge(eid)
		out[i] = ArgSource{
			Node:     e.src,
			IsGather: op.IsGatherArg(e.Arg),
			View:     e.View,
		}
	}
	return out
}

// rebuildOrdering recomputes the topological order over live nodes. A cycle
// is an internal invariant violation and aborts.
func (g *Graph) rebuildOrdering() {
	indegree := make([]int, len(g.nodes))
	var queue []NodeID
	live := 0
	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		live++
		indegree[i] = len(n.in)
		if len(n.in) == 0 {
			queue = append(queue, NodeID(i))
		}
	}
	g.sorted = g.sorted[:0]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.sorted = append(g.sorted, id)
		for _, eid := range g.nodes[id].out {
			dst := g.edges[eid].dst
			indegree[dst]--
			if indegree[dst] == 0 {
				queue = append(queue, dst)
			}
		}
	}
	if len(g.sorted) != live {
		panic(fmt.Sprintf("graph: cycle detected, ordered %d of %d nodes", len(g.sorted), live))
	}
}

// Sorted returns the current topological order.
func (g *Graph) Sorted() []NodeID {
	return append([]NodeID(nil), g.sorted...)
}

// sortedLive iterates the recorded order, skipping nodes removed since the
// last rebuild.
func (g *Graph) sortedLive() []NodeID {
	out := make([]NodeID, 0, len(g.sorted))
	for _, id := range g.sorted {
		if g.Live(id) {
			out = append(out, id)
		}
	}
	return out
}

// anyPredecessor walks all transitive predecessors of roots in reverse
// topological order and reports whether f holds for any of them.
func (g *Graph) anyPredecessor(roots []NodeID, f func(NodeID) bool) bool {
	markers := make([]bool, len(g.nodes))
	for _, id := range roots {
		markers[id] = true
	}
	order := g.sortedLive()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		hit := false
		for _, eid := range g.nodes[id].out {
			if markers[g.edges[eid].dst] {
				hit = true
				break
			}
		}
		if hit {
			markers[id] = true
			if f(id) {
				return true
			}
		}
	}
	return false
}

// anySuccessor walks all transitive successors of roots in topological
// order and reports whether f holds for any of them.
func (g *Graph) anySuccessor(roots []NodeID, f func(NodeID) bool) bool {
	markers := make([]bool, len(g.nodes))
	for _, id := range roots {
		markers[id] = true
	}
	for _, id := range g.sortedLive() {
		hit := false
		for _, eid := range g.nodes[id].in {
			if markers[g.edges[eid].src] {
				hit = true
				break
			}
		}
		if hit {
			markers[id] = true
			if f(id) {
				return true
			}
		}
	}
	return false
}

// Compile runs the optimizer pipeline and builds the cluster schedule. It
// is idempotent; a compiled graph is frozen.
func (g *Graph) Compile() {
	if g.compiled {
		return
	}
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
	g.buildClusters()
	g.compiled = true
}

// Clusters returns the compiled clusters in topological order.
func (g *Graph) Clusters() []*Cluster {
	out := make([]*Cluster, len(g.clustersSorted))
	for i, id := range g.clustersSorted {
		out[i] = g.clusters[id]
	}
	return out
}

// Cluster resolves a cluster id.
func (g *Graph) Cluster(id ClusterID) *Cluster {
	if int(id) < 0 || int(id) >= len(g.clusters) {
		panic(fmt.Sprintf("graph: no cluster %d", id))
	}
	return g.clusters[id]
}
