package graph

import (
	"fmt"

	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/logger"
)

// edgeIsPerElement reports whether an edge keeps per-element fusion legal
// between its endpoints. Gather arguments are accessed at arbitrary
// positions, so those edges never fuse.
func (g *Graph) edgeIsPerElement(eid EdgeID) bool {
	e := g.Edge(eid)
	if g.Node(e.dst).Op.IsGatherArg(e.Arg) {
		return false
	}
	return e.View.IsPerElement()
}

// fusable reports whether a node may become a member of a per-element
// cluster. Literals and builtins are per-element but are inlined into
// consuming kernels at synthesis instead of joining as members.
func fusable(o ops.Op) bool {
	return o.IsPerElement() && o.Kind != ops.KindLiteral && o.Kind != ops.KindBuiltIn
}

func (g *Graph) newCluster(c *Cluster) ClusterID {
	id := ClusterID(len(g.clusters))
	g.clusters = append(g.clusters, c)
	return id
}

// buildClusters partitions the optimized DAG into kernels: greedy
// per-element fusion first, then one single-node cluster per remaining
// reduction, matrix multiply, unpad, windows-to-image and scatter-add.
func (g *Graph) buildClusters() {
	g.fusePerElement()
	g.synthesizePerElementKernels()
	g.wrapRemainingKernels()
	g.orderClusters()
}

func (g *Graph) fusePerElement() {
	for _, firstID := range g.sortedLive() {
		first := g.nodes[firstID]
		if first.Cluster != NilCluster || !fusable(first.Op) {
			continue
		}
		elementCount := first.Shape.Size()
		clusterID := g.newCluster(&Cluster{
			Kernel: &PerElementKernel{ElementCount: elementCount},
		})
		first.Cluster = clusterID

	scan:
		for {
			for _, otherID := range g.sortedLive() {
				other := g.nodes[otherID]
				canInclude := other.Cluster == NilCluster &&
					fusable(other.Op) &&
					other.Shape.Size() == elementCount
				if !canInclude {
					continue
				}

				// every edge shared with the cluster must stay per-element
				hasKernelNeighbor := false
				legal := true
				for _, eid := range other.in {
					if g.nodes[g.edges[eid].src].Cluster != clusterID {
						continue
					}
					hasKernelNeighbor = true
					if !g.edgeIsPerElement(eid) {
						legal = false
						break
					}
				}
				if legal {
					for _, eid := range other.out {
						if g.nodes[g.edges[eid].dst].Cluster != clusterID {
							continue
						}
						hasKernelNeighbor = true
						if !g.edgeIsPerElement(eid) {
							legal = false
							break
						}
					}
				}
				// joining only pays off when it saves a load
				if !legal || !hasKernelNeighbor {
					continue
				}

				// uses of this node must not re-enter the cluster
				if g.anySuccessor([]NodeID{otherID}, func(id NodeID) bool {
					if g.nodes[id].Cluster != NilCluster {
						return false
					}
					for _, eid := range g.nodes[id].out {
						if g.nodes[g.edges[eid].dst].Cluster == clusterID {
							return true
						}
					}
					return false
				}) {
					continue
				}

				// inputs of this node must not re-enter the cluster
				if g.anyPredecessor([]NodeID{otherID}, func(id NodeID) bool {
					if g.nodes[id].Cluster != NilCluster {
						return false
					}
					for _, eid := range g.nodes[id].in {
						if g.nodes[g.edges[eid].src].Cluster == clusterID {
							return true
						}
					}
					return false
				}) {
					continue
				}

				other.Cluster = clusterID
				continue scan
			}
			break scan
		}
	}
}

func argSourceKey(s ArgSource) string {
	return fmt.Sprintf("%d:%t:%v", s.Node, s.IsGather, s.View)
}

func (g *Graph) synthesizePerElementKernels() {
	for cid, cluster := range g.clusters {
		clusterID := ClusterID(cid)
		kernel := cluster.Kernel.(*PerElementKernel)

		argOpIndex := make(map[string]int)
		memberOpIndex := make(map[NodeID]int)

		for _, id := range g.sortedLive() {
			if g.nodes[id].Cluster != clusterID {
				continue
			}
			node := g.nodes[id]
			sources := g.ArgSources(id)
			args := make([]int, len(sources))
			for i, source := range sources {
				if opIndex, ok := memberOpIndex[source.Node]; ok {
					args[i] = opIndex
					continue
				}
				key := argSourceKey(source)
				if index, ok := argOpIndex[key]; ok {
					args[i] = index
					continue
				}
				var index int
				if source.IsGather {
					// gather arguments stay raw kernel inputs for random access
					index = len(kernel.Inputs)
					kernel.Inputs = append(kernel.Inputs, source.View)
					cluster.Inputs = append(cluster.Inputs, source.Node)
				} else {
					srcNode := g.Node(source.Node)
					if srcNode.Cluster == clusterID {
						panic(fmt.Sprintf("graph: member %d of cluster %d missed its op index", source.Node, clusterID))
					}
					index = len(kernel.Ops)
					switch srcNode.Op.Kind {
					case ops.KindLiteral:
						kernel.Ops = append(kernel.Ops, KernelOp{
							Kind: KernelOpLiteral,
							Lit:  srcNode.Op.Lit,
						})
					case ops.KindBuiltIn:
						kernel.Ops = append(kernel.Ops, KernelOp{
							Kind:    KernelOpBuiltIn,
							BuiltIn: srcNode.Op.BuiltIn,
							RandUID: srcNode.Op.RandUID,
							View:    source.View,
						})
					default:
						inputIndex := len(kernel.Inputs)
						kernel.Inputs = append(kernel.Inputs, source.View)
						cluster.Inputs = append(cluster.Inputs, source.Node)
						kernel.Ops = append(kernel.Ops, KernelOp{
							Kind:  KernelOpLoad,
							Input: inputIndex,
						})
					}
				}
				argOpIndex[key] = index
				args[i] = index
			}

			if len(args) == 0 {
				logger.Log.Debug().Int("node", int(id)).Msg("cluster member with no inputs")
				continue
			}

			op := KernelOp{NArgs: len(args)}
			copy(op.Args[:], args)
			switch node.Op.Kind {
			case ops.KindUnary:
				op.Kind = KernelOpUnary
				op.Unary = node.Op.Unary
			case ops.KindBinary:
				op.Kind = KernelOpBinary
				op.Binary = node.Op.Binary
			case ops.KindCompareAndSelect:
				op.Kind = KernelOpCompareAndSelect
				op.Compare = node.Op.Compare
			case ops.KindGather:
				op.Kind = KernelOpGather
				op.Shape = node.Shape
				op.Axis = node.Op.Axis
				op.Input = args[0]
				op.Args = [ops.MaxArgs]int{args[1]}
				op.NArgs = 1
			default:
				panic(fmt.Sprintf("graph: unexpected op %v inside per-element cluster", node.Op))
			}
			opIndex := len(kernel.Ops)
			kernel.Ops = append(kernel.Ops, op)
			memberOpIndex[id] = opIndex

			// store the result when anything outside the cluster reads it
			needed := false
			for _, eid := range node.out {
				if g.nodes[g.edges[eid].dst].Cluster != clusterID {
					needed = true
					break
				}
			}
			if needed {
				kernel.Outputs = append(kernel.Outputs, opIndex)
				cluster.Outputs = append(cluster.Outputs, ClusterOutput{Node: id})
			}
		}
	}
}

func (g *Graph) wrapRemainingKernels() {
	for _, id := range g.sortedLive() {
		node := g.nodes[id]
		if node.Cluster != NilCluster {
			continue
		}
		switch node.Op.Kind {
		case ops.KindReduce:
			sources := g.ArgSources(id)
			node.Cluster = g.newCluster(&Cluster{
				Kernel: &ReduceKernel{
					Shape: node.Shape,
					Input: sources[0].View,
					Op:    node.Op.Reduce,
					Axis:  node.Op.Axis,
				},
				Inputs:  []NodeID{sources[0].Node},
				Outputs: []ClusterOutput{{Node: id}},
			})
		case ops.KindMatMul:
			sources := g.ArgSources(id)
			node.Cluster = g.newCluster(&Cluster{
				Kernel: &MatMulKernel{
					Shape: node.Shape,
					Mode:  node.Op.MatMul,
					A:     sources[0].View,
					B:     sources[1].View,
				},
				Inputs:  []NodeID{sources[0].Node, sources[1].Node},
				Outputs: []ClusterOutput{{Node: id}},
			})
		case ops.KindUnpad:
			sources := g.ArgSources(id)
			node.Cluster = g.newCluster(&Cluster{
				Kernel: &UnpadKernel{
					Shape: node.Shape,
					Input: sources[0].View,
					Axis:  node.Op.Axis,
					Pad:   node.Op.Pad,
				},
				Inputs:  []NodeID{sources[0].Node},
				Outputs: []ClusterOutput{{Node: id}},
			})
		case ops.KindWindowsToImage:
			sources := g.ArgSources(id)
			node.Cluster = g.newCluster(&Cluster{
				Kernel: &WindowsToImageKernel{
					Shape:   node.Shape,
					Input:   sources[0].View,
					StrideW: node.Op.StrideW,
					StrideH: node.Op.StrideH,
				},
				Inputs:  []NodeID{sources[0].Node},
				Outputs: []ClusterOutput{{Node: id}},
			})
		case ops.KindScatterAdd:
			sources := g.ArgSources(id)
			acc, values, indices := sources[0], sources[1], sources[2]
			if !acc.View.IsContiguous() && g.Node(acc.Node).Op.Kind != ops.KindLiteral {
				panic(fmt.Sprintf("graph: scatter-add accumulator of node %d must be contiguous or a literal", id))
			}
			node.Cluster = g.newCluster(&Cluster{
				Kernel: &ScatterAddKernel{
					Shape:   node.Shape,
					Values:  values.View,
					Indices: indices.View,
					Axis:    node.Op.Axis,
				},
				Inputs: []NodeID{values.Node, indices.Node},
				Outputs: []ClusterOutput{{
					Node:    id,
					Initial: InitialState{Kind: InitialCopyFrom, From: acc.Node},
				}},
			})
		case ops.KindInput, ops.KindOutput, ops.KindLiteral, ops.KindBuiltIn:
			// bound by the runtime, never clustered
		default:
			panic(fmt.Sprintf("graph: per-element op %v left unclustered", node.Op))
		}
	}
}

func (g *Graph) orderClusters() {
	indegree := make([]int, len(g.clusters))
	succs := make([][]ClusterID, len(g.clusters))
	seen := make(map[[2]ClusterID]bool)
	for _, e := range g.edges {
		if e == nil {
			continue
		}
		src := g.nodes[e.src].Cluster
		dst := g.nodes[e.dst].Cluster
		if src == NilCluster || dst == NilCluster || src == dst {
			continue
		}
		if seen[[2]ClusterID{src, dst}] {
			continue
		}
		seen[[2]ClusterID{src, dst}] = true
		succs[src] = append(succs[src], dst)
		indegree[dst]++
	}
	var queue []ClusterID
	for id := range g.clusters {
		if indegree[id] == 0 {
			queue = append(queue, ClusterID(id))
		}
	}
	g.clustersSorted = g.clustersSorted[:0]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.clustersSorted = append(g.clustersSorted, id)
		for _, next := range succs[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(g.clustersSorted) != len(g.clusters) {
		panic(fmt.Sprintf("graph: cluster graph has a cycle, ordered %d of %d", len(g.clustersSorted), len(g.clusters)))
	}
}
