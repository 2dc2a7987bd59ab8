package graph

import (
	"fmt"
	"hash/fnv"
	"io"

	"github.com/awalterschulze/gographviz"

	"github.com/itohio/descent/pkg/core/ops"
)

// DotMode selects how nodes of the emitted DOT graph are grouped.
type DotMode uint8

const (
	// DotColour tints nodes by their front-end colour tag.
	DotColour DotMode = iota
	// DotCluster boxes nodes by their cluster assignment.
	DotCluster
)

func hashColour(value int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d%d%d%d", value, value, value, value)
	sum := h.Sum64()
	col := (uint32((sum>>48)^(sum>>24)^sum) & 0xffffff) | 0x404040
	return fmt.Sprintf("#%06X", col)
}

// WriteDot renders the graph for graphviz. In DotCluster mode each compiled
// cluster becomes a subgraph box; in DotColour mode nodes are tinted by
// their colour tag. Edges carry a G label for gather arguments and a V
// label for non-contiguous views.
func (g *Graph) WriteDot(mode DotMode, w io.Writer) error {
	dot := gographviz.NewGraph()
	if err := dot.SetName("G"); err != nil {
		return err
	}
	if err := dot.SetDir(true); err != nil {
		return err
	}

	parents := map[ClusterID]string{NilCluster: "G"}
	if mode == DotCluster {
		for i := range g.clusters {
			name := fmt.Sprintf("cluster_%d", i)
			if err := dot.AddSubGraph("G", name, map[string]string{"style": "filled"}); err != nil {
				return err
			}
			parents[ClusterID(i)] = name
		}
	}

	for _, id := range g.NodeIDs() {
		node := g.nodes[id]
		name := fmt.Sprintf("n%d", id)
		parent := "G"
		if mode == DotCluster {
			parent = parents[node.Cluster]
		}
		attrs := map[string]string{}
		if node.Op.Kind == ops.KindLiteral {
			attrs["shape"] = "none"
			attrs["label"] = fmt.Sprintf("%q", node.Op.Lit.String())
		} else {
			label := node.Op.String()
			switch node.Op.Kind {
			case ops.KindInput, ops.KindOutput:
				label += "\\n" + g.vars.Get(node.Op.Variable).Name()
				attrs["style"] = "solid"
			default:
				attrs["style"] = "filled"
			}
			label += "\\n" + node.Shape.String()
			attrs["shape"] = "box"
			attrs["label"] = `"` + label + `"`
			switch mode {
			case DotColour:
				attrs["color"] = fmt.Sprintf("%q", hashColour(node.Colour))
			case DotCluster:
				if node.Cluster != NilCluster {
					attrs["color"] = fmt.Sprintf("%q", hashColour(int(node.Cluster)))
				} else {
					attrs["color"] = `"#ffffff"`
				}
			}
		}
		if err := dot.AddNode(parent, name, attrs); err != nil {
			return err
		}
	}

	for _, e := range g.edges {
		if e == nil {
			continue
		}
		label := ""
		if g.nodes[e.dst].Op.IsGatherArg(e.Arg) {
			label += "G"
		}
		if !e.View.IsContiguous() {
			label += "V"
		}
		attrs := map[string]string{}
		if label != "" {
			attrs["label"] = fmt.Sprintf("%q", label)
		}
		if err := dot.AddEdge(fmt.Sprintf("n%d", e.src), fmt.Sprintf("n%d", e.dst), true, attrs); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, dot.String())
	return err
}
