package env

import (
	"fmt"
	"sync"

	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
)

type graphInput struct {
	value graph.NodeID
	grad  graph.NodeID // -1 after a write, when no gradient sink exists
}

type scopeState struct {
	ops         *graph.Graph
	nextColour  int
	nextRandUID int
	vars        *variable.Set
	inputs      map[ops.VariableID]graphInput
	outputs     map[ops.VariableID]graph.NodeID
}

// Scope records one graph build. All mutation is serialized through a
// single exclusive borrow; re-entrant use is a programming error and
// panics rather than corrupting the graph. A scope is not safe for
// concurrent use from multiple goroutines.
type Scope struct {
	mu sync.Mutex
	st *scopeState
}

func newScope(vars *variable.Set) *Scope {
	return &Scope{
		st: &scopeState{
			ops:     graph.New(vars),
			vars:    vars,
			inputs:  map[ops.VariableID]graphInput{},
			outputs: map[ops.VariableID]graph.NodeID{},
		},
	}
}

// with runs f holding the exclusive state borrow.
func (s *Scope) with(f func(st *scopeState)) {
	if !s.mu.TryLock() {
		panic("env.Scope: re-entrant graph mutation")
	}
	defer s.mu.Unlock()
	f(s.st)
}

// Literal records an f32 constant as a dual value with an empty gradient
// sink.
func (s *Scope) Literal(value float32) DualArray {
	return s.LiteralValue(value).WithEmptyGradDual()
}

// LiteralValue records an f32 constant.
func (s *Scope) LiteralValue(value float32) Array {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, tensor.NewShape(1), ops.Lit(ops.F32(value)))
	})
	return Array{node: id, scope: s}
}

// LiteralU32 records a u32 constant.
func (s *Scope) LiteralU32(value uint32) UArray {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, tensor.NewShape(1), ops.Lit(ops.U32(value)))
	})
	return UArray{node: id, scope: s}
}

// Coord records the built-in coordinate vector [0, 1, ..., n-1].
func (s *Scope) Coord(n int) DualArray {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, tensor.NewShape(n), ops.Coord())
	})
	return Array{node: id, scope: s}.WithEmptyGradDual()
}

// Rand records a fresh pseudo-random source of the given shape.
func (s *Scope) Rand(shape tensor.Shape) DualArray {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		uid := st.nextRandUID
		st.nextRandUID++
		id = st.ops.NewNode(st.nextColour, shape, ops.Rand(uid))
	})
	return Array{node: id, scope: s}.WithEmptyGradDual()
}

// Accumulator records an empty Mov node to accumulate values into.
func (s *Scope) Accumulator(shape tensor.Shape) Array {
	var id graph.NodeID
	s.with(func(st *scopeState) {
		id = st.ops.NewNode(st.nextColour, shape, ops.Mov())
	})
	return Array{node: id, scope: s}
}

// input resolves the freshest graph nodes for a variable, minting the
// Input node and gradient sink on first read.
func (s *Scope) input(v *variable.Var) graphInput {
	var in graphInput
	s.with(func(st *scopeState) {
		if existing, ok := st.inputs[v.ID()]; ok {
			in = existing
			return
		}
		in = graphInput{
			value: st.ops.NewNode(st.nextColour, v.Shape(), ops.Input(v.ID())),
			grad:  st.ops.NewNode(st.nextColour, v.Shape(), ops.Mov()),
		}
		st.inputs[v.ID()] = in
	})
	return in
}

// Parameter reads a variable as a dual value whose gradient sink collects
// backward contributions.
func (s *Scope) Parameter(v *variable.Var) DualArray {
	in := s.input(v)
	if in.grad < 0 {
		panic(fmt.Sprintf("env.Scope: variable %q was written and has no gradient sink", v.Name()))
	}
	return DualArray{value: in.value, lossGrad: in.grad, scope: s}
}

// ParameterValue reads a variable's current value.
func (s *Scope) ParameterValue(v *variable.Var) Array {
	return Array{node: s.input(v).value, scope: s}
}

// ReadVariable reads a variable's current value without gradients.
func (s *Scope) ReadVariable(v *variable.Var) Array {
	return s.ParameterValue(v)
}

// WriteVariable emits an Output node storing rhs into the variable.
// Subsequent reads of the variable observe rhs, not the stale input.
func (s *Scope) WriteVariable(v *variable.Var, rhs Array) {
	s.with(func(st *scopeState) {
		shape := st.ops.Node(rhs.node).Shape
		if !v.Shape().Equal(shape) {
			panic(fmt.Sprintf("env.Scope: writing %v into variable %q of shape %v", shape, v.Name(), v.Shape()))
		}
		id := st.ops.NewNode(st.nextColour, shape, ops.Output(v.ID()), rhs.node)
		if old, ok := st.outputs[v.ID()]; ok {
			st.ops.RemoveNode(old)
		}
		st.outputs[v.ID()] = id
		st.inputs[v.ID()] = graphInput{value: rhs.node, grad: -1}
	})
}

// UpdateVariable applies f to the variable's current value and writes the
// result back, returning it.
func (s *Scope) UpdateVariable(v *variable.Var, f func(Array) Array) Array {
	result := f(s.ParameterValue(v))
	s.WriteVariable(v, result)
	return result
}

// NextColour advances the colour tag used for subsequent nodes.
func (s *Scope) NextColour() {
	s.with(func(st *scopeState) {
		st.nextColour++
	})
}

// Trainables lists the trainable variables read by the graph so far.
func (s *Scope) Trainables() []*variable.Var {
	var out []*variable.Var
	s.with(func(st *scopeState) {
		for _, id := range st.ops.NodeIDs() {
			op := st.ops.Node(id).Op
			if op.Kind != ops.KindInput {
				continue
			}
			if v := st.vars.Get(op.Variable); v.Trainable() {
				out = append(out, v)
			}
		}
	})
	return out
}

// BuildSchedule runs the optimizer pipeline and cluster builder over the
// recorded ops and returns the frozen graph. The scope must not be used
// afterwards.
func (s *Scope) BuildSchedule() *graph.Graph {
	var g *graph.Graph
	s.with(func(st *scopeState) {
		g = st.ops
	})
	g.Compile()
	return g
}
