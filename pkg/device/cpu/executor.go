// Package cpu implements the reference backend: it walks a compiled
// graph's clusters in order and interprets each kernel descriptor over
// float32 storage. Intermediate buffers are placed through the shared
// best-fit heap using lifetimes derived from the cluster order.
package cpu

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
	"github.com/itohio/descent/pkg/device/heap"
)

// Executor is the CPU reference backend.
type Executor struct{}

// New returns a CPU executor.
func New() *Executor {
	return &Executor{}
}

type allocation struct {
	block  heap.BlockID
	buffer []float32
}

type run struct {
	g      *graph.Graph
	vars   *variable.Set
	heap   *heap.Heap
	arenas [][]float32

	buffers map[graph.NodeID]*allocation
	lastUse map[graph.NodeID]int
}

// Run executes every cluster of a compiled graph and stores Output node
// results into their variables.
func (x *Executor) Run(g *graph.Graph, vars *variable.Set) error {
	r := &run{
		g:       g,
		vars:    vars,
		heap:    heap.New(),
		buffers: map[graph.NodeID]*allocation{},
		lastUse: map[graph.NodeID]int{},
	}
	clusters := g.Clusters()
	for i, c := range clusters {
		for _, in := range c.Inputs {
			r.lastUse[in] = i
		}
		for _, out := range c.Outputs {
			if out.Initial.Kind == graph.InitialCopyFrom {
				r.lastUse[out.Initial.From] = i
			}
		}
	}
	for _, id := range g.NodeIDs() {
		if g.Node(id).Op.Kind == ops.KindOutput {
			for _, s := range g.ArgSources(id) {
				r.lastUse[s.Node] = len(clusters)
			}
		}
	}

	for i, c := range clusters {
		if err := r.execCluster(c); err != nil {
			return err
		}
		for id, use := range r.lastUse {
			if use == i {
				r.release(id)
			}
		}
	}

	for _, id := range g.NodeIDs() {
		node := g.Node(id)
		if node.Op.Kind != ops.KindOutput {
			continue
		}
		src := g.ArgSources(id)[0]
		data, err := r.nodeValue(src.Node)
		if err != nil {
			return err
		}
		dst := vars.Get(node.Op.Variable).Data()
		coords := make([]int, node.Shape.Rank())
		for e := 0; e < node.Shape.Size(); e++ {
			node.Shape.Coords(e, coords)
			dst[e] = readView(src.View, coords, data)
		}
	}
	return nil
}

func (r *run) release(id graph.NodeID) {
	if a, ok := r.buffers[id]; ok {
		r.heap.Free(a.block)
		delete(r.buffers, id)
	}
}

// alloc places an intermediate buffer for a node result, extending the heap
// with a fresh arena when nothing fits.
func (r *run) alloc(id graph.NodeID, size int) []float32 {
	block, offset, ok := r.heap.Alloc(size, 1)
	if !ok {
		arena := len(r.arenas)
		capacity := size
		if capacity < 4096 {
			capacity = 4096
		}
		r.arenas = append(r.arenas, make([]float32, capacity))
		r.heap.ExtendWith(arena, capacity)
		block, offset, ok = r.heap.Alloc(size, 1)
		if !ok {
			panic(fmt.Sprintf("cpu: fresh arena of %d cannot fit %d", capacity, size))
		}
	}
	buf := r.arenas[r.heap.Arena(block)][offset : offset+size]
	for i := range buf {
		buf[i] = 0
	}
	r.buffers[id] = &allocation{block: block, buffer: buf}
	return buf
}

// nodeValue resolves the buffer holding a node's result, materializing
// variable inputs, literals and builtins on demand.
func (r *run) nodeValue(id graph.NodeID) ([]float32, error) {
	if a, ok := r.buffers[id]; ok {
		return a.buffer, nil
	}
	node := r.g.Node(id)
	switch node.Op.Kind {
	case ops.KindInput:
		return r.vars.Get(node.Op.Variable).Data(), nil
	case ops.KindLiteral:
		buf := make([]float32, node.Shape.Size())
		v := literalValue(node.Op.Lit)
		for i := range buf {
			buf[i] = v
		}
		return buf, nil
	case ops.KindBuiltIn:
		buf := make([]float32, node.Shape.Size())
		for i := range buf {
			if node.Op.BuiltIn == ops.BuiltInCoord {
				buf[i] = float32(i)
			} else {
				buf[i] = rand01(node.Op.RandUID, i)
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("cpu: node %d (%v) has no materialized value", id, node.Op)
}

func literalValue(l ops.Literal) float32 {
	if l.IsUint {
		return math.Float32frombits(l.U)
	}
	return l.F
}

func readView(v tensor.View, coords []int, data []float32) float32 {
	idx, ok := v.Index(coords)
	if !ok {
		return 0
	}
	return data[idx]
}

// rand01 derives a deterministic value in [0, 1) from a builtin's uid and
// the element index, splitmix64-style.
func rand01(uid, index int) float32 {
	z := uint64(uid)<<32 ^ uint64(index)
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return float32(z>>40) / float32(1<<24)
}

func (r *run) execCluster(c *graph.Cluster) error {
	inputs := make([][]float32, len(c.Inputs))
	for i, id := range c.Inputs {
		data, err := r.nodeValue(id)
		if err != nil {
			return err
		}
		inputs[i] = data
	}
	switch k := c.Kernel.(type) {
	case *graph.PerElementKernel:
		return r.execPerElement(c, k, inputs)
	case *graph.ReduceKernel:
		return r.execReduce(c, k, inputs[0])
	case *graph.MatMulKernel:
		return r.execMatMul(c, k, inputs[0], inputs[1])
	case *graph.UnpadKernel:
		return r.execUnpad(c, k, inputs[0])
	case *graph.WindowsToImageKernel:
		return r.execWindowsToImage(c, k, inputs[0])
	case *graph.ScatterAddKernel:
		return r.execScatterAdd(c, k, inputs[0], inputs[1])
	}
	return fmt.Errorf("cpu: unknown kernel %T", c.Kernel)
}

func bitsOf(v float32) uint32   { return math.Float32bits(v) }
func fromBits(u uint32) float32 { return math.Float32frombits(u) }

func evalUnary(op ops.UnaryOp, a float32) float32 {
	switch op {
	case ops.UnaryNeg:
		return -a
	case ops.UnaryExp:
		return math32.Exp(a)
	case ops.UnaryLog:
		return math32.Log(a)
	case ops.UnarySqrt:
		return math32.Sqrt(a)
	case ops.UnarySin:
		return math32.Sin(a)
	case ops.UnaryCos:
		return math32.Cos(a)
	case ops.UnaryMov:
		return a
	case ops.UnaryFloatToUint:
		return fromBits(uint32(int64(a)))
	case ops.UnaryUintToFloat:
		return float32(bitsOf(a))
	}
	panic(fmt.Sprintf("cpu: unknown unary op %d", op))
}

func evalBinary(op ops.BinaryOp, a, b float32) float32 {
	switch op {
	case ops.BinaryAdd:
		return a + b
	case ops.BinarySub:
		return a - b
	case ops.BinaryMul:
		return a * b
	case ops.BinaryDiv:
		return a / b
	case ops.BinaryPow:
		return math32.Pow(a, b)
	case ops.BinaryUAdd:
		return fromBits(bitsOf(a) + bitsOf(b))
	case ops.BinaryUMul:
		return fromBits(bitsOf(a) * bitsOf(b))
	case ops.BinaryURem:
		return fromBits(bitsOf(a) % bitsOf(b))
	case ops.BinaryUBitXor:
		return fromBits(bitsOf(a) ^ bitsOf(b))
	}
	panic(fmt.Sprintf("cpu: unknown binary op %d", op))
}

func (r *run) execPerElement(c *graph.Cluster, k *graph.PerElementKernel, inputs [][]float32) error {
	outputs := make([][]float32, len(c.Outputs))
	for i, out := range c.Outputs {
		outputs[i] = r.alloc(out.Node, k.ElementCount)
	}
	regs := make([]float32, len(k.Ops))
	coords := make([]int, tensor.MaxDims)
	for e := 0; e < k.ElementCount; e++ {
		for i, op := range k.Ops {
			switch op.Kind {
			case graph.KernelOpLoad:
				view := k.Inputs[op.Input]
				cs := view.OutputShape.Coords(e, coords[:view.OutputShape.Rank()])
				regs[i] = readView(view, cs, inputs[op.Input])
			case graph.KernelOpLiteral:
				regs[i] = literalValue(op.Lit)
			case graph.KernelOpBuiltIn:
				cs := op.View.OutputShape.Coords(e, coords[:op.View.OutputShape.Rank()])
				idx, ok := op.View.Index(cs)
				if !ok {
					regs[i] = 0
				} else if op.BuiltIn == ops.BuiltInCoord {
					regs[i] = float32(idx)
				} else {
					regs[i] = rand01(op.RandUID, idx)
				}
			case graph.KernelOpUnary:
				regs[i] = evalUnary(op.Unary, regs[op.Args[0]])
			case graph.KernelOpBinary:
				regs[i] = evalBinary(op.Binary, regs[op.Args[0]], regs[op.Args[1]])
			case graph.KernelOpCompareAndSelect:
				a, b := regs[op.Args[0]], regs[op.Args[1]]
				pass, fail := regs[op.Args[2]], regs[op.Args[3]]
				hit := a == b
				if op.Compare == ops.CompareGt {
					hit = a > b
				}
				if hit {
					regs[i] = pass
				} else {
					regs[i] = fail
				}
			case graph.KernelOpGather:
				view := k.Inputs[op.Input]
				cs := op.Shape.Coords(e, coords[:op.Shape.Rank()])
				cs[op.Axis] = int(bitsOf(regs[op.Args[0]]))
				regs[i] = readView(view, cs, inputs[op.Input])
			}
		}
		for i, opIndex := range k.Outputs {
			outputs[i][e] = regs[opIndex]
		}
	}
	return nil
}

func (r *run) execReduce(c *graph.Cluster, k *graph.ReduceKernel, input []float32) error {
	out := r.alloc(c.Outputs[0].Node, k.Shape.Size())
	coords := make([]int, k.Shape.Rank())
	inner := k.Input.OutputShape[k.Axis]
	for e := 0; e < k.Shape.Size(); e++ {
		k.Shape.Coords(e, coords)
		acc := float32(0)
		if k.Op == ops.ReduceMax {
			acc = float32(math.Inf(-1))
		}
		for i := 0; i < inner; i++ {
			coords[k.Axis] = i
			v := readView(k.Input, coords, input)
			if k.Op == ops.ReduceMax {
				if v > acc {
					acc = v
				}
			} else {
				acc += v
			}
		}
		out[e] = acc
	}
	return nil
}

func (r *run) execMatMul(c *graph.Cluster, k *graph.MatMulKernel, a, b []float32) error {
	out := r.alloc(c.Outputs[0].Node, k.Shape.Size())
	batches := k.A.OutputShape[0]
	m := k.A.OutputShape[1]
	inner := k.A.OutputShape[2]
	n := k.B.OutputShape[2]
	strides := k.Shape.Strides()
	ac := make([]int, 3)
	bc := make([]int, 3)
	for batch := 0; batch < batches; batch++ {
		for row := 0; row < m; row++ {
			for col := 0; col < n; col++ {
				sum := float32(0)
				for i := 0; i < inner; i++ {
					ac[0], ac[1], ac[2] = batch, row, i
					bc[0], bc[1], bc[2] = batch, i, col
					sum += readView(k.A, ac, a) * readView(k.B, bc, b)
				}
				var offset int
				if k.Mode == tensor.RowsMode {
					offset = row*strides[1] + batch*strides[2] + col*strides[3]
				} else {
					offset = batch*strides[1] + row*strides[2] + col*strides[3]
				}
				out[offset] = sum
			}
		}
	}
	return nil
}

func (r *run) execUnpad(c *graph.Cluster, k *graph.UnpadKernel, input []float32) error {
	out := r.alloc(c.Outputs[0].Node, k.Shape.Size())
	coords := make([]int, k.Shape.Rank())
	for e := 0; e < k.Shape.Size(); e++ {
		k.Shape.Coords(e, coords)
		coords[k.Axis] += k.Pad
		out[e] = readView(k.Input, coords, input)
	}
	return nil
}

func (r *run) execWindowsToImage(c *graph.Cluster, k *graph.WindowsToImageKernel, input []float32) error {
	out := r.alloc(c.Outputs[0].Node, k.Shape.Size())
	windows := k.Input.OutputShape
	strides := k.Shape.Strides()
	cg := windows[6]
	coords := make([]int, windows.Rank())
	for e := 0; e < windows.Size(); e++ {
		windows.Coords(e, coords)
		m, ho, wo, g, fh, fw, cgc := coords[0], coords[1], coords[2], coords[3], coords[4], coords[5], coords[6]
		y := ho*k.StrideH + fh
		x := wo*k.StrideW + fw
		ch := g*cg + cgc
		offset := m*strides[0] + y*strides[1] + x*strides[2] + ch*strides[3]
		out[offset] += readView(k.Input, coords, input)
	}
	return nil
}

func (r *run) execScatterAdd(c *graph.Cluster, k *graph.ScatterAddKernel, values, indices []float32) error {
	out := r.alloc(c.Outputs[0].Node, k.Shape.Size())
	initial := c.Outputs[0].Initial
	if initial.Kind == graph.InitialCopyFrom {
		src, err := r.nodeValue(initial.From)
		if err != nil {
			return err
		}
		if len(src) == 1 {
			for i := range out {
				out[i] = src[0]
			}
		} else {
			copy(out, src)
		}
	}
	strides := k.Shape.Strides()
	coords := make([]int, k.Values.OutputShape.Rank())
	for e := 0; e < k.Values.OutputShape.Size(); e++ {
		k.Values.OutputShape.Coords(e, coords)
		v := readView(k.Values, coords, values)
		idx := int(bitsOf(readView(k.Indices, coords, indices)))
		offset := 0
		for a, c := range coords {
			if a == k.Axis {
				offset += idx * strides[a]
			} else {
				offset += c * strides[a]
			}
		}
		out[offset] += v
	}
	return nil
}
