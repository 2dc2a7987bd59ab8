package env_test

import (
	"bytes"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/ops"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
	"github.com/itohio/descent/pkg/env"
)

func writeVar(t *testing.T, e *env.Environment, v *variable.Var, values ...float32) {
	t.Helper()
	require.NoError(t, e.Writer(v).WriteFloats(values...))
}

func readVar(t *testing.T, e *env.Environment, v *variable.Var) []float32 {
	t.Helper()
	out := make([]float32, v.Shape().Size())
	n := e.Reader(v).ReadFloats(out)
	require.Equal(t, len(out), n)
	return out
}

func countOps(g *graph.Graph, pred func(ops.Op) bool) int {
	n := 0
	for _, id := range g.NodeIDs() {
		if pred(g.Node(id).Op) {
			n++
		}
	}
	return n
}

func kernelKinds(g *graph.Graph) []string {
	var kinds []string
	for _, c := range g.Clusters() {
		kinds = append(kinds, c.Kernel.KernelKind())
	}
	return kinds
}

func TestRunArithmetic(t *testing.T) {
	e := env.NewEnvironment()
	a := e.Variable(tensor.NewShape(2), "a")
	b := e.Variable(tensor.NewShape(2), "b")
	out := e.Variable(tensor.NewShape(2), "out")
	writeVar(t, e, a, 1, 2)
	writeVar(t, e, b, 3, 4)

	s := e.Graph()
	av := s.ReadVariable(a)
	bv := s.ReadVariable(b)
	s.WriteVariable(out, av.Add(bv).MulScalar(2).Sub(bv))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{5, 8}, readVar(t, e, out))
}

func TestFusionMatMulBiasRelu(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	w := e.Variable(tensor.NewShape(3, 4), "w")
	b := e.Variable(tensor.NewShape(4), "b")
	out := e.Variable(tensor.NewShape(2, 4), "y")

	writeVar(t, e, x,
		1, 0, 0,
		0, 1, 0)
	writeVar(t, e, w,
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12)
	writeVar(t, e, b, 1, 1, 1, -10)

	s := e.Graph()
	y := s.Parameter(x).MatMul(s.Parameter(w)).Add(s.Parameter(b)).LeakyRelu(0)
	s.WriteVariable(out, y.Value())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	// one matrix multiply kernel plus one fused per-element kernel holding
	// the bias add, the select and the output store
	kinds := kernelKinds(g)
	require.Len(t, kinds, 2)
	assert.Contains(t, kinds, "mat_mul")
	assert.Contains(t, kinds, "per_element")

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{
		2, 3, 4, 0,
		6, 7, 8, 0,
	}, readVar(t, e, out))
}

func TestCommonSubgraphShared(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2), "x")
	y := e.Variable(tensor.NewShape(2), "y")
	out1 := e.Variable(tensor.NewShape(2), "out1")
	out2 := e.Variable(tensor.NewShape(2), "out2")
	writeVar(t, e, x, 1, 2)
	writeVar(t, e, y, 10, 20)

	s := e.Graph()
	xv := s.ReadVariable(x)
	yv := s.ReadVariable(y)
	s.WriteVariable(out1, xv.Add(yv).MulScalar(2))
	s.WriteVariable(out2, xv.Add(yv).MulScalar(3))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	adds := countOps(g, func(o ops.Op) bool { return o == ops.Binary(ops.BinaryAdd) })
	assert.Equal(t, 1, adds)

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{22, 44}, readVar(t, e, out1))
	assert.Equal(t, []float32{33, 66}, readVar(t, e, out2))
}

func TestReshapeMovesCollapse(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	out := e.Variable(tensor.NewShape(2, 3), "out")
	writeVar(t, e, x, 1, 2, 3, 4, 5, 6)

	s := e.Graph()
	y := s.ReadVariable(x).
		Reshape(tensor.NewShape(6)).
		Reshape(tensor.NewShape(2, 3)).
		Neg()
	s.WriteVariable(out, y)
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	movs := countOps(g, func(o ops.Op) bool { return o == ops.Mov() })
	assert.Zero(t, movs)

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{-1, -2, -3, -4, -5, -6}, readVar(t, e, out))
}

func TestTransposeRoundTrip(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	once := e.Variable(tensor.NewShape(3, 2), "once")
	twice := e.Variable(tensor.NewShape(2, 3), "twice")
	writeVar(t, e, x, 1, 2, 3, 4, 5, 6)

	s := e.Graph()
	xv := s.ReadVariable(x)
	s.WriteVariable(once, xv.Transpose().Neg().Neg())
	s.WriteVariable(twice, xv.Transpose().Transpose().Neg().Neg())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, readVar(t, e, once))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, readVar(t, e, twice))
}

func TestReduceSizeOneAxisEmitsNoKernel(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 1), "x")
	out := e.Variable(tensor.NewShape(2, 1), "out")
	writeVar(t, e, x, 4, 5)

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(x).ReduceSum(1, true).Neg())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	assert.NotContains(t, kernelKinds(g), "reduce")

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{-4, -5}, readVar(t, e, out))
}

func TestReduceKernels(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	sum := e.Variable(tensor.NewShape(2), "sum")
	max := e.Variable(tensor.NewShape(2), "max")
	writeVar(t, e, x, 1, 5, 2, -1, -5, -2)

	s := e.Graph()
	xv := s.ReadVariable(x)
	s.WriteVariable(sum, xv.ReduceSum(-1, false))
	s.WriteVariable(max, xv.ReduceMax(-1, false))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{8, -8}, readVar(t, e, sum))
	assert.Equal(t, []float32{5, -1}, readVar(t, e, max))
}

func TestConcat(t *testing.T) {
	e := env.NewEnvironment()
	a := e.Variable(tensor.NewShape(2), "a")
	b := e.Variable(tensor.NewShape(3), "b")
	out := e.Variable(tensor.NewShape(5), "out")
	writeVar(t, e, a, 1, 2)
	writeVar(t, e, b, 3, 4, 5)

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(a).Concat(s.ReadVariable(b), 0))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, readVar(t, e, out))
}

func TestGather(t *testing.T) {
	e := env.NewEnvironment()
	values := e.Variable(tensor.NewShape(4), "values")
	idx := e.Variable(tensor.NewShape(2), "idx")
	out := e.Variable(tensor.NewShape(2), "out")
	writeVar(t, e, values, 10, 20, 30, 40)
	writeVar(t, e, idx, 1, 3)

	s := e.Graph()
	indices := s.ReadVariable(idx).IntoU32()
	s.WriteVariable(out, s.ReadVariable(values).Gather(0, indices).Neg())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{-20, -40}, readVar(t, e, out))
}

func TestScatterAddCarriesInitialState(t *testing.T) {
	e := env.NewEnvironment()
	acc := e.Variable(tensor.NewShape(4), "acc")
	values := e.Variable(tensor.NewShape(2), "values")
	idx := e.Variable(tensor.NewShape(2), "idx")
	out := e.Variable(tensor.NewShape(4), "out")
	writeVar(t, e, acc, 10, 20, 30, 40)
	writeVar(t, e, values, 1, 2)
	writeVar(t, e, idx, 1, 3)

	s := e.Graph()
	indices := s.ReadVariable(idx).IntoU32()
	result := s.ReadVariable(acc).ScatterAdd(s.ReadVariable(values), 0, indices)
	s.WriteVariable(out, result)
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	var scatter *graph.Cluster
	for _, c := range g.Clusters() {
		if c.Kernel.KernelKind() == "scatter_add" {
			scatter = c
		}
	}
	require.NotNil(t, scatter)
	require.Len(t, scatter.Outputs, 1)
	assert.Equal(t, graph.InitialCopyFrom, scatter.Outputs[0].Initial.Kind)

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{10, 21, 30, 42}, readVar(t, e, out))
}

func TestGradientCheckMatMul(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	w := e.Variable(tensor.NewShape(3, 4), "w")
	b := e.Variable(tensor.NewShape(4), "b")
	lossVar := e.Variable(tensor.NewShape(1), "loss")
	gradVar := e.Variable(tensor.NewShape(3, 4), "dw")

	xData := []float32{0.5, -1, 2, 1.5, 0.25, -0.75}
	wData := []float32{1, -2, 0.5, 3, -1, 0.25, 2, -0.5, 0.75, 1, -1.5, 2}
	writeVar(t, e, x, xData...)
	writeVar(t, e, w, wData...)
	writeVar(t, e, b, 0.1, -0.2, 0.3, -0.4)

	s := e.Graph()
	y := s.Parameter(x).MatMul(s.Parameter(w)).Add(s.Parameter(b))
	y.SetLoss()
	loss := y.Value().ReduceSum(0, false).ReduceSum(0, false).MulScalar(0.5)
	s.WriteVariable(lossVar, loss)
	s.WriteVariable(gradVar, s.Parameter(w).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	analytic := readVar(t, e, gradVar)

	const eps = 1e-2
	for i := range wData {
		perturbed := append([]float32(nil), wData...)
		perturbed[i] = wData[i] + eps
		writeVar(t, e, w, perturbed...)
		require.NoError(t, e.Run(g))
		plus := readVar(t, e, lossVar)[0]

		perturbed[i] = wData[i] - eps
		writeVar(t, e, w, perturbed...)
		require.NoError(t, e.Run(g))
		minus := readVar(t, e, lossVar)[0]

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, analytic[i], 1e-3, "entry %d", i)
	}
}

func TestGradientAccumulatesAcrossUses(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(1), "x")
	grad := e.Variable(tensor.NewShape(1), "dx")
	writeVar(t, e, x, 3)

	s := e.Graph()
	xd := s.Parameter(x)
	xd.Mul(xd).SetLoss()
	s.WriteVariable(grad, s.Parameter(x).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.InDelta(t, 6.0, readVar(t, e, grad)[0], 1e-5)
}

func TestReduceMaxGradientFlowsToMax(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(1, 3), "x")
	grad := e.Variable(tensor.NewShape(1, 3), "dx")
	writeVar(t, e, x, 1, 3, 2)

	s := e.Graph()
	s.Parameter(x).ReduceMax(-1, true).SetLoss()
	s.WriteVariable(grad, s.Parameter(x).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{0, 1, 0}, readVar(t, e, grad))
}

func TestSoftmaxCrossEntropyBackward(t *testing.T) {
	e := env.NewEnvironment()
	z := e.Variable(tensor.NewShape(1, 3), "z")
	grad := e.Variable(tensor.NewShape(1, 3), "dz")
	writeVar(t, e, z, 1, 2, 3)

	s := e.Graph()
	zd := s.Parameter(z)
	shifted := zd.Sub(zd.ReduceMax(-1, true))
	expd := shifted.Exp()
	p := expd.Div(expd.ReduceSum(-1, true))
	loss := p.Log().LockAxis(-1, 1, true).Neg()
	loss.SetLoss()
	s.WriteVariable(grad, s.Parameter(z).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	got := readVar(t, e, grad)

	// analytic backward of softmax with cross entropy: p - onehot(label)
	var exps [3]float32
	var sum float32
	for i, v := range []float32{1, 2, 3} {
		exps[i] = math32.Exp(v - 3)
		sum += exps[i]
	}
	want := []float32{exps[0] / sum, exps[1]/sum - 1, exps[2] / sum}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "class %d", i)
	}
}

func TestConv2DForwardAndFilterGradient(t *testing.T) {
	e := env.NewEnvironment()
	img := e.Variable(tensor.NewShape(1, 3, 3, 1), "img")
	filter := e.Variable(tensor.NewShape(1, 1, 2, 2, 1), "filter")
	out := e.Variable(tensor.NewShape(1, 2, 2, 1), "out")
	dFilter := e.Variable(tensor.NewShape(1, 1, 2, 2, 1), "dfilter")

	writeVar(t, e, img,
		1, 2, 3,
		4, 5, 6,
		7, 8, 9)
	writeVar(t, e, filter,
		1, 0,
		0, 1)

	s := e.Graph()
	y := s.Parameter(img).Conv2D(s.Parameter(filter), 0, 1, 1)
	y.SetLoss()
	s.WriteVariable(out, y.Value())
	s.WriteVariable(dFilter, s.Parameter(filter).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{6, 8, 12, 14}, readVar(t, e, out))
	// d(sum y)/d filter[fh][fw] sums the image under each filter tap
	assert.Equal(t, []float32{12, 16, 24, 28}, readVar(t, e, dFilter))
}

func TestMaxPool2D(t *testing.T) {
	e := env.NewEnvironment()
	img := e.Variable(tensor.NewShape(1, 2, 2, 1), "img")
	out := e.Variable(tensor.NewShape(1, 1, 1, 1), "out")
	writeVar(t, e, img, 1, 4, 3, 2)

	s := e.Graph()
	s.WriteVariable(out, s.Parameter(img).MaxPool2D(2, 2, 2, 2).Value())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{4}, readVar(t, e, out))
}

func TestUpsample(t *testing.T) {
	e := env.NewEnvironment()
	img := e.Variable(tensor.NewShape(1, 1, 1, 1), "img")
	out := e.Variable(tensor.NewShape(1, 2, 2, 1), "out")
	grad := e.Variable(tensor.NewShape(1, 1, 1, 1), "dimg")
	writeVar(t, e, img, 7)

	s := e.Graph()
	up := s.Parameter(img).Upsample(2, 2)
	up.SetLoss()
	s.WriteVariable(out, up.Value())
	s.WriteVariable(grad, s.Parameter(img).LossGrad())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{7, 7, 7, 7}, readVar(t, e, out))
	// all four repeated cells feed the gradient back
	assert.Equal(t, []float32{4}, readVar(t, e, grad))
}

func TestUpdateVariableReadsFreshValue(t *testing.T) {
	e := env.NewEnvironment()
	counter := e.Variable(tensor.NewShape(1), "t")
	snapshot := e.Variable(tensor.NewShape(1), "snapshot")
	writeVar(t, e, counter, 1)

	s := e.Graph()
	s.UpdateVariable(counter, func(v env.Array) env.Array { return v.AddScalar(1) })
	// a later read observes the written value, not the stale input
	s.WriteVariable(snapshot, s.ReadVariable(counter).MulScalar(10))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{2}, readVar(t, e, counter))
	assert.Equal(t, []float32{20}, readVar(t, e, snapshot))
}

func TestRandBuiltIn(t *testing.T) {
	e := env.NewEnvironment()
	out := e.Variable(tensor.NewShape(8), "out")

	s := e.Graph()
	s.WriteVariable(out, s.Rand(tensor.NewShape(8)).Value())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	values := readVar(t, e, out)
	distinct := map[float32]bool{}
	for _, v := range values {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
		distinct[v] = true
	}
	assert.Greater(t, len(distinct), 1)
}

func TestScheduleSerialization(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	w := e.Variable(tensor.NewShape(3, 2), "w")
	out := e.Variable(tensor.NewShape(2, 2), "out")

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(x).MatMul(s.ReadVariable(w)))
	g := s.BuildSchedule()

	data, err := yaml.Marshal(g)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mat_mul")

	var dot bytes.Buffer
	require.NoError(t, g.WriteDot(graph.DotCluster, &dot))
	assert.Contains(t, dot.String(), "digraph")
	assert.Contains(t, dot.String(), "cluster_0")

	var colour bytes.Buffer
	require.NoError(t, g.WriteDot(graph.DotColour, &colour))
	assert.Contains(t, colour.String(), "digraph")
}

func TestPadAndUnpad(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2), "x")
	padded := e.Variable(tensor.NewShape(4), "padded")
	cropped := e.Variable(tensor.NewShape(2), "cropped")
	writeVar(t, e, x, 5, 6)

	s := e.Graph()
	p := s.ReadVariable(x).Pad(0, 1, 1)
	s.WriteVariable(padded, p.Neg().Neg())
	s.WriteVariable(cropped, p.Unpad(0, 1))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	assert.Contains(t, kernelKinds(g), "unpad")

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{0, 5, 6, 0}, readVar(t, e, padded))
	assert.Equal(t, []float32{5, 6}, readVar(t, e, cropped))
}

func TestLockAxisPicksRow(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	out := e.Variable(tensor.NewShape(1, 3), "out")
	writeVar(t, e, x, 1, 2, 3, 4, 5, 6)

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(x).LockAxis(0, 1, true).Neg().Neg())
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{4, 5, 6}, readVar(t, e, out))
}

func TestArgMax(t *testing.T) {
	e := env.NewEnvironment()
	x := e.Variable(tensor.NewShape(2, 3), "x")
	out := e.Variable(tensor.NewShape(2, 1), "out")
	writeVar(t, e, x, 1, 9, 2, 7, 3, 5)

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(x).ArgMax(-1, true))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{1, 0}, readVar(t, e, out))
}

func TestOneHot(t *testing.T) {
	e := env.NewEnvironment()
	labels := e.Variable(tensor.NewShape(2, 1), "labels")
	out := e.Variable(tensor.NewShape(2, 3), "out")
	writeVar(t, e, labels, 2, 0)

	s := e.Graph()
	s.WriteVariable(out, s.ReadVariable(labels).OneHot(3))
	g := s.BuildSchedule()
	require.NoError(t, g.Validate())

	require.NoError(t, e.Run(g))
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, readVar(t, e, out))
}
