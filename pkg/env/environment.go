// Package env is the front-end of the descent compiler: an Environment
// owns variable storage and a backend, and each Scope records one tensor
// program as a dual-valued op graph with reverse-mode gradients, ready to
// be optimized and clustered into kernels.
package env

import (
	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/tensor"
	"github.com/itohio/descent/pkg/core/variable"
	"github.com/itohio/descent/pkg/device"
	"github.com/itohio/descent/pkg/device/cpu"
)

// Environment owns the variable registry and the backend graphs run on.
type Environment struct {
	vars    *variable.Set
	backend device.Backend
}

// NewEnvironment returns an environment backed by the CPU reference
// executor.
func NewEnvironment() *Environment {
	return &Environment{
		vars:    variable.NewSet(),
		backend: cpu.New(),
	}
}

// SetBackend swaps the execution backend.
func (e *Environment) SetBackend(b device.Backend) {
	e.backend = b
}

// Variable declares a named, trainable storage slot of the given shape.
func (e *Environment) Variable(shape tensor.Shape, name string) *variable.Var {
	return e.vars.New(shape, name)
}

// Writer streams data into a variable.
func (e *Environment) Writer(v *variable.Var) *variable.Writer {
	return variable.NewWriter(v)
}

// Reader streams data out of a variable.
func (e *Environment) Reader(v *variable.Var) *variable.Reader {
	return variable.NewReader(v)
}

// Graph opens a fresh build scope over this environment's variables.
func (e *Environment) Graph() *Scope {
	return newScope(e.vars)
}

// Run dispatches one execution of a compiled graph to the backend.
func (e *Environment) Run(g *graph.Graph) error {
	return e.backend.Run(g, e.vars)
}
