// Package device declares the contract between a compiled graph and an
// accelerator backend. A backend receives the clusters of a compiled graph
// in topological order and is responsible for buffer allocation, kernel
// translation and dispatch. The reference implementation lives in
// pkg/device/cpu.
package device

import (
	"github.com/itohio/descent/pkg/core/graph"
	"github.com/itohio/descent/pkg/core/variable"
)

// Backend executes one compiled graph against variable storage. Input and
// Output nodes bind to variables; Literal and BuiltIn nodes are inlined or
// materialized by the backend as needed.
type Backend interface {
	Run(g *graph.Graph, vars *variable.Set) error
}
