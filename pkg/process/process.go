// Package process defines the contract between the bootstrapper and whatever
// runs mongod and mongos processes.
package process

import (
	"context"

	"github.com/zph/phil/pkg/naming"
	"github.com/zph/phil/pkg/topology"
)

// Handle refers to a started node process
type Handle struct {
	Spec    topology.NodeSpec
	Program string
	PID     int
}

// Manager starts, stops and inspects node processes
type Manager interface {
	// Start launches the node and returns once the process is running.
	// It does not wait for the node to accept connections.
	Start(ctx context.Context, spec topology.NodeSpec) (Handle, error)

	// Stop terminates the process behind h
	Stop(ctx context.Context, h Handle) error

	// IsAlive reports whether the process behind h is still running
	IsAlive(h Handle) bool
}

// ProgramName returns the supervisor program name for a node, e.g. "mongod-27017"
func ProgramName(spec topology.NodeSpec) string {
	return naming.GetProgramName(spec.Binary(), spec.Port)
}
