// Package compute manages provisioned compute targets: named autoscaling
// pools of execution nodes that run pipeline steps. Provisioner
// implementations are registered by kind; the in-tree local provisioner runs
// steps as host subprocesses.
package compute

import (
	"context"

	"github.com/kilnml/kiln/internal/model"
)

// StepCommand describes one script invocation on a node.
type StepCommand struct {
	RunID    string
	StepName string
	Runtime  string
	Script   string
	Args     []string
	WorkDir  string
	Env      []string

	// LogWriter receives each line the script writes to stdout or stderr.
	LogWriter func(line string)
}

// Result holds the outcome of a step command.
type Result struct {
	ExitCode   int
	DurationMS int
}

// Node is a single execution slot that runs one step at a time.
type Node interface {
	ID() string
	Run(ctx context.Context, cmd StepCommand) (Result, error)
}

// PoolStats reports the current node population of a pool.
type PoolStats struct {
	Nodes int `json:"nodes"`
	Busy  int `json:"busy"`
}

// Pool is the provisioned node pool of one compute target. Acquire blocks
// until a node is free or the pool scales up; Release returns the node.
type Pool interface {
	Acquire(ctx context.Context) (Node, error)
	Release(n Node)
	Stats() PoolStats

	// Close drains the pool: it waits for busy nodes to finish and releases
	// all node slots. The pool accepts no further Acquire calls.
	Close(ctx context.Context) error
}

// Provisioner provisions pools for compute targets of its kind.
type Provisioner interface {
	Kind() string
	Provision(ctx context.Context, ct *model.ComputeTarget) (Pool, error)
}
