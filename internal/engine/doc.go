// Package engine executes submitted pipeline runs. It waits for the target
// compute to be ready, resolves each step's declared data references to
// node-local directories, invokes the step scripts sequentially on pool
// nodes, and records statuses, logs, and metrics in the store in real time.
package engine
