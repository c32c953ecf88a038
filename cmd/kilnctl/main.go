// kilnctl is the command-line client for a kiln server. It drives the full
// training workflow: register the workspace, provision compute, create a
// pipeline from a YAML spec, submit and await an experiment run, publish the
// pipeline, and tear the compute back down.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kilnctl:", err)
		os.Exit(1)
	}
}
