package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kilnml/kiln/internal/model"
)

type runFlags struct {
	specFile    string
	experiment  string
	compute     string
	snapshotDir string
	minNodes    int
	maxNodes    int
	idleTimeout int
	size        string
	publishAs   string
	teardown    bool
	showLogs    bool
}

// newRunCmd drives the full training workflow: ensure the workspace and
// compute, create the pipeline, submit a run, and wait for it to finish.
func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a pipeline from a YAML spec and run it to completion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, root, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.specFile, "file", "f", "", "pipeline YAML spec file (required)")
	cmd.Flags().StringVarP(&flags.experiment, "experiment", "e", "", "experiment name (required)")
	cmd.Flags().StringVar(&flags.compute, "compute", "cpu", "compute target name")
	cmd.Flags().StringVar(&flags.snapshotDir, "snapshot", ".", "directory holding the step scripts")
	cmd.Flags().IntVar(&flags.minNodes, "min-nodes", 0, "minimum compute nodes")
	cmd.Flags().IntVar(&flags.maxNodes, "max-nodes", 2, "maximum compute nodes")
	cmd.Flags().IntVar(&flags.idleTimeout, "idle-timeout", 300, "seconds before idle nodes are reaped")
	cmd.Flags().StringVar(&flags.size, "size", "", "compute size label")
	cmd.Flags().StringVar(&flags.publishAs, "publish-as", "", "publish the pipeline under this name after a successful run")
	cmd.Flags().BoolVar(&flags.teardown, "teardown", false, "delete the compute target after the run")
	cmd.Flags().BoolVar(&flags.showLogs, "logs", true, "print the run's logs when it finishes")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("experiment")

	return cmd
}

func runPipeline(cmd *cobra.Command, root *rootFlags, flags *runFlags) error {
	ctx := cmd.Context()
	client := newClient(root)
	out := cmd.OutOrStdout()

	spec, err := os.ReadFile(flags.specFile)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}
	snapshot, err := filepath.Abs(flags.snapshotDir)
	if err != nil {
		return fmt.Errorf("resolve snapshot dir: %w", err)
	}

	ws, err := client.ensureWorkspace(ctx, root.workspace)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "workspace %s ready\n", ws.Name)

	ct, err := client.ensureCompute(ctx, ws.Name, flags.compute, computeSpec{
		Size:         flags.size,
		MinNodes:     flags.minNodes,
		MaxNodes:     flags.maxNodes,
		IdleTimeoutS: flags.idleTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "compute %s ready (%d-%d nodes)\n", ct.Name, ct.MinNodes, ct.MaxNodes)

	p, err := client.createPipeline(ctx, ws.Name, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pipeline %s created with %d steps\n", p.Name, len(p.Steps))

	run, err := client.submitRun(ctx, ws.Name, flags.experiment, p.ID, flags.compute, snapshot)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s submitted to experiment %s\n", run.ID, flags.experiment)

	start := time.Now()
	final, err := client.waitRun(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s %s after %s\n",
		final.ID, final.Status, humanize.RelTime(start, time.Now(), "", ""))

	if flags.showLogs {
		lines, err := client.runLogs(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Fprintf(out, "[%s] %s\n", l.StepName, l.Line)
		}
	}

	if final.Status != model.StatusCompleted {
		return fmt.Errorf("run finished with status %s: %s", final.Status, final.Error)
	}

	if flags.publishAs != "" {
		pp, err := client.publishPipeline(ctx, ws.Name, p.ID, flags.publishAs, p.Description)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "published %s v%d at %s\n", pp.Name, pp.Version, pp.Endpoint)
	}

	if flags.teardown {
		if _, err := client.deleteCompute(ctx, ws.Name, flags.compute); err != nil {
			return err
		}
		fmt.Fprintf(out, "compute %s teardown started\n", flags.compute)
	}

	return nil
}
