package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInvokeCmd(root *rootFlags) *cobra.Command {
	var (
		experiment  string
		computeName string
		snapshotDir string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <endpoint>",
		Short: "Submit a run through a published pipeline endpoint",
		Long: "Submit a run through a published pipeline endpoint. The endpoint may be " +
			"given by ID or by published name; a name resolves to its latest version.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newClient(root)
			out := cmd.OutOrStdout()

			snapshot, err := filepath.Abs(snapshotDir)
			if err != nil {
				return fmt.Errorf("resolve snapshot dir: %w", err)
			}

			pp, err := client.resolveEndpoint(ctx, root.workspace, args[0])
			if err != nil {
				return err
			}

			run, err := client.invokeEndpoint(ctx, pp.ID, experiment, computeName, snapshot)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "invoked %s v%d: run %s\n", pp.Name, pp.Version, run.ID)

			if !wait {
				return nil
			}
			start := time.Now()
			final, err := client.waitRun(ctx, run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s %s after %s\n",
				final.ID, final.Status, humanize.RelTime(start, time.Now(), "", ""))
			return nil
		},
	}

	cmd.Flags().StringVarP(&experiment, "experiment", "e", "", "experiment name (required)")
	cmd.Flags().StringVar(&computeName, "compute", "cpu", "compute target name")
	cmd.Flags().StringVar(&snapshotDir, "snapshot", ".", "directory holding the step scripts")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the run finishes")
	_ = cmd.MarkFlagRequired("experiment")

	return cmd
}
