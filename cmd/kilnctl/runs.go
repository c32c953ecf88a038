package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRunsCmd(root *rootFlags) *cobra.Command {
	var (
		experiment string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the workspace's runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newClient(root)
			runs, total, err := client.listRuns(cmd.Context(), root.workspace, experiment, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tEXPERIMENT\tSTATUS\tDURATION\tSUBMITTED")
			for _, run := range runs {
				duration := "-"
				if run.DurationMS != nil {
					duration = (time.Duration(*run.DurationMS) * time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Experiment, run.Status, duration,
					humanize.RelTime(run.CreatedAt, time.Now(), "ago", ""))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if total > len(runs) {
				fmt.Fprintf(cmd.OutOrStdout(), "showing %d of %d runs\n", len(runs), total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&experiment, "experiment", "e", "", "filter by experiment name")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}
