package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newComputeCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Manage workspace compute targets",
	}
	cmd.AddCommand(
		newComputeEnsureCmd(root),
		newComputeListCmd(root),
		newComputeDeleteCmd(root),
	)
	return cmd
}

func newComputeEnsureCmd(root *rootFlags) *cobra.Command {
	spec := computeSpec{}

	cmd := &cobra.Command{
		Use:   "ensure <name>",
		Short: "Provision a compute target, or reuse it if it already exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(root)
			ct, err := client.ensureCompute(cmd.Context(), root.workspace, args[0], spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compute %s %s (%d-%d nodes)\n",
				ct.Name, ct.State, ct.MinNodes, ct.MaxNodes)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec.Provisioner, "provisioner", "", "provisioner kind (defaults to local)")
	cmd.Flags().StringVar(&spec.Size, "size", "", "compute size label")
	cmd.Flags().IntVar(&spec.MinNodes, "min-nodes", 0, "minimum compute nodes")
	cmd.Flags().IntVar(&spec.MaxNodes, "max-nodes", 2, "maximum compute nodes")
	cmd.Flags().IntVar(&spec.IdleTimeoutS, "idle-timeout", 300, "seconds before idle nodes are reaped")

	return cmd
}

func newComputeListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workspace's compute targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newClient(root)
			targets, err := client.listCompute(cmd.Context(), root.workspace)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tNODES\tPROVISIONER\tAGE")
			for _, ct := range targets {
				fmt.Fprintf(tw, "%s\t%s\t%d-%d\t%s\t%s\n",
					ct.Name, ct.State, ct.MinNodes, ct.MaxNodes, ct.Provisioner,
					humanize.RelTime(ct.CreatedAt, time.Now(), "", ""))
			}
			return tw.Flush()
		},
	}
}

func newComputeDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Tear down a compute target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(root)
			ct, err := client.deleteCompute(cmd.Context(), root.workspace, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compute %s %s\n", ct.Name, ct.State)
			return nil
		},
	}
}
