package main

import (
	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	server    string
	workspace string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "kilnctl",
		Short:         "Client for a kiln training-pipeline server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.server, "server", "http://localhost:8080", "base URL of the kiln server")
	cmd.PersistentFlags().StringVarP(&flags.workspace, "workspace", "w", "default", "workspace name")

	cmd.AddCommand(
		newRunCmd(flags),
		newPublishCmd(flags),
		newInvokeCmd(flags),
		newComputeCmd(flags),
		newRunsCmd(flags),
	)

	return cmd
}
