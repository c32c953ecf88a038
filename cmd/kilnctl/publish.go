package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCmd(root *rootFlags) *cobra.Command {
	var name, description string

	cmd := &cobra.Command{
		Use:   "publish <pipeline-id>",
		Short: "Publish a pipeline as an invocable endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(root)
			pp, err := client.publishPipeline(cmd.Context(), root.workspace, args[0], name, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s v%d at %s\n", pp.Name, pp.Version, pp.Endpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "published name (defaults to the pipeline name)")
	cmd.Flags().StringVar(&description, "description", "", "published description")

	return cmd
}
