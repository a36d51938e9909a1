package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/docsync/pkg/remote"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

func newVersionCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// no configuration is needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return util.PrintJSON(cmd.OutOrStdout(), map[string]string{
					"application": remote.ApplicationName,
					"version":     version,
					"go":          runtime.Version(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n",
				remote.ApplicationName, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}
