package main

import (
	"fmt"

	"github.com/spf13/cobra"

	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
)

func newFilterCommand(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:     "filter",
		GroupID: "sync",
		Short:   "Manage the remote folders left out of the synchronization",
		Long: `Filtered remote folders are not synchronized, their local copy is removed
on the next start. Removing a filter downloads the folder again.`,
	}
	cmd.PersistentFlags().StringVarP(&name, "engine", "e", "", "engine name or uid")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <remote-path>",
			Short: "Stop synchronizing a remote folder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(name, func(engine *docsync.Engine) error {
					if err := engine.AddFilter(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Filtered %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <remote-path>",
			Short: "Synchronize a filtered remote folder again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(name, func(engine *docsync.Engine) error {
					if err := engine.RemoveFilter(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed the filter on %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the filtered remote folders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(name, func(engine *docsync.Engine) error {
					for _, path := range engine.Filters() {
						fmt.Fprintln(cmd.OutOrStdout(), path)
					}
					return nil
				})
			},
		},
	)
	return cmd
}
