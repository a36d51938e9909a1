package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/docsync/pkg/model"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

func newErrorsCommand(a *app) *cobra.Command {
	var name string
	var retry, jsonOutput bool
	cmd := &cobra.Command{
		Use:     "errors",
		GroupID: "sync",
		Short:   "List the documents the synchronization gave up on",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(name, func(engine *docsync.Engine) error {
				if retry {
					if err := engine.RetryErrors(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Failed documents are retried on the next start")
					return nil
				}
				pairs, err := engine.Errors()
				if err != nil {
					return err
				}
				if jsonOutput {
					return util.PrintJSONSuccess(cmd.OutOrStdout(), pairs)
				}
				if len(pairs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No error")
					return nil
				}
				printPairs(cmd.OutOrStdout(), pairs, func(p *model.DocPair) string {
					return fmt.Sprintf("%s (%d attempts)", p.LastError, p.ErrorCount)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "engine", "e", "", "engine name or uid")
	cmd.Flags().BoolVar(&retry, "retry", false, "reset the errors so the documents are tried again")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}
