package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/docsync/pkg/model"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

func newConflictsCommand(a *app) *cobra.Command {
	var name string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "sync",
		Short:   "List the documents changed on both sides",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(name, func(engine *docsync.Engine) error {
				pairs, err := engine.Conflicts()
				if err != nil {
					return err
				}
				if jsonOutput {
					return util.PrintJSONSuccess(cmd.OutOrStdout(), pairs)
				}
				if len(pairs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No conflict")
					return nil
				}
				printPairs(cmd.OutOrStdout(), pairs, func(p *model.DocPair) string {
					return "modified by " + p.LastRemoteModifier + " " + humanize.Time(p.LastRemoteUpdated)
				})
				fmt.Fprintln(cmd.OutOrStdout(), "\nSettle them with 'docsync resolve <id> --with local|remote|duplicate'")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "engine", "e", "", "engine name or uid")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func newResolveCommand(a *app) *cobra.Command {
	var name, with string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "resolve <pair-id>",
		GroupID: "sync",
		Short:   "Settle a conflict",
		Long: `Settle a conflict by keeping the local version, the remote version, or
both: with duplicate the local file is renamed "name (conflict).ext" and
uploaded as a new document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pair id %q", args[0])
			}
			err = a.withEngine(name, func(engine *docsync.Engine) error {
				switch with {
				case "local":
					return engine.ResolveWithLocal(id)
				case "remote":
					return engine.ResolveWithRemote(id)
				case "duplicate":
					return engine.ResolveWithDuplicate(id)
				}
				return fmt.Errorf("cannot resolve with %q, use local, remote or duplicate", with)
			})
			if jsonOutput {
				if err != nil {
					return util.PrintJSONError(cmd.OutOrStdout(), err)
				}
				return util.PrintJSONSuccess(cmd.OutOrStdout(), map[string]interface{}{"id": id, "with": with})
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conflict %d resolved with the %s version, it is synchronized on the next start\n", id, with)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "engine", "e", "", "engine name or uid")
	cmd.Flags().StringVar(&with, "with", "", "version to keep: local, remote or duplicate")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.MarkFlagRequired("with")
	return cmd
}

func printPairs(out io.Writer, pairs []*model.DocPair, detail func(*model.DocPair) string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tDETAIL")
	for _, pair := range pairs {
		fmt.Fprintf(w, "%d\t%s\t%s\n", pair.ID, pair.LocalPath, detail(pair))
	}
	w.Flush()
}
