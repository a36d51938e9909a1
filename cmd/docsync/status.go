package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

func newStatusCommand(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "status [engine]",
		GroupID: "sync",
		Short:   "Show the state of the bound folders",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			defs, err := m.GetEngines()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				def, err := a.findEngine(m, args[0])
				if err != nil {
					return err
				}
				defs = defs[:0]
				defs = append(defs, *def)
			}

			statuses := make([]docsync.EngineStatus, 0, len(defs))
			for i := range defs {
				engine, err := a.openEngine(&defs[i], nil)
				if err != nil {
					a.logger.WithError(err).Warnf("Cannot read the state of %s", defs[i].Name)
					continue
				}
				statuses = append(statuses, engine.Status())
				engine.Close()
			}

			if jsonOutput {
				return util.PrintJSONSuccess(cmd.OutOrStdout(), statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No folder is bound, see 'docsync bind-server --help'")
				return nil
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printStatuses(out io.Writer, statuses []docsync.EngineStatus) {
	for i, s := range statuses {
		if i > 0 {
			fmt.Fprintln(out)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Engine:\t%s (%s)\n", s.Name, s.UID)
		fmt.Fprintf(w, "Folder:\t%s\n", s.LocalFolder)
		fmt.Fprintf(w, "Server:\t%s as %s\n", s.ServerURL, s.User)
		fmt.Fprintf(w, "Documents:\t%d, %s\n", s.Pairs, humanize.Bytes(uint64(s.Size)))
		fmt.Fprintf(w, "Pending:\t%d\n", s.Unsynchronized)
		fmt.Fprintf(w, "Conflicts:\t%d\n", s.Conflicts)
		fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
		lastSync := "never"
		if !s.LastSync.IsZero() {
			lastSync = humanize.Time(s.LastSync)
		}
		fmt.Fprintf(w, "Last sync:\t%s\n", lastSync)
		w.Flush()
	}
}
