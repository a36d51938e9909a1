// Command docsync binds local folders to document server accounts and keeps
// them synchronized.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/docsync/pkg/util"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, util.FormatError(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "docsync",
		Short: "Synchronize local folders with a document server",
		Long: `docsync keeps a local folder and a server account in sync in both
directions. Bind a folder once with bind-server, then run start.`,
		SilenceUsage: true,

		// main prints the error with its suggestion
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file (default ~/.docsync/config.yaml)")
	flags.StringVar(&a.home, "home", "", "directory holding the state of docsync")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "binding", Title: "Binding:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
	)
	rootCmd.AddCommand(
		newBindCommand(a),
		newUnbindCommand(a),
		newStartCommand(a),
		newStatusCommand(a),
		newFilterCommand(a),
		newConflictsCommand(a),
		newResolveCommand(a),
		newErrorsCommand(a),
		newVersionCommand(),
	)
	return rootCmd
}
