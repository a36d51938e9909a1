package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

func newBindCommand(a *app) *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:     "bind-server <local-folder> <server-url>",
		GroupID: "binding",
		Short:   "Bind a local folder to a server account",
		Long: `Bind a local folder to a server account. The password is exchanged for
an application token, only the token is stored. The password is read from
the terminal, or from the standard input when it is not one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if name == "" {
				name = filepath.Base(folder)
			}
			password, err := util.ReadPassword(fmt.Sprintf("Password for %s: ", user), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.bind(cmd.Context(), folder, strings.TrimSuffix(args[1], "/"), user, password, name)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "server user name")
	cmd.Flags().StringVar(&name, "name", "", "engine name (default: the folder name)")
	return cmd
}

func (a *app) bind(ctx context.Context, folder, serverURL, user, password, name string) error {
	m, err := a.openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	defs, err := m.GetEngines()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.LocalFolder == folder {
			return fmt.Errorf("%s is already bound as %s", folder, def.Name)
		}
		if def.Name == name {
			return util.WrapErrorWithSuggestion(fmt.Errorf("an engine is already named %s", name),
				"Pick another name with --name")
		}
	}

	def, err := m.AddEngine(engineType, name, folder)
	if err != nil {
		return err
	}
	opts := a.engineOptions(def, nil)
	opts.ServerURL = serverURL
	opts.User = user
	opts.DeviceID = m.DeviceID()

	forget := func() {
		if err := removeState(opts.StatePath); err != nil {
			a.logger.WithError(err).Warn("Cannot remove the engine state")
		}
		if err := m.DeleteEngine(def.UID); err != nil {
			a.logger.WithError(err).Warn("Cannot forget the engine")
		}
	}

	engine, err := docsync.NewEngine(opts)
	if err != nil {
		forget()
		return err
	}
	if _, err := engine.Remote().RequestToken(ctx, password); err != nil {
		engine.Close()
		forget()
		return err
	}
	if err := engine.Bind(ctx); err != nil {
		engine.Close()
		forget()
		return err
	}
	if err := engine.Close(); err != nil {
		return err
	}

	fmt.Printf("Bound %s to %s as %s (engine %s)\n", folder, serverURL, user, name)
	fmt.Println("Run 'docsync start' to synchronize it")
	return nil
}

func newUnbindCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "unbind-server <engine>",
		GroupID: "binding",
		Short:   "Unbind a folder, its local files are kept",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			def, err := a.findEngine(m, args[0])
			if err != nil {
				return err
			}

			if !yes {
				ok, err := util.PromptYesNo(fmt.Sprintf("Unbind %s from the server?", def.LocalFolder))
				if err != nil {
					return util.WrapErrorWithSuggestion(err, "Confirm with --yes")
				}
				if !ok {
					return nil
				}
			}

			engine, err := a.openEngine(def, nil)
			if err != nil {
				return err
			}
			if err := engine.Unbind(cmd.Context()); err != nil {
				engine.Close()
				return err
			}
			if err := m.DeleteEngine(def.UID); err != nil {
				return err
			}
			fmt.Printf("Unbound %s, its files were left in place\n", def.LocalFolder)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
