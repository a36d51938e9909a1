package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheEntropyCollective/docsync/pkg/api"
	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
)

func newStartCommand(a *app) *cobra.Command {
	var names []string
	var withAPI bool
	var listen string
	cmd := &cobra.Command{
		Use:     "start",
		GroupID: "sync",
		Short:   "Synchronize the bound folders until interrupted",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if cmd.Flags().Changed("listen") {
				a.cfg.API.Listen = listen
			}
			return a.start(ctx, names, withAPI || a.cfg.API.Enabled)
		},
	}
	cmd.Flags().StringSliceVarP(&names, "engine", "e", nil, "engines to start (default: all)")
	cmd.Flags().BoolVar(&withAPI, "api", false, "serve the local status API")
	cmd.Flags().StringVar(&listen, "listen", "", "address of the status API")
	return cmd
}

func (a *app) start(ctx context.Context, names []string, withAPI bool) error {
	m, err := a.openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	var defs []dao.EngineDef
	if len(names) == 0 {
		if defs, err = m.GetEngines(); err != nil {
			return err
		}
	}
	for _, name := range names {
		def, err := a.findEngine(m, name)
		if err != nil {
			return err
		}
		defs = append(defs, *def)
	}
	if len(defs) == 0 {
		return docsync.ErrNotBound
	}

	bus := events.NewBus(a.logger)
	defer bus.Close()

	var engines []*docsync.Engine
	defer func() {
		for _, engine := range engines {
			if err := engine.Close(); err != nil {
				a.logger.WithError(err).Warnf("Cannot close engine %s", engine.Name())
			}
		}
	}()
	for i := range defs {
		engine, err := a.openEngine(&defs[i], bus)
		if err != nil {
			return err
		}
		engines = append(engines, engine)
	}

	var server *api.Server
	if withAPI {
		server, err = api.NewServer(api.Options{
			Listen:  a.cfg.API.Listen,
			Version: version,
			Bus:     bus,
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
	}

	notices, unsubscribe := bus.Subscribe(16, events.RootMoved, events.RootDeleted, events.InvalidAuthentication)
	defer unsubscribe()

	for _, engine := range engines {
		if err := engine.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", engine.Name(), err)
		}
		if server != nil {
			server.AddEngine(engine)
		}
	}
	a.logger.Infof("Synchronizing %d folder(s)", len(engines))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if server != nil {
		g.Go(func() error { return server.Run(gctx) })
	}
	g.Go(func() error {
		a.watchNotices(gctx, m, notices)
		return nil
	})
	var running sync.WaitGroup
	for _, engine := range engines {
		engine := engine
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			err := engine.Wait()
			if server != nil {
				server.RemoveEngine(engine.UID())
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Errorf("Engine %s stopped", engine.Name())
			}
			return nil
		})
	}
	g.Go(func() error {
		// nothing is left to serve once every engine stopped on its own
		running.Wait()
		cancel()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		for _, engine := range engines {
			engine.Stop()
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("Synchronization stopped")
	return err
}

// watchNotices reacts to the events needing the manager or the user
func (a *app) watchNotices(ctx context.Context, m *dao.ManagerDAO, notices <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notices:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.RootMoved:
				if err := m.UpdateEnginePath(ev.Engine, ev.Target); err != nil {
					a.logger.WithError(err).Warn("Cannot record the new location of the folder")
					continue
				}
				a.logger.Warnf("Folder %s moved to %s, restart to synchronize it there", ev.Path, ev.Target)
			case events.RootDeleted:
				a.logger.Errorf("Folder %s was deleted, unbind it or restore it", ev.Path)
			case events.InvalidAuthentication:
				a.logger.Errorf("The server refused the credentials of engine %s, bind it again", ev.Engine)
			}
		}
	}
}
