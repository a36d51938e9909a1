package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
	"github.com/TheEntropyCollective/docsync/pkg/util"
)

// engineType tags the engines created by this command in the manager
const engineType = "docsync"

// app carries the settings shared by every command
type app struct {
	configPath string
	home       string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if a.home != "" {
		cfg.Home = a.home
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := &logging.Config{
		Level:      cfg.Log.Level,
		Format:     logging.LogFormat(cfg.Log.Format),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    true,
	}
	if err := logging.InitGlobalLogger(logCfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.cfg = cfg
	a.logger = logging.GetGlobalLogger()
	return nil
}

func (a *app) statePath(uid string) string {
	return filepath.Join(a.cfg.Home, "engines", uid+".db")
}

func (a *app) openManager() (*dao.ManagerDAO, error) {
	if err := os.MkdirAll(a.cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", a.cfg.Home, err)
	}
	return dao.NewManagerDAO(filepath.Join(a.cfg.Home, "manager.db"), a.logger)
}

// findEngine returns the engine with the given uid or name. With an empty
// name the only bound engine is returned.
func (a *app) findEngine(m *dao.ManagerDAO, name string) (*dao.EngineDef, error) {
	if name != "" {
		def, err := m.GetEngine(name)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return nil, util.WrapErrorWithSuggestion(fmt.Errorf("no engine named %s", name),
				"List the bound folders with 'docsync status'")
		}
		return def, nil
	}

	defs, err := m.GetEngines()
	if err != nil {
		return nil, err
	}
	switch len(defs) {
	case 0:
		return nil, docsync.ErrNotBound
	case 1:
		return &defs[0], nil
	}
	return nil, util.WrapErrorWithSuggestion(errors.New("several folders are bound"),
		"Name the engine with --engine")
}

func (a *app) engineOptions(def *dao.EngineDef, bus *events.Bus) docsync.EngineOptions {
	return docsync.EngineOptions{
		UID:         def.UID,
		Name:        def.Name,
		LocalFolder: def.LocalFolder,
		StatePath:   a.statePath(def.UID),
		Sync:        a.cfg.Sync,
		Bus:         bus,
		Logger:      a.logger,
	}
}

func (a *app) openEngine(def *dao.EngineDef, bus *events.Bus) (*docsync.Engine, error) {
	if _, err := os.Stat(a.statePath(def.UID)); err != nil {
		return nil, fmt.Errorf("state of %s: %w", def.Name, docsync.ErrNotBound)
	}
	return docsync.NewEngine(a.engineOptions(def, bus))
}

// removeState deletes an engine database with its WAL files
func removeState(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// withEngine opens the named engine for a one shot command
func (a *app) withEngine(name string, fn func(*docsync.Engine) error) error {
	m, err := a.openManager()
	if err != nil {
		return err
	}
	defer m.Close()
	def, err := a.findEngine(m, name)
	if err != nil {
		return err
	}
	engine, err := a.openEngine(def, nil)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}
