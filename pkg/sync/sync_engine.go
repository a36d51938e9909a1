package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/TheEntropyCollective/docsync/pkg/crypto"
	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

// completionTick is how often the engine checks whether the synchronization
// is over
const completionTick = time.Second

// EngineOptions configures an Engine
type EngineOptions struct {
	UID         string
	Name        string
	LocalFolder string

	// StatePath is the engine database, BackupDir receives its copies
	StatePath string
	BackupDir string

	ServerURL string
	User      string
	DeviceID  string

	// Token defaults to the one stored at bind time
	Token string

	Sync config.SyncConfig

	Fs    afero.Fs
	Attrs local.AttrStore
	Trash local.Trash

	Bus    *events.Bus
	Clock  clockwork.Clock
	Logger *logging.Logger
}

// EngineStatus is a snapshot of an engine for the CLI and the status API
type EngineStatus struct {
	UID            string     `json:"uid"`
	Name           string     `json:"name"`
	LocalFolder    string     `json:"local_folder"`
	ServerURL      string     `json:"server_url"`
	User           string     `json:"user"`
	Running        bool       `json:"running"`
	Suspended      bool       `json:"suspended"`
	Offline        bool       `json:"offline"`
	Syncing        bool       `json:"syncing"`
	Queue          QueueStats `json:"queue"`
	Pairs          int        `json:"pairs"`
	Conflicts      int        `json:"conflicts"`
	Errors         int        `json:"errors"`
	Unsynchronized int        `json:"unsynchronized"`
	Size           int64      `json:"size"`
	LastSync       time.Time  `json:"last_sync,omitempty"`
}

// Engine synchronizes one local folder with one server account. It owns
// the state store, both adapters, both watchers and the workers.
type Engine struct {
	uid       string
	name      string
	opts      EngineOptions
	marker    string
	maxErrors int

	dao           *dao.EngineDAO
	local         *local.Client
	remote        *remote.Client
	queue         *QueueManager
	locks         *PathLocks
	processor     *Processor
	localWatcher  *LocalWatcher
	remoteWatcher *RemoteWatcher

	bus    *events.Bus
	clock  clockwork.Clock
	logger *logging.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	suspended bool
	syncing   bool
}

// NewEngine opens the state store of the engine and wires its components.
// Nothing runs before Start.
func NewEngine(opts EngineOptions) (*Engine, error) {
	switch {
	case opts.UID == "":
		return nil, fmt.Errorf("engine uid cannot be empty")
	case opts.LocalFolder == "":
		return nil, fmt.Errorf("local folder cannot be empty")
	case opts.StatePath == "":
		return nil, fmt.Errorf("state path cannot be empty")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.StatePath), "backups")
	}
	if opts.Sync == (config.SyncConfig{}) {
		opts.Sync = config.DefaultConfig().Sync
	}
	logger := opts.Logger.WithField("engine", opts.UID)

	store, err := dao.NewEngineDAO(opts.StatePath, logger, opts.Clock)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		uid:       opts.UID,
		name:      opts.Name,
		opts:      opts,
		maxErrors: opts.Sync.MaxErrors,
		dao:       store,
		locks:     NewPathLocks(),
		bus:       opts.Bus,
		clock:     opts.Clock,
		logger:    logger.WithComponent("engine"),
	}
	if err := e.wire(logger); err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(logger *logging.Logger) error {
	opts := &e.opts
	if opts.ServerURL == "" {
		opts.ServerURL = e.dao.GetConfig(dao.ConfigServerURL, "")
	}
	if opts.User == "" {
		opts.User = e.dao.GetConfig(dao.ConfigRemoteUser, "")
	}
	if opts.DeviceID == "" {
		opts.DeviceID = e.dao.GetConfig(dao.ConfigDeviceID, "")
	}
	if opts.Token == "" {
		if sealed := e.dao.GetConfig(dao.ConfigRemoteToken, ""); sealed != "" {
			token, err := crypto.OpenToken(sealed, opts.User, opts.ServerURL)
			if err != nil {
				return fmt.Errorf("failed to read the stored token: %w", err)
			}
			opts.Token = token
		}
	}
	e.marker = fmt.Sprintf("%s|%s|%s|%s", opts.ServerURL, opts.User, opts.DeviceID, opts.UID)

	var err error
	e.local, err = local.New(local.Options{
		Fs:       opts.Fs,
		Root:     opts.LocalFolder,
		Attrs:    opts.Attrs,
		Trash:    opts.Trash,
		UseTrash: opts.Sync.UseTrash,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	e.remote, err = remote.New(remote.Options{
		ServerURL:        opts.ServerURL,
		User:             opts.User,
		Token:            opts.Token,
		DeviceID:         opts.DeviceID,
		HandshakeTimeout: opts.Sync.HandshakeTimeoutDuration(),
		Timeout:          opts.Sync.TimeoutDuration(),
		SSLVerify:        opts.Sync.SSLVerify,
		CABundle:         opts.Sync.CABundle,
		ChunkSize:        opts.Sync.ChunkSize,
		ChunkLimit:       opts.Sync.ChunkLimit,
		Fs:               opts.Fs,
		Transfers:        e.dao,
		Filters:          e.dao,
		EngineUID:        opts.UID,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	e.queue, err = NewQueueManager(e.dao, QueueOptions{
		MaxErrors:         opts.Sync.MaxErrors,
		ErrorInterval:     opts.Sync.ErrorIntervalDuration(),
		MaxFileProcessors: opts.Sync.MaxFileProcessors,
		EngineUID:         opts.UID,
		Bus:               e.bus,
		Clock:             e.clock,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	e.processor, err = NewProcessor(ProcessorOptions{
		DAO:                  e.dao,
		Local:                e.local,
		Remote:               e.remote,
		Queue:                e.queue,
		Locks:                e.locks,
		Bus:                  e.bus,
		Logger:               logger,
		EngineUID:            opts.UID,
		ErrorInterval:        opts.Sync.ErrorIntervalDuration(),
		LocalRollback:        opts.Sync.LocalRollback,
		SyncDeletion:         opts.Sync.SyncDeletion,
		OnInvalidCredentials: e.invalidCredentials,
		OnNoSpace:            e.noSpaceLeft,
	})
	if err != nil {
		return err
	}

	e.localWatcher, err = NewLocalWatcher(LocalWatcherOptions{
		DAO:        e.dao,
		Local:      e.local,
		Bus:        e.bus,
		Clock:      e.clock,
		Logger:     logger,
		EngineUID:  opts.UID,
		RootMarker: e.marker,
	})
	if err != nil {
		return err
	}

	e.remoteWatcher, err = NewRemoteWatcher(RemoteWatcherOptions{
		DAO:       e.dao,
		Remote:    e.remote,
		Bus:       e.bus,
		Clock:     e.clock,
		Logger:    logger,
		EngineUID: opts.UID,
		Interval:  opts.Sync.DelayDuration(),
	})
	if err != nil {
		return err
	}

	e.dao.SetConflictHandler(func(id int64) {
		if err := e.processor.ResolveConflict(context.Background(), id); err != nil {
			e.logger.WithError(err).Warnf("Cannot look at the conflict on pair %d", id)
		}
	})
	return nil
}

// UID returns the engine identifier
func (e *Engine) UID() string { return e.uid }

// Name returns the display name of the engine
func (e *Engine) Name() string { return e.name }

// LocalFolder returns the synchronized folder
func (e *Engine) LocalFolder() string { return e.local.Root() }

// DAO returns the state store of the engine
func (e *Engine) DAO() *dao.EngineDAO { return e.dao }

// Remote returns the server client of the engine
func (e *Engine) Remote() *remote.Client { return e.remote }

// Bus returns the event bus the engine publishes on
func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) emit(kind events.Kind) {
	e.bus.Publish(events.Event{Kind: kind, Engine: e.uid})
}

// Bind prepares the local folder and the state store for a first start:
// the folder is created when missing and tagged with the binding marker,
// the root pair is bound to the remote root. A folder bound to another
// account is refused.
func (e *Engine) Bind(ctx context.Context) error {
	fs := e.local.Fs()
	root := e.local.Root()
	created := false
	if _, err := fs.Stat(root); errors.Is(err, os.ErrNotExist) {
		if err := fs.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", root, err)
		}
		created = true
	}
	cleanup := func() {
		if created {
			if err := fs.RemoveAll(root); err != nil {
				e.logger.WithError(err).Warnf("Cannot remove %s", root)
			}
		}
	}

	if marker, _ := e.local.GetRootID(); marker != "" && marker != e.marker {
		return fmt.Errorf("%s: %w", root, ErrRootAlreadyBound)
	}
	if !e.opts.Sync.NoFSCheck {
		if err := e.local.CheckXattrSupport(); err != nil {
			cleanup()
			return err
		}
	}

	if _, err := e.remote.FetchCapabilities(ctx); err != nil {
		e.logger.WithError(err).Debug("Cannot fetch the server capabilities")
	}
	rootInfo, err := e.remote.GetFilesystemRootInfo(ctx)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to get the remote root: %w", err)
	}

	if err := e.local.SetRootID(e.marker); err != nil {
		cleanup()
		return err
	}
	if err := e.local.SetRemoteID(model.RootPath, rootInfo.UID); err != nil {
		return err
	}
	if err := e.bindRootPair(rootInfo); err != nil {
		return err
	}

	sealed, err := crypto.SealToken(e.remote.Token(), e.opts.User, e.opts.ServerURL)
	if err != nil {
		return err
	}
	settings := map[string]string{
		dao.ConfigServerURL:     e.opts.ServerURL,
		dao.ConfigRemoteUser:    e.opts.User,
		dao.ConfigDeviceID:      e.opts.DeviceID,
		dao.ConfigEngineUID:     e.uid,
		dao.ConfigRemoteRootRef: rootInfo.UID,
		dao.ConfigRemoteToken:   sealed,
	}
	for name, value := range settings {
		if err := e.dao.UpdateConfig(name, value); err != nil {
			return err
		}
	}
	if err := e.dao.StoreBool(dao.ConfigInvalidCredentials, false); err != nil {
		return err
	}
	e.logger.Infof("Bound %s to %s as %s", root, e.opts.ServerURL, e.opts.User)
	return nil
}

func (e *Engine) bindRootPair(rootInfo *model.RemoteInfo) error {
	pair, err := e.dao.GetStateFromLocal(model.RootPath)
	if err != nil || pair != nil {
		return err
	}
	info, err := e.local.GetInfo(model.RootPath)
	if err != nil {
		return err
	}
	id, err := e.dao.InsertLocalState(info, "")
	if err != nil {
		return err
	}
	if pair, err = e.dao.GetStateFromID(id); err != nil {
		return err
	}
	pair.LocalState = model.LocalSynchronized
	pair.RemoteState = model.RemoteSynchronized
	if _, err := e.dao.UpdateRemoteState(pair, rootInfo, dao.RemoteUpdateOptions{Force: true}); err != nil {
		return err
	}
	_, err = e.dao.SynchronizeState(pair)
	return err
}

// IsBound reports whether Bind ran for this engine
func (e *Engine) IsBound() bool {
	pair, err := e.dao.GetStateFromLocal(model.RootPath)
	return err == nil && pair != nil && pair.RemoteRef != ""
}

// prepare recovers the transfers of the previous run and hands the pending
// pairs to the queue manager
func (e *Engine) prepare(ctx context.Context) error {
	if !e.IsBound() {
		return ErrNotBound
	}
	if marker, _ := e.local.GetRootID(); marker != e.marker {
		return fmt.Errorf("%s: %w", e.local.Root(), ErrRootAlreadyBound)
	}

	if e.dao.GetBool(dao.ConfigCrashed, false) {
		e.logger.Warn("Previous run did not stop cleanly, resuming its transfers")
		if err := e.dao.SuspendOngoingTransfers(); err != nil {
			return err
		}
	} else if err := e.dao.DeleteOngoingTransfers(); err != nil {
		return err
	}
	if err := e.dao.StoreBool(dao.ConfigCrashed, true); err != nil {
		return err
	}
	if _, err := e.dao.ResumeTransfers(); err != nil {
		return err
	}
	if _, err := e.remote.FetchCapabilities(ctx); err != nil {
		e.logger.WithError(err).Debug("Cannot fetch the server capabilities")
	}

	if err := e.dao.RegisterQueueManager(e.queue); err != nil {
		return err
	}
	conflicts, err := e.dao.GetConflicts()
	if err != nil {
		return err
	}
	for _, pair := range conflicts {
		if err := e.processor.ResolveConflict(ctx, pair.ID); err != nil {
			e.logger.WithError(err).Warnf("Cannot look at the conflict on %s", pair.LocalPath)
		}
	}
	return nil
}

// Start runs the engine in the background until Stop
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrEngineRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.prepare(ctx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runErr = nil
	go e.run(ctx, e.done)

	e.logger.Info("Engine started")
	e.emit(events.Started)
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	rootEvents, unsubscribe := e.bus.Subscribe(4, events.RootDeleted, events.RootMoved, events.LocalScanFinished)
	defer unsubscribe()
	scanned := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(e.localWatcher.Run(ctx))
	})
	g.Go(func() error {
		once := sync.Once{}
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-rootEvents:
				if ev.Engine != e.uid {
					continue
				}
				if ev.Kind == events.LocalScanFinished {
					once.Do(func() { close(scanned) })
					continue
				}
				return ErrRootGone
			}
		}
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-scanned:
		}
		return ignoreCanceled(e.remoteWatcher.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(e.queue.Run(ctx, e.processor))
	})
	g.Go(func() error {
		return e.watchCompletion(ctx)
	})
	if e.opts.Sync.BackupInterval > 0 {
		g.Go(func() error {
			return e.backupLoop(ctx)
		})
	}

	err := g.Wait()
	if err != nil {
		e.logger.WithError(err).Error("Engine stopped on error")
	}
	if serr := e.dao.SuspendOngoingTransfers(); serr != nil {
		e.logger.WithError(serr).Warn("Cannot suspend the transfers")
	}
	if serr := e.dao.StoreBool(dao.ConfigCrashed, false); serr != nil {
		e.logger.WithError(serr).Warn("Cannot clear the crash flag")
	}

	e.mu.Lock()
	e.runErr = err
	e.cancel = nil
	e.mu.Unlock()
	e.emit(events.Stopped)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchCompletion publishes syncStarted when work shows up and
// syncCompleted once everything is processed
func (e *Engine) watchCompletion(ctx context.Context) error {
	ticker := e.clock.NewTicker(completionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			e.checkCompletion()
		}
	}
}

func (e *Engine) checkCompletion() {
	idle := e.queue.IsIdle() && e.localWatcher.IsEmpty() && !e.remoteWatcher.LastPoll().IsZero()

	e.mu.Lock()
	wasSyncing := e.syncing
	e.syncing = !idle
	e.mu.Unlock()

	switch {
	case !idle && !wasSyncing:
		e.bus.Publish(events.Event{Kind: events.SyncStarted, Engine: e.uid, QueueSize: e.queue.Size()})
	case idle && wasSyncing:
		if err := e.dao.StoreInt(dao.ConfigLastSyncDate, e.clock.Now().Unix()); err != nil {
			e.logger.WithError(err).Warn("Cannot store the last sync date")
		}
		errorCount, _ := e.dao.GetErrorCount(e.maxErrors - 1)
		conflicts, _ := e.dao.GetConflictCount()
		if errorCount+conflicts > 0 {
			e.logger.Infof("Synchronization done with %d errors and %d conflicts", errorCount, conflicts)
			e.emit(events.SyncPartialCompleted)
			return
		}
		e.logger.Info("Synchronization done")
		e.emit(events.SyncCompleted)
	}
}

func (e *Engine) backupLoop(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.opts.Sync.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := e.Backup(); err != nil {
				e.logger.WithError(err).Warn("Database backup failed")
			}
		}
	}
}

// Backup copies the state store in the backup folder
func (e *Engine) Backup() error {
	now := e.clock.Now().Unix()
	if _, err := e.dao.Backup(e.opts.BackupDir, now); err != nil {
		return err
	}
	return e.dao.StoreInt(dao.ConfigLastBackup, now)
}

// Stop cancels every goroutine of the engine and waits for them. It
// returns the error that stopped the engine on its own, if any.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if errors.Is(e.runErr, context.Canceled) {
		return nil
	}
	return e.runErr
}

// Wait blocks until the engine stops on its own or through Stop
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// IsRunning reports whether Start was called and the engine did not stop
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Suspend pauses the workers and the transfers, the watchers keep
// recording the changes
func (e *Engine) Suspend() {
	e.mu.Lock()
	if e.suspended {
		e.mu.Unlock()
		return
	}
	e.suspended = true
	e.mu.Unlock()

	e.queue.Pause()
	if err := e.dao.PauseTransfers(); err != nil {
		e.logger.WithError(err).Warn("Cannot pause the transfers")
	}
	e.logger.Info("Engine suspended")
	e.emit(events.SyncSuspended)
}

// Resume restarts the paused transfers and the workers
func (e *Engine) Resume() {
	e.mu.Lock()
	if !e.suspended {
		e.mu.Unlock()
		return
	}
	e.suspended = false
	e.mu.Unlock()

	ids, err := e.dao.ResumeTransfers()
	if err != nil {
		e.logger.WithError(err).Warn("Cannot resume the transfers")
	}
	for _, id := range ids {
		if pair, err := e.dao.GetStateFromID(id); err == nil && pair != nil {
			e.queue.Push(model.QueueItem{ID: pair.ID, Folderish: pair.Folderish, PairState: pair.PairState})
		}
	}
	e.queue.Resume()
	e.logger.Info("Engine resumed")
	e.emit(events.SyncResumed)
}

// IsSuspended reports whether Suspend was called without a Resume
func (e *Engine) IsSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

func (e *Engine) invalidCredentials() {
	e.logger.Error("Server refused the credentials, stopping")
	if err := e.dao.StoreBool(dao.ConfigInvalidCredentials, true); err != nil {
		e.logger.WithError(err).Warn("Cannot store the invalid credentials flag")
	}
	e.emit(events.InvalidAuthentication)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) noSpaceLeft() {
	e.logger.Error("No space left on the device, suspending")
	e.Suspend()
}

// Unbind revokes the token, removes the binding marker and deletes the
// state store. The engine must be stopped and is unusable afterwards.
func (e *Engine) Unbind(ctx context.Context) error {
	if e.IsRunning() {
		return ErrEngineRunning
	}
	if err := e.remote.RevokeToken(ctx); err != nil {
		e.logger.WithError(err).Warn("Cannot revoke the token")
	}
	if e.local.Exists(model.RootPath) {
		if err := e.local.RemoveRootID(); err != nil {
			e.logger.WithError(err).Warn("Cannot remove the binding marker")
		}
		if err := e.local.RemoveRemoteID(model.RootPath); err != nil {
			e.logger.WithError(err).Debug("Cannot remove the remote id of the root")
		}
	}

	path := e.dao.Path()
	if err := e.dao.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path+suffix, err)
		}
	}
	e.logger.Infof("Unbound %s", e.local.Root())
	return nil
}

// Close releases the state store of a stopped engine
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil {
		e.logger.WithError(err).Debug("Engine had stopped on error")
	}
	return e.dao.Close()
}

// Status returns a snapshot of the engine
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	status := EngineStatus{
		UID:         e.uid,
		Name:        e.name,
		LocalFolder: e.local.Root(),
		ServerURL:   e.opts.ServerURL,
		User:        e.opts.User,
		Running:     e.cancel != nil,
		Suspended:   e.suspended,
		Syncing:     e.syncing,
	}
	e.mu.Unlock()

	status.Offline = e.remoteWatcher.IsOffline()
	status.Queue = e.queue.Stats()
	status.Pairs, _ = e.dao.GetCount()
	status.Conflicts, _ = e.dao.GetConflictCount()
	status.Errors, _ = e.dao.GetErrorCount(e.maxErrors - 1)
	status.Unsynchronized, _ = e.dao.GetUnsynchronizedCount()
	status.Size, _ = e.dao.GetGlobalSize()
	if last := e.dao.GetInt(dao.ConfigLastSyncDate, 0); last > 0 {
		status.LastSync = time.Unix(last, 0).UTC()
	}
	return status
}

// Conflicts lists the pairs waiting for a user decision
func (e *Engine) Conflicts() ([]*model.DocPair, error) {
	return e.dao.GetConflicts()
}

// Errors lists the pairs the engine gave up on
func (e *Engine) Errors() ([]*model.DocPair, error) {
	return e.dao.GetErrors(e.maxErrors - 1)
}

// ResolveWithLocal settles a conflict by uploading the local version
func (e *Engine) ResolveWithLocal(id int64) error {
	return e.processor.ResolveWithLocal(id)
}

// ResolveWithRemote settles a conflict by downloading the remote version
func (e *Engine) ResolveWithRemote(id int64) error {
	return e.processor.ResolveWithRemote(id)
}

// ResolveWithDuplicate settles a conflict by keeping both versions
func (e *Engine) ResolveWithDuplicate(id int64) error {
	return e.processor.ResolveWithDuplicate(id)
}

// RetryErrors puts back in the queue the pairs that failed
func (e *Engine) RetryErrors() error {
	pairs, err := e.dao.GetErrors(0)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := e.dao.ResetError(pair); err != nil {
			return err
		}
		e.queue.Push(model.QueueItem{ID: pair.ID, Folderish: pair.Folderish, PairState: pair.PairState})
	}
	e.queue.RetryAll()
	return nil
}

// AddFilter stops synchronizing the remote path, its local copy is removed
func (e *Engine) AddFilter(remotePath string) error {
	return e.dao.AddFilter(remotePath)
}

// RemoveFilter synchronizes the remote path again
func (e *Engine) RemoveFilter(remotePath string) error {
	return e.dao.RemoveFilter(remotePath)
}

// Filters lists the filtered remote paths
func (e *Engine) Filters() []string {
	return e.dao.GetFilters()
}
