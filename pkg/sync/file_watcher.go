package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// quietPeriod is how long without local events the watcher is idle
const quietPeriod = 2 * time.Second

// LocalWatcherOptions configures a LocalWatcher
type LocalWatcherOptions struct {
	DAO       *dao.EngineDAO
	Local     *local.Client
	Bus       *events.Bus
	Clock     clockwork.Clock
	Logger    *logging.Logger
	EngineUID string

	// RootMarker is the binding marker of the root, used to find the root
	// folder when it is renamed
	RootMarker string

	Debounce time.Duration
}

// LocalWatcher feeds the state store with the changes of the local folder.
// A full scan runs at startup, filesystem events are handled afterwards.
type LocalWatcher struct {
	dao        *dao.EngineDAO
	local      *local.Client
	bus        *events.Bus
	clock      clockwork.Clock
	logger     *logging.Logger
	engineUID  string
	rootMarker string
	debounce   time.Duration

	watcher      *fsnotify.Watcher
	mu           sync.RWMutex
	watchedPaths map[string]bool

	debounceMu    sync.Mutex
	debounceTimer map[string]clockwork.Timer
	lastEvent     time.Time

	moves *moveDetector
}

// scanState carries the pairs whose local item was not found during a scan
type scanState struct {
	missing []*model.DocPair
}

// NewLocalWatcher creates a local watcher
func NewLocalWatcher(opts LocalWatcherOptions) (*LocalWatcher, error) {
	if opts.DAO == nil || opts.Local == nil {
		return nil, fmt.Errorf("state store and local client are required")
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
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	w := &LocalWatcher{
		dao:           opts.DAO,
		local:         opts.Local,
		bus:           opts.Bus,
		clock:         opts.Clock,
		logger:        opts.Logger.WithComponent("local_watcher"),
		engineUID:     opts.EngineUID,
		rootMarker:    opts.RootMarker,
		debounce:      opts.Debounce,
		watchedPaths:  make(map[string]bool),
		debounceTimer: make(map[string]clockwork.Timer),
	}
	w.moves = newMoveDetector(opts.Clock, opts.Debounce, func(path string, pair *model.DocPair) {
		if err := w.confirmDeletion(path, pair); err != nil {
			w.logger.WithError(err).Warnf("Cannot record the deletion of %s", path)
		}
	})
	return w, nil
}

func (w *LocalWatcher) emit(e events.Event) {
	e.Engine = w.engineUID
	w.bus.Publish(e)
}

// Run scans the local folder then follows its changes until ctx is done
func (w *LocalWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()
	defer w.stop()

	if err := w.AddPath(model.RootPath); err != nil {
		return err
	}
	if err := w.Scan(ctx); err != nil {
		return err
	}
	return w.eventLoop(ctx)
}

func (w *LocalWatcher) stop() {
	w.debounceMu.Lock()
	for _, timer := range w.debounceTimer {
		timer.Stop()
	}
	w.debounceTimer = make(map[string]clockwork.Timer)
	w.debounceMu.Unlock()
	w.moves.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			w.logger.WithError(err).Debug("Cannot close the watcher")
		}
		w.watcher = nil
	}
	w.watchedPaths = make(map[string]bool)
}

// AddPath watches the folder at path and every folder below it
func (w *LocalWatcher) AddPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}

	root := w.local.AbsPath(path)
	return afero.Walk(w.local.Fs(), root, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			if abs == root {
				return err
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		rel := w.local.GetPath(abs)
		if rel != model.RootPath && w.local.IsIgnoredPath(rel) {
			return filepath.SkipDir
		}
		if w.watchedPaths[rel] {
			return nil
		}
		if err := w.watcher.Add(abs); err != nil {
			return fmt.Errorf("failed to watch %s: %w", rel, err)
		}
		w.watchedPaths[rel] = true
		return nil
	})
}

// RemovePath forgets the folder at path and the folders below it. The
// kernel drops the watches of deleted folders on its own.
func (w *LocalWatcher) RemovePath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for watched := range w.watchedPaths {
		if watched == path || model.IsDescendant(watched, path) {
			delete(w.watchedPaths, watched)
		}
	}
}

// GetWatchedPaths returns the watched folders
func (w *LocalWatcher) GetWatchedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	paths := make([]string, 0, len(w.watchedPaths))
	for path := range w.watchedPaths {
		paths = append(paths, path)
	}
	return paths
}

// IsEmpty reports whether no local event arrived recently and none is
// waiting to be handled
func (w *LocalWatcher) IsEmpty() bool {
	if w.moves.Len() > 0 {
		return false
	}
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	return len(w.debounceTimer) == 0 && w.clock.Since(w.lastEvent) > quietPeriod
}

// Scan compares the whole local folder with the state store
func (w *LocalWatcher) Scan(ctx context.Context) error {
	start := w.clock.Now()
	root, err := w.dao.GetStateFromLocal(model.RootPath)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("root folder is not bound")
	}
	if !w.local.Exists(model.RootPath) {
		w.rootGone()
		return fmt.Errorf("root folder %s is gone", w.local.Root())
	}

	state := &scanState{}
	if err := w.scanFolder(ctx, model.RootPath, state); err != nil {
		return err
	}
	if err := w.deleteMissing(state); err != nil {
		return err
	}

	w.logger.Infof("Local scan finished in %s", w.clock.Since(start))
	w.emit(events.Event{Kind: events.LocalScanFinished})
	return nil
}

// deleteMissing records the deletion of the items not found by a scan and
// not moved elsewhere meanwhile
func (w *LocalWatcher) deleteMissing(state *scanState) error {
	for _, missing := range state.missing {
		pair, err := w.dao.GetStateFromID(missing.ID)
		if err != nil {
			return err
		}
		if pair == nil || pair.LocalState == model.LocalDeleted || w.local.Exists(pair.LocalPath) {
			continue
		}
		w.logger.Debugf("%s was deleted", pair.LocalPath)
		if err := w.dao.DeleteLocalState(pair); err != nil {
			return err
		}
	}
	return nil
}

func (w *LocalWatcher) scanFolder(ctx context.Context, path string, state *scanState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	children, err := w.local.GetChildrenInfo(path)
	if err != nil {
		return err
	}
	pairs, err := w.dao.GetLocalChildren(path)
	if err != nil {
		return err
	}
	known := make(map[string]*model.DocPair, len(pairs))
	for _, pair := range pairs {
		known[pair.LocalName] = pair
	}

	for _, child := range children {
		pair, ok := known[child.Name]
		delete(known, child.Name)
		if !ok {
			if err := w.scanNew(ctx, child, state); err != nil {
				return err
			}
			continue
		}
		recurse, err := w.scanExisting(pair, child)
		if err != nil {
			return err
		}
		if recurse && child.Folderish {
			if err := w.scanFolder(ctx, child.Path, state); err != nil {
				return err
			}
		}
	}

	for _, pair := range known {
		// not created locally yet
		if pair.LocalState == model.LocalUnknown {
			continue
		}
		state.missing = append(state.missing, pair)
	}
	return nil
}

// scanNew handles an item without pair. It may be an item moved from
// elsewhere, recognized by its remote id, a copy or a new item.
func (w *LocalWatcher) scanNew(ctx context.Context, info *model.LocalInfo, state *scanState) error {
	moved, err := w.detectMove(info)
	if err != nil {
		return err
	}
	if !moved {
		w.logger.Debugf("New local item %s", info.Path)
		if _, err := w.dao.InsertLocalState(info, model.ParentPath(info.Path)); err != nil {
			return err
		}
	}
	if info.Folderish {
		return w.scanFolder(ctx, info.Path, state)
	}
	return nil
}

// detectMove binds info to the pair it was moved from, if any. A remote id
// whose pair still exists at its path comes from a copy and is dropped.
func (w *LocalWatcher) detectMove(info *model.LocalInfo) (bool, error) {
	if info.RemoteRef == "" {
		return false, nil
	}
	known, err := w.dao.GetNormalStateFromRemote(info.RemoteRef)
	if err != nil {
		return false, err
	}
	// an unknown id is left for the processor to reattach
	if known == nil || known.LocalPath == info.Path || known.LocalState == model.LocalUnknown {
		return false, nil
	}
	if !w.local.Exists(known.LocalPath) {
		return true, w.markMoved(known, info)
	}

	w.logger.Debugf("%s is a copy of %s", info.Path, known.LocalPath)
	if err := w.local.RemoveRemoteID(info.Path); err != nil {
		return false, err
	}
	info.RemoteRef = ""
	return false, nil
}

func (w *LocalWatcher) markMoved(pair *model.DocPair, info *model.LocalInfo) error {
	w.logger.Infof("%s moved to %s", pair.LocalPath, info.Path)
	if err := w.dao.UpdateLocalParentPath(pair, info.Name, model.ParentPath(info.Path)); err != nil {
		return err
	}
	if pair.LocalState != model.LocalCreated {
		pair.LocalState = model.LocalMoved
	}
	return w.dao.UpdateLocalState(pair, info, dao.DefaultUpdate)
}

// scanExisting compares an item with its pair and reports whether a folder
// should be scanned further
func (w *LocalWatcher) scanExisting(pair *model.DocPair, info *model.LocalInfo) (bool, error) {
	if pair.Folderish != info.Folderish {
		w.logger.Infof("%s changed type", info.Path)
		return false, w.dao.DeleteLocalState(pair)
	}
	if w.processedRemotely(pair) {
		return false, nil
	}

	if pair.LocalState == model.LocalUnknown {
		return false, w.foundBeforeDownload(pair, info)
	}
	if pair.LocalState == model.LocalDeleted || pair.PairState == model.PairParentLocallyDeleted {
		return false, nil
	}

	if info.Folderish {
		if !info.LastModification.Equal(pair.LastLocalUpdated) {
			return true, w.dao.UpdateLocalModificationTime(pair, info)
		}
		return true, nil
	}
	if info.LastModification.Equal(pair.LastLocalUpdated) && info.Size == pair.Size {
		return false, nil
	}

	digest := info.Digest()
	if digest == pair.LocalDigest {
		return false, w.dao.UpdateLocalModificationTime(pair, info)
	}
	w.logger.Debugf("%s was modified", info.Path)
	if pair.LocalState != model.LocalCreated {
		pair.LocalState = model.LocalModified
	}
	pair.LocalDigest = digest
	return false, w.dao.UpdateLocalState(pair, info, dao.DefaultUpdate)
}

// processedRemotely reports whether the local item is being written by a
// download, its events are our own
func (w *LocalWatcher) processedRemotely(pair *model.DocPair) bool {
	return pair.Processor != 0 && pair.PairState.IsRemote()
}

// foundBeforeDownload handles a local item found where a remote item is
// about to be downloaded. The same content is simply bound, a different one
// is a conflict.
func (w *LocalWatcher) foundBeforeDownload(pair *model.DocPair, info *model.LocalInfo) error {
	if pair.PairState != model.PairRemotelyCreated {
		return nil
	}
	if info.Folderish || strings.EqualFold(info.Digest(), pair.RemoteDigest) {
		if info.RemoteRef == pair.RemoteRef {
			return nil
		}
		w.logger.Debugf("%s already holds %s", info.Path, pair.RemoteRef)
		return w.local.SetRemoteID(info.Path, pair.RemoteRef)
	}
	w.logger.Infof("%s exists locally with another content", info.Path)
	pair.LocalState = model.LocalCreated
	pair.LocalDigest = info.Digest()
	return w.dao.UpdateLocalState(pair, info, dao.DefaultUpdate)
}

func (w *LocalWatcher) eventLoop(ctx context.Context) error {
	w.mu.RLock()
	watcher := w.watcher
	w.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleFsEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Filesystem watcher error")
		}
	}
}

// handleFsEvent debounces the events of a path, the path is looked at once
// it stays quiet
func (w *LocalWatcher) handleFsEvent(ctx context.Context, event fsnotify.Event) {
	path := w.local.GetPath(event.Name)
	if path == "" {
		return
	}
	if path == model.RootPath {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.rootGone()
		}
		return
	}
	if w.local.IsIgnoredPath(path) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.lastEvent = w.clock.Now()
	if timer, exists := w.debounceTimer[path]; exists {
		timer.Stop()
	}
	w.debounceTimer[path] = w.clock.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimer, path)
		w.debounceMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.HandlePath(ctx, path); err != nil {
			w.logger.WithError(err).Warnf("Cannot handle the change of %s", path)
		}
	})
}

// HandlePath brings the pair at path up to date with the local item
func (w *LocalWatcher) HandlePath(ctx context.Context, path string) error {
	info, err := w.local.TryGetInfo(path)
	if err != nil {
		return err
	}
	pair, err := w.dao.GetStateFromLocal(path)
	if err != nil {
		return err
	}

	switch {
	case info == nil && pair == nil:
		return nil
	case info == nil:
		if pair.LocalState == model.LocalUnknown || w.processedRemotely(pair) {
			return nil
		}
		w.moves.Hold(pair)
		return nil
	case pair == nil:
		return w.handleCreated(ctx, info)
	}

	recurse, err := w.scanExisting(pair, info)
	if err != nil {
		return err
	}
	if recurse && info.Folderish {
		return w.AddPath(path)
	}
	return nil
}

// confirmDeletion records the deletion of path once its move window is
// over, unless the pair changed meanwhile
func (w *LocalWatcher) confirmDeletion(path string, held *model.DocPair) error {
	pair, err := w.dao.GetStateFromID(held.ID)
	if err != nil || pair == nil {
		return err
	}
	if pair.LocalPath != path || w.local.Exists(path) || pair.LocalState == model.LocalDeleted {
		return nil
	}
	w.logger.Infof("%s was deleted", path)
	if pair.Folderish {
		w.RemovePath(path)
	}
	return w.dao.DeleteLocalState(pair)
}

// handleCreated handles a new local item. Its parent is handled first when
// it is unknown too.
func (w *LocalWatcher) handleCreated(ctx context.Context, info *model.LocalInfo) error {
	parentPath := model.ParentPath(info.Path)
	parent, err := w.dao.GetStateFromLocal(parentPath)
	if err != nil {
		return err
	}
	if parent == nil {
		parentInfo, err := w.local.TryGetInfo(parentPath)
		if err != nil || parentInfo == nil {
			return err
		}
		// the parent creation scans this item too
		return w.handleCreated(ctx, parentInfo)
	}

	moved := w.moves.Match(info)

	state := &scanState{}
	if moved != nil {
		if err := w.markMoved(moved, info); err != nil {
			return err
		}
	} else if isMove, err := w.detectMove(info); err != nil {
		return err
	} else if !isMove {
		w.logger.Debugf("New local item %s", info.Path)
		if _, err := w.dao.InsertLocalState(info, parentPath); err != nil {
			return err
		}
	}

	if !info.Folderish {
		return nil
	}
	if err := w.AddPath(info.Path); err != nil {
		return err
	}
	if err := w.scanFolder(ctx, info.Path, state); err != nil {
		return err
	}
	return w.deleteMissing(state)
}

// rootGone reports a removed root folder, or where it was moved
func (w *LocalWatcher) rootGone() {
	if w.local.Exists(model.RootPath) {
		return
	}
	if w.rootMarker != "" {
		if target := w.local.FindMovedRoot(w.rootMarker); target != "" {
			w.logger.Warnf("Root folder moved to %s", target)
			w.emit(events.Event{Kind: events.RootMoved, Path: w.local.Root(), Target: target})
			return
		}
	}
	w.logger.Warn("Root folder deleted")
	w.emit(events.Event{Kind: events.RootDeleted, Path: w.local.Root()})
}
