package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

const defaultPollInterval = 30 * time.Second

// RemoteWatcherOptions configures a RemoteWatcher
type RemoteWatcherOptions struct {
	DAO       *dao.EngineDAO
	Remote    *remote.Client
	Bus       *events.Bus
	Clock     clockwork.Clock
	Logger    *logging.Logger
	EngineUID string

	// Interval between two change summaries
	Interval time.Duration

	// OnInvalidCredentials is called when the server refuses the token
	OnInvalidCredentials func()
}

// RemoteWatcher feeds the state store with the changes of the server. The
// first pass is a full scan of the remote tree, the next ones apply the
// change summary since the last one.
type RemoteWatcher struct {
	dao       *dao.EngineDAO
	remote    *remote.Client
	bus       *events.Bus
	clock     clockwork.Clock
	logger    *logging.Logger
	engineUID string
	interval  time.Duration

	onInvalidCredentials func()

	mu       sync.Mutex
	offline  bool
	lastPoll time.Time
}

// NewRemoteWatcher creates a remote watcher
func NewRemoteWatcher(opts RemoteWatcherOptions) (*RemoteWatcher, error) {
	if opts.DAO == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
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
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}

	return &RemoteWatcher{
		dao:                  opts.DAO,
		remote:               opts.Remote,
		bus:                  opts.Bus,
		clock:                opts.Clock,
		logger:               opts.Logger.WithComponent("remote_watcher"),
		engineUID:            opts.EngineUID,
		interval:             opts.Interval,
		onInvalidCredentials: opts.OnInvalidCredentials,
	}, nil
}

func (w *RemoteWatcher) emit(e events.Event) {
	e.Engine = w.engineUID
	w.bus.Publish(e)
}

// Run polls the server every interval until ctx is done. It returns
// remote.ErrUnauthorized when the credentials are refused.
func (w *RemoteWatcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil {
			if errors.Is(err, remote.ErrUnauthorized) || ctx.Err() != nil {
				return err
			}
			w.logger.WithError(err).Warn("Remote polling failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// IsOffline reports whether the last poll could not reach the server
func (w *RemoteWatcher) IsOffline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offline
}

// LastPoll returns the time of the last successful poll
func (w *RemoteWatcher) LastPoll() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPoll
}

func (w *RemoteWatcher) setOffline(offline bool) {
	w.mu.Lock()
	changed := w.offline != offline
	w.offline = offline
	if !offline {
		w.lastPoll = w.clock.Now()
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	if offline {
		w.logger.Warn("Server is unreachable")
		w.emit(events.Event{Kind: events.Offline})
	} else {
		w.logger.Info("Server is reachable again")
		w.emit(events.Event{Kind: events.Online})
	}
}

// handlePollError turns connectivity failures into offline events, they
// are retried on the next tick
func (w *RemoteWatcher) handlePollError(err error) error {
	var conn *remote.ConnectionError
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		w.logger.Error("Server refused the credentials")
		if err := w.dao.StoreBool(dao.ConfigInvalidCredentials, true); err != nil {
			w.logger.WithError(err).Warn("Cannot store the invalid credentials flag")
		}
		w.emit(events.Event{Kind: events.InvalidAuthentication})
		if w.onInvalidCredentials != nil {
			w.onInvalidCredentials()
		}
		return err
	case errors.As(err, &conn), remote.IsServerUnavailable(err):
		w.setOffline(true)
		return nil
	}
	return err
}

// Poll fetches one change summary and applies it
func (w *RemoteWatcher) Poll(ctx context.Context) error {
	lastSyncDate := w.dao.GetInt(dao.ConfigRemoteLastSyncDate, 0)
	rootDefs := w.dao.GetConfig(dao.ConfigRemoteRootDefs, "")

	summary, err := w.remote.GetChanges(ctx, lastSyncDate, rootDefs)
	if err != nil {
		return w.handlePollError(fmt.Errorf("failed to get the change summary: %w", err))
	}
	w.setOffline(false)

	fullScan := lastSyncDate == 0 || summary.HasTooManyChanges ||
		w.dao.GetBool(dao.ConfigRemoteNeedFullScan, false) ||
		(rootDefs != "" && summary.ActiveRootDefinitions != rootDefs)

	if fullScan {
		if err := w.dao.StoreBool(dao.ConfigRemoteNeedFullScan, true); err != nil {
			return err
		}
		if err := w.FullScan(ctx); err != nil {
			return w.handlePollError(err)
		}
	} else {
		if err := w.scanPendingPaths(ctx); err != nil {
			return w.handlePollError(err)
		}
		if err := w.applyChanges(ctx, summary.Changes); err != nil {
			return w.handlePollError(err)
		}
	}

	if err := w.dao.UpdateRemoteCheckpoint(summary.SyncDate, summary.ActiveRootDefinitions); err != nil {
		return err
	}
	return nil
}

// FullScan walks the whole remote tree from the root pair
func (w *RemoteWatcher) FullScan(ctx context.Context) error {
	start := w.clock.Now()
	root, err := w.dao.GetStateFromLocal(model.RootPath)
	if err != nil {
		return err
	}
	if root == nil || root.RemoteRef == "" {
		return ErrNotBound
	}

	info, err := w.remote.GetFsInfo(ctx, root.RemoteRef)
	if err != nil {
		return fmt.Errorf("failed to get the root info: %w", err)
	}
	var missing []*model.DocPair
	if err := w.scanRemote(ctx, root, info, &missing); err != nil {
		return err
	}
	if err := w.confirmMissing(ctx, missing); err != nil {
		return err
	}

	if err := w.dao.CleanScanned(); err != nil {
		return err
	}
	if err := w.dao.StoreBool(dao.ConfigRemoteNeedFullScan, false); err != nil {
		return err
	}
	if err := w.dao.StoreInt(dao.ConfigRemoteLastFullScan, w.clock.Now().Unix()); err != nil {
		return err
	}
	w.logger.Infof("Remote scan done in %s", w.clock.Since(start).Round(time.Millisecond))
	w.emit(events.Event{Kind: events.RemoteScanFinished})
	return nil
}

// scanRemote compares the remote children of pair with the stored ones,
// then visits the subfolders. Stored children not found are appended to
// missing.
func (w *RemoteWatcher) scanRemote(ctx context.Context, pair *model.DocPair, info *model.RemoteInfo, missing *[]*model.DocPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remotePath := pair.RemotePath()
	if scanned, err := w.dao.IsPathScanned(remotePath); err != nil || scanned {
		return err
	}

	children, err := w.remote.GetFsChildren(ctx, info.UID)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", info.UID, err)
	}
	known, err := w.dao.GetRemoteChildren(info.UID)
	if err != nil {
		return err
	}
	byRef := make(map[string]*model.DocPair, len(known))
	for _, child := range known {
		byRef[child.RemoteRef] = child
	}

	var folders []*model.DocPair
	var folderInfos []*model.RemoteInfo
	for _, child := range children {
		if w.dao.IsFiltered(child.Path) || local.IsIgnored(child.Name) {
			continue
		}
		childPair := byRef[child.UID]
		delete(byRef, child.UID)
		if childPair == nil {
			if childPair, _, err = w.findOrCreate(ctx, pair, child); err != nil {
				return err
			}
		} else if err := w.updateExisting(childPair, child, remotePath); err != nil {
			return err
		}
		if childPair != nil && child.Folderish {
			folders = append(folders, childPair)
			folderInfos = append(folderInfos, child)
		}
	}
	if err := w.dao.AddPathScanned(remotePath); err != nil {
		return err
	}

	for _, gone := range byRef {
		if gone.RemoteState != model.RemoteDeleted {
			*missing = append(*missing, gone)
		}
	}

	for i, folder := range folders {
		if err := w.scanRemote(ctx, folder, folderInfos[i], missing); err != nil {
			return err
		}
	}
	return nil
}

// findOrCreate binds a remote child unknown below parent: an item moved
// from elsewhere, a local item waiting for its upload, or a new pair
func (w *RemoteWatcher) findOrCreate(ctx context.Context, parent *model.DocPair, info *model.RemoteInfo) (*model.DocPair, bool, error) {
	remoteParentPath := parent.RemotePath()

	moved, err := w.dao.GetNormalStateFromRemote(info.UID)
	if err != nil {
		return nil, false, err
	}
	if moved != nil {
		w.logger.Debugf("%s moved below %s", moved.RemotePath(), remoteParentPath)
		return moved, false, w.updateExisting(moved, info, remoteParentPath)
	}

	orphan, err := w.findOrphan(parent, info)
	if err != nil {
		return nil, false, err
	}
	if orphan != nil {
		w.logger.Infof("%s matches the local item %s", info.UID, orphan.LocalPath)
		orphan.RemoteState = model.RemoteCreated
		_, err := w.dao.UpdateRemoteState(orphan, info, dao.RemoteUpdateOptions{
			UpdateOptions:    dao.DefaultUpdate,
			RemoteParentPath: remoteParentPath,
			Force:            true,
		})
		return orphan, false, err
	}

	localPath := model.JoinPath(parent.LocalPath, local.SafeFilename(info.Name))
	id, err := w.dao.InsertRemoteState(info, remoteParentPath, localPath, parent.LocalPath)
	if err != nil {
		return nil, false, err
	}
	w.logger.Debugf("New remote item %s", info.UID)
	child, err := w.dao.GetStateFromID(id)
	return child, true, err
}

// findOrphan returns the local child of parent not bound yet that has the
// same name, and the same digest for files
func (w *RemoteWatcher) findOrphan(parent *model.DocPair, info *model.RemoteInfo) (*model.DocPair, error) {
	if parent.LocalPath == "" {
		return nil, nil
	}
	children, err := w.dao.GetLocalChildren(parent.LocalPath)
	if err != nil {
		return nil, err
	}
	name := local.SafeFilename(info.Name)
	for _, child := range children {
		if child.RemoteRef != "" || child.Folderish != info.Folderish || child.LocalName != name {
			continue
		}
		if !info.Folderish && !strings.EqualFold(child.LocalDigest, info.Digest) {
			continue
		}
		return child, nil
	}
	return nil, nil
}

// updateExisting records the new remote view of a known pair. Changes of
// content, name, location or permissions need processing, the others are
// stored silently.
func (w *RemoteWatcher) updateExisting(pair *model.DocPair, info *model.RemoteInfo, remoteParentPath string) error {
	if pair.IsRoot() {
		return nil
	}
	moved := pair.RemoteParentPath != remoteParentPath
	if moved {
		if err := w.dao.UpdateRemoteParentPath(pair, remoteParentPath); err != nil {
			return err
		}
	}

	changed := moved ||
		pair.RemoteName != info.Name ||
		pair.RemoteParentRef != info.ParentUID ||
		(!pair.Folderish && !strings.EqualFold(pair.RemoteDigest, info.Digest)) ||
		pair.RemoteCanRename != info.CanRename ||
		pair.RemoteCanDelete != info.CanDelete ||
		pair.RemoteCanUpdate != info.CanUpdate ||
		pair.RemoteCanCreateChild != info.CanCreateChild

	opts := dao.RemoteUpdateOptions{RemoteParentPath: remoteParentPath}
	if changed {
		switch pair.RemoteState {
		case model.RemoteCreated, model.RemoteTodo:
		default:
			pair.RemoteState = model.RemoteModified
		}
		opts.UpdateOptions = dao.DefaultUpdate
		opts.Force = true
		w.logger.Debugf("Remote change on %s", info.UID)
	}
	_, err := w.dao.UpdateRemoteState(pair, info, opts)
	return err
}

// confirmDeletion asks the server whether a missing item is really gone.
// Items moved below a known folder are left for the change or the scan of
// their new parent.
func (w *RemoteWatcher) confirmDeletion(ctx context.Context, pair *model.DocPair) error {
	info, err := w.remote.TryGetFsInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}
	if info != nil && !info.IsTrashed && !w.dao.IsFiltered(info.Path) {
		parentPath := remoteParentPath(info.Path)
		if parentPath == pair.RemoteParentPath {
			return nil
		}
		parent, err := pairAtRemotePath(w.dao, parentPath)
		if err != nil || parent != nil {
			return err
		}
	}
	return w.markDeleted(pair)
}

// confirmMissing runs confirmDeletion on the pairs a scan did not find,
// once the scan is over so the items it found elsewhere are moves
func (w *RemoteWatcher) confirmMissing(ctx context.Context, missing []*model.DocPair) error {
	for _, stale := range missing {
		pair, err := w.dao.GetStateFromID(stale.ID)
		if err != nil {
			return err
		}
		if pair == nil || pair.RemoteState == model.RemoteDeleted || pair.RemoteParentPath != stale.RemoteParentPath {
			continue
		}
		if err := w.confirmDeletion(ctx, pair); err != nil {
			return err
		}
	}
	return nil
}

// markDeleted stores a remote deletion. Local edits that were not uploaded
// yet survive as new local items.
func (w *RemoteWatcher) markDeleted(pair *model.DocPair) error {
	if !pair.Folderish && (pair.LocalState == model.LocalModified || pair.LocalState == model.LocalCreated) {
		w.logger.Infof("%s was deleted remotely but changed locally, uploading it again", pair.LocalPath)
		return w.dao.MarkDescendantsLocallyCreated(pair)
	}
	w.logger.Debugf("%s was deleted remotely", pair.RemotePath())
	return w.dao.DeleteRemoteState(pair)
}

// scanPendingPaths runs the partial scans scheduled by filter removals and
// by changes whose parent was unknown
func (w *RemoteWatcher) scanPendingPaths(ctx context.Context) error {
	paths, err := w.dao.GetPathsToScan()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := w.scanPath(ctx, path); err != nil {
			return err
		}
		if err := w.dao.DeletePathToScan(path); err != nil {
			return err
		}
	}
	return w.dao.CleanScanned()
}

// scanPath scans the remote folder at path. A folder without pair, one
// whose filter was just removed, is bound below its parent first.
func (w *RemoteWatcher) scanPath(ctx context.Context, path string) error {
	path = strings.TrimSuffix(path, "/")
	if w.dao.IsFiltered(path) {
		return nil
	}
	pair, err := pairAtRemotePath(w.dao, path)
	if err != nil {
		return err
	}
	if pair != nil && (!pair.Folderish || pair.RemoteState == model.RemoteDeleted) {
		return nil
	}

	ref := path[strings.LastIndex(path, "/")+1:]
	if pair != nil {
		ref = pair.RemoteRef
	}
	info, err := w.remote.TryGetFsInfo(ctx, ref)
	if err != nil || info == nil {
		return err
	}

	if pair == nil {
		parent, err := pairAtRemotePath(w.dao, remoteParentPath(path))
		if err != nil || parent == nil {
			return err
		}
		if pair, _, err = w.findOrCreate(ctx, parent, info); err != nil {
			return err
		}
		if !info.Folderish {
			return nil
		}
	}

	w.logger.Debugf("Scanning %s", path)
	var missing []*model.DocPair
	if err := w.scanRemote(ctx, pair, info, &missing); err != nil {
		return err
	}
	return w.confirmMissing(ctx, missing)
}

// applyChanges applies the newest change of every document, parents before
// their children
func (w *RemoteWatcher) applyChanges(ctx context.Context, changes []remote.Change) error {
	seen := make(map[string]bool, len(changes))
	latest := make([]remote.Change, 0, len(changes))
	for _, change := range changes {
		key := change.DocUUID
		if key == "" {
			key = change.FileSystemItemID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		latest = append(latest, change)
	}
	sort.SliceStable(latest, func(i, j int) bool {
		return changeDepth(latest[i]) < changeDepth(latest[j])
	})

	for _, change := range latest {
		if err := w.applyChange(ctx, change); err != nil {
			var conn *remote.ConnectionError
			if ctx.Err() != nil || errors.As(err, &conn) || errors.Is(err, remote.ErrUnauthorized) {
				return err
			}
			w.logger.WithError(err).Warnf("Cannot apply the %s change of %s", change.EventID, change.FileSystemItemID)
		}
	}
	if len(latest) > 0 {
		w.logger.Debugf("Applied %d remote changes", len(latest))
	}
	return nil
}

func changeDepth(change remote.Change) int {
	if change.FileSystemItem == nil {
		return 0
	}
	return strings.Count(change.FileSystemItem.Path, "/")
}

func (w *RemoteWatcher) applyChange(ctx context.Context, change remote.Change) error {
	ref := change.FileSystemItemID
	info := change.FileSystemItem
	pairs, err := w.dao.GetStatesFromRemote(ref)
	if err != nil {
		return err
	}

	if change.EventID == remote.EventDeleted || change.EventID == remote.EventRootUnregistered ||
		info == nil || info.IsTrashed {
		for _, pair := range pairs {
			if pair.RemoteState == model.RemoteDeleted || pair.IsRoot() {
				continue
			}
			if err := w.confirmDeletion(ctx, pair); err != nil {
				return err
			}
		}
		return nil
	}

	if change.EventID == remote.EventLocked && info.LockOwner != "" && info.LockOwner != w.remote.User() {
		for _, pair := range pairs {
			w.emit(events.Event{Kind: events.NewLocked, PairID: pair.ID, Path: pair.LocalPath,
				Name: pair.LocalName, Owner: info.LockOwner, LockCreated: info.LockCreated})
		}
	}

	if w.dao.IsFiltered(info.Path) || local.IsIgnored(info.Name) {
		// moved into a filtered folder, the local copy goes away
		for _, pair := range pairs {
			if pair.RemoteState == model.RemoteDeleted || pair.IsRoot() {
				continue
			}
			if err := w.dao.DeleteRemoteState(pair); err != nil {
				return err
			}
		}
		return nil
	}

	parentPath := remoteParentPath(info.Path)
	parent, err := pairAtRemotePath(w.dao, parentPath)
	if err != nil {
		return err
	}

	if len(pairs) == 0 {
		if parent == nil {
			w.logger.Debugf("Parent of %s is unknown, scheduling a scan of %s", ref, parentPath)
			return w.dao.AddPathToScan(parentPath)
		}
		pair, created, err := w.findOrCreate(ctx, parent, info)
		if err != nil {
			return err
		}
		if !created || !info.Folderish {
			return nil
		}
		var missing []*model.DocPair
		if err := w.scanRemote(ctx, pair, info, &missing); err != nil {
			return err
		}
		if err := w.confirmMissing(ctx, missing); err != nil {
			return err
		}
		return w.dao.CleanScanned()
	}

	for _, pair := range pairs {
		if pair.IsRoot() {
			continue
		}
		if parent == nil {
			// moved out of the synchronization roots
			if err := w.markDeleted(pair); err != nil {
				return err
			}
			continue
		}
		if pair.RemoteState == model.RemoteDeleted {
			// restored from the trash
			pair.RemoteState = model.RemoteCreated
			if pair.LocalState == model.LocalSynchronized {
				pair.LocalState = model.LocalUnknown
			}
		}
		if err := w.updateExisting(pair, info, parent.RemotePath()); err != nil {
			return err
		}
	}
	return nil
}
