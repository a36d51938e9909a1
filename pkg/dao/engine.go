package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// Configuration keys stored in the engine database
const (
	ConfigRemoteLastSyncDate = "remote_last_sync_date"
	ConfigRemoteRootDefs     = "remote_last_event_last_root_definitions"
	ConfigRemoteLastFullScan = "remote_last_full_scan"
	ConfigRemoteNeedFullScan = "remote_need_full_scan"
	ConfigLastSyncDate       = "last_sync_date"
	ConfigRemoteUser         = "remote_user"
	ConfigServerURL          = "server_url"
	ConfigRemoteToken        = "remote_token"
	ConfigRemoteRootRef      = "remote_root_ref"
	ConfigDeviceID           = "device_id"
	ConfigEngineUID          = "engine_uid"
	ConfigCrashed            = "crashed"
	ConfigInvalidCredentials = "invalid_credentials"
	ConfigLastBackup         = "last_backup"
)

var (
	// ErrPairBusy is returned by AcquireState when another worker holds the pair
	ErrPairBusy = errors.New("pair is being processed by another worker")
)

// Queue receives the pairs that need processing
type Queue interface {
	Push(item model.QueueItem)
	InterruptProcessorsOn(path string, exact bool)
}

// UpdateOptions control how a local or remote update is recorded
type UpdateOptions struct {
	// Versioned bumps the pair version so concurrent processors notice
	Versioned bool

	// Queue pushes the pair to the queue manager when its new state needs work
	Queue bool

	// IfVersion only writes the states while the stored version still equals
	// pair.Version. A local update is skipped entirely otherwise.
	IfVersion bool
}

// DefaultUpdate is the usual versioned and queued update
var DefaultUpdate = UpdateOptions{Versioned: true, Queue: true}

// RemoteUpdateOptions extend UpdateOptions for remote updates
type RemoteUpdateOptions struct {
	UpdateOptions

	// RemoteParentPath overrides the stored parent path when not empty
	RemoteParentPath string

	// Force writes even when nothing changed
	Force bool
}

// RemoveOptions control RemoveState
type RemoveOptions struct {
	// RemoteRecursion also removes rows below the pair's remote path
	RemoteRecursion bool
}

// EngineDAO is the state store of one engine
type EngineDAO struct {
	*database

	clock clockwork.Clock

	filtersMu sync.RWMutex
	filters   []string

	hooksMu    sync.RWMutex
	queue      Queue
	onConflict func(id int64)
}

// NewEngineDAO opens (and creates or upgrades) the engine database at path
func NewEngineDAO(path string, logger *logging.Logger, clock clockwork.Clock) (*EngineDAO, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	db, err := openDatabase(path, "engine", logger.WithComponent("dao"))
	if err != nil {
		return nil, err
	}

	dao := &EngineDAO{database: db, clock: clock}
	if err := dao.ResetProcessors(); err != nil {
		db.Close()
		return nil, err
	}
	if err := dao.loadFilters(); err != nil {
		db.Close()
		return nil, err
	}
	return dao, nil
}

// SetConflictHandler registers the callback invoked when a pair becomes conflicted
func (d *EngineDAO) SetConflictHandler(fn func(id int64)) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.onConflict = fn
}

// RegisterQueueManager attaches the queue and pushes every pair that still
// needs work. Pairs are visited by local path so parents are queued first,
// children of a pending folder are left for the folder to queue.
func (d *EngineDAO) RegisterQueueManager(q Queue) error {
	d.hooksMu.Lock()
	d.queue = q
	d.hooksMu.Unlock()

	pairs, err := queryPairs(d.reader, selectStates+" WHERE "+toSyncCondition+" ORDER BY local_path ASC")
	if err != nil {
		return err
	}
	folders := make(map[string]bool)
	for _, pair := range pairs {
		if pair.Folderish {
			folders[pair.LocalPath] = true
		}
		if !folders[pair.LocalParentPath] {
			d.queuePairState(pair.ID, pair.Folderish, pair.PairState)
		}
	}
	return nil
}

const toSyncCondition = "pair_state != 'synchronized' AND pair_state != 'unsynchronized'"

func (d *EngineDAO) queuePairState(id int64, folderish bool, state model.PairState) {
	if state == model.PairSynchronized || state == model.PairUnsynchronized {
		return
	}

	d.hooksMu.RLock()
	queue, onConflict := d.queue, d.onConflict
	d.hooksMu.RUnlock()

	if state == model.PairConflicted {
		if onConflict != nil {
			onConflict(id)
		}
		return
	}
	if queue == nil {
		return
	}
	queue.Push(model.QueueItem{ID: id, Folderish: folderish, PairState: state})
}

func (d *EngineDAO) interruptProcessorsOn(path string, exact bool) {
	d.hooksMu.RLock()
	queue := d.queue
	d.hooksMu.RUnlock()
	if queue != nil {
		queue.InterruptProcessorsOn(path, exact)
	}
}

// pairStateOf derives the pair state of a row. An unexpected combination is
// stored as unknown and the subtree is scheduled for a remote rescan.
func (d *EngineDAO) pairStateOf(pair *model.DocPair) model.PairState {
	state, ok := model.PairStateFor(pair.LocalState, pair.RemoteState)
	if !ok {
		d.logger.WithField("pair", pair.String()).Warn("Unexpected state combination, asking for a rescan")
		if pair.RemoteRef != "" {
			if err := d.AddPathToScan(pair.RemotePath()); err != nil {
				d.logger.WithError(err).Warn("Cannot schedule rescan")
			}
		}
	}
	return state
}

// descendantsCondition selects the rows strictly below a local path
func descendantsCondition(localPath string) (string, []interface{}) {
	if localPath == model.RootPath {
		return "local_path != ?", []interface{}{model.RootPath}
	}
	return `(local_parent_path = ? OR local_parent_path LIKE ? ESCAPE '\')`,
		[]interface{}{localPath, escapeLike(localPath) + "/%"}
}

// ResetProcessors clears every processor mark and the errors of synchronized
// pairs, run once at startup.
func (d *EngineDAO) ResetProcessors() error {
	return d.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE States SET processor=0"); err != nil {
			return fmt.Errorf("failed to reset processors: %w", err)
		}
		_, err := tx.Exec("UPDATE States SET error_count=0, last_sync_error_date=NULL, last_error=NULL, " +
			"error_next_try=NULL WHERE pair_state='synchronized'")
		if err != nil {
			return fmt.Errorf("failed to reset errors: %w", err)
		}
		return nil
	})
}

// ReinitStates drops every pair and the remote sync markers
func (d *EngineDAO) ReinitStates() error {
	return d.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM States"); err != nil {
			return fmt.Errorf("failed to clear states: %w", err)
		}
		for _, key := range []string{ConfigRemoteLastSyncDate, ConfigRemoteRootDefs, ConfigRemoteLastFullScan, ConfigLastSyncDate} {
			if _, err := tx.Exec("DELETE FROM Configuration WHERE name=?", key); err != nil {
				return fmt.Errorf("failed to clear %s: %w", key, err)
			}
		}
		return nil
	})
}

// AcquireState marks the pair as owned by workerID. It fails with ErrPairBusy
// when another worker holds it and returns nil when the row is gone.
func (d *EngineDAO) AcquireState(workerID, id int64) (*model.DocPair, error) {
	n, err := d.exec("UPDATE States SET processor=? WHERE id=? AND (processor=0 OR processor=?)", workerID, id, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire pair %d: %w", id, err)
	}
	if n != 1 {
		pair, err := d.GetStateFromID(id)
		if err != nil {
			return nil, err
		}
		if pair == nil {
			return nil, nil
		}
		return nil, ErrPairBusy
	}

	pair, err := d.GetStateFromID(id)
	if err != nil || pair == nil {
		d.ReleaseState(workerID)
		return nil, err
	}
	return pair, nil
}

// ReleaseState releases every pair held by workerID
func (d *EngineDAO) ReleaseState(workerID int64) error {
	if _, err := d.exec("UPDATE States SET processor=0 WHERE processor=?", workerID); err != nil {
		return fmt.Errorf("failed to release processor %d: %w", workerID, err)
	}
	return nil
}

// InsertLocalState records a new local item as locally created
func (d *EngineDAO) InsertLocalState(info *model.LocalInfo, parentPath string) (int64, error) {
	state, _ := model.PairStateFor(model.LocalCreated, model.RemoteUnknown)
	digest := info.Digest()
	now := d.clock.Now()

	var (
		id     int64
		queued bool
	)
	err := d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO States(last_local_updated, local_digest, local_path, local_parent_path, "+
			"local_name, folderish, size, local_state, remote_state, pair_state, creation_date) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, 'created', 'unknown', ?, ?)",
			formatTime(info.LastModification), nullString(digest), info.Path, parentPath, info.Name,
			info.Folderish, info.Size, string(state), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert local state %s: %w", info.Path, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		queued, err = d.shouldQueueLocal(tx, parentPath)
		return err
	})
	if err != nil {
		return 0, err
	}
	if queued {
		d.queuePairState(id, info.Folderish, state)
	}
	return id, nil
}

// shouldQueueLocal is false while the parent folder is itself waiting to be created
func (d *EngineDAO) shouldQueueLocal(tx *sql.Tx, parentPath string) (bool, error) {
	var parentState string
	err := tx.QueryRow("SELECT COALESCE(pair_state, '') FROM States WHERE local_path=?", parentPath).Scan(&parentState)
	if errors.Is(err, sql.ErrNoRows) {
		return parentPath == "", nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read parent %s: %w", parentPath, err)
	}
	return parentState != string(model.PairLocallyCreated), nil
}

// shouldQueueRemote is false while the remote parent is itself waiting to be
// created locally. A missing parent (filtered) does not prevent queueing.
func (d *EngineDAO) shouldQueueRemote(tx *sql.Tx, parentRef string) (bool, error) {
	var parentState string
	err := tx.QueryRow("SELECT COALESCE(pair_state, '') FROM States WHERE remote_ref=?", parentRef).Scan(&parentState)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read remote parent %s: %w", parentRef, err)
	}
	return parentState != string(model.PairRemotelyCreated), nil
}

// InsertRemoteState records a new remote item as remotely created
func (d *EngineDAO) InsertRemoteState(info *model.RemoteInfo, remoteParentPath, localPath, localParentPath string) (int64, error) {
	state, _ := model.PairStateFor(model.LocalUnknown, model.RemoteCreated)
	now := d.clock.Now()

	var (
		id     int64
		queued bool
	)
	err := d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO States(remote_ref, remote_parent_ref, remote_parent_path, remote_name, "+
			"last_remote_updated, remote_can_rename, remote_can_delete, remote_can_update, remote_can_create_child, "+
			"last_remote_modifier, remote_digest, folderish, local_path, local_parent_path, remote_state, "+
			"local_state, pair_state, local_name, size, creation_date) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'created', 'unknown', ?, ?, ?, ?)",
			info.UID, nullString(info.ParentUID), remoteParentPath, info.Name,
			formatTime(info.LastModificationTime), info.CanRename, info.CanDelete, info.CanUpdate, info.CanCreateChild,
			nullString(info.LastContributor), nullString(info.Digest), info.Folderish, localPath, localParentPath,
			string(state), info.Name, info.Size, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert remote state %s: %w", info.UID, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if localParentPath == "" && info.ParentUID == "" {
			queued = true
			return nil
		}
		queued, err = d.shouldQueueRemote(tx, info.ParentUID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if queued {
		d.queuePairState(id, info.Folderish, state)
	}
	return id, nil
}

// UpdateLocalState writes the local view of pair from info. The caller sets
// pair.LocalState, pair.RemoteState and pair.LocalDigest beforehand, the pair
// state is derived here.
func (d *EngineDAO) UpdateLocalState(pair *model.DocPair, info *model.LocalInfo, opts UpdateOptions) error {
	state := d.pairStateOf(pair)
	parentPath := model.ParentPath(info.Path)
	version := ""
	if opts.Versioned {
		version = ", version=version+1"
	}

	where := " WHERE id=?"
	args := []interface{}{formatTime(info.LastModification), nullString(pair.LocalDigest), info.Path, parentPath,
		info.Name, string(pair.LocalState), info.Size, string(pair.RemoteState), string(state), pair.ID}
	if opts.IfVersion {
		where += " AND version=?"
		args = append(args, pair.Version)
	}

	var queued, stale bool
	err := d.write(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE States SET last_local_updated=?, local_digest=?, local_path=?, local_parent_path=?, "+
			"local_name=?, local_state=?, size=?, remote_state=?, pair_state=?"+version+where, args...)
		if err != nil {
			return fmt.Errorf("failed to update local state of %s: %w", info.Path, err)
		}
		if opts.IfVersion {
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if stale = n == 0; stale {
				return nil
			}
		}
		if opts.Queue {
			queued, err = d.shouldQueueLocal(tx, parentPath)
		}
		return err
	})
	if err != nil {
		return err
	}
	if stale {
		d.logger.Debugf("Local state of %s changed meanwhile, not overwritten", info.Path)
		return nil
	}

	pair.PairState = state
	pair.LocalPath = info.Path
	pair.LocalParentPath = parentPath
	pair.LocalName = info.Name
	pair.Size = info.Size
	pair.LastLocalUpdated = info.LastModification
	if opts.Versioned {
		pair.Version++
	}
	if queued {
		d.queuePairState(pair.ID, info.Folderish, state)
	}
	return nil
}

// UpdateLocalModificationTime only refreshes the local fields without
// versioning nor queueing
func (d *EngineDAO) UpdateLocalModificationTime(pair *model.DocPair, info *model.LocalInfo) error {
	return d.UpdateLocalState(pair, info, UpdateOptions{})
}

func remoteUnchanged(pair *model.DocPair, info *model.RemoteInfo, remoteParentPath string) bool {
	return pair.RemoteRef == info.UID &&
		pair.RemoteParentRef == info.ParentUID &&
		pair.RemoteParentPath == remoteParentPath &&
		pair.RemoteName == info.Name &&
		pair.LastRemoteUpdated.Equal(info.LastModificationTime) &&
		pair.RemoteCanRename == info.CanRename &&
		pair.RemoteCanDelete == info.CanDelete &&
		pair.RemoteCanUpdate == info.CanUpdate &&
		pair.RemoteCanCreateChild == info.CanCreateChild &&
		pair.LastRemoteModifier == info.LastContributor &&
		pair.RemoteDigest == info.Digest
}

// UpdateRemoteState writes the remote view of pair from info and reports
// whether anything was written. Rows whose remote fields did not change are
// left alone unless opts.Force is set.
func (d *EngineDAO) UpdateRemoteState(pair *model.DocPair, info *model.RemoteInfo, opts RemoteUpdateOptions) (bool, error) {
	remoteParentPath := opts.RemoteParentPath
	if remoteParentPath == "" {
		remoteParentPath = pair.RemoteParentPath
	}
	if !opts.Force && remoteUnchanged(pair, info, remoteParentPath) {
		return false, nil
	}

	state := d.pairStateOf(pair)
	version := ""
	if opts.Versioned {
		version = ", version=version+1"
	}

	states := "local_state=?, remote_state=?, pair_state=?"
	stateArgs := []interface{}{string(pair.LocalState), string(pair.RemoteState), string(state)}
	if opts.IfVersion {
		// the remote fields are recorded anyway, the states stay with a newer writer
		states = "local_state=CASE WHEN version=? THEN ? ELSE local_state END, " +
			"remote_state=CASE WHEN version=? THEN ? ELSE remote_state END, " +
			"pair_state=CASE WHEN version=? THEN ? ELSE pair_state END"
		stateArgs = []interface{}{pair.Version, string(pair.LocalState), pair.Version, string(pair.RemoteState),
			pair.Version, string(state)}
	}
	args := []interface{}{info.UID, nullString(info.ParentUID), remoteParentPath, info.Name,
		formatTime(info.LastModificationTime), info.CanRename, info.CanDelete, info.CanUpdate,
		info.CanCreateChild, nullString(info.LastContributor), nullString(info.Digest)}
	args = append(args, stateArgs...)
	args = append(args, pair.ID)

	var queued bool
	err := d.write(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE States SET remote_ref=?, remote_parent_ref=?, remote_parent_path=?, remote_name=?, "+
			"last_remote_updated=?, remote_can_rename=?, remote_can_delete=?, remote_can_update=?, "+
			"remote_can_create_child=?, last_remote_modifier=?, remote_digest=?, "+states+version+" WHERE id=?",
			args...)
		if err != nil {
			return fmt.Errorf("failed to update remote state of %s: %w", info.UID, err)
		}
		if opts.Queue {
			queued, err = d.shouldQueueRemote(tx, info.ParentUID)
		}
		return err
	})
	if err != nil {
		return false, err
	}

	pair.PairState = state
	pair.RemoteRef = info.UID
	pair.RemoteParentRef = info.ParentUID
	pair.RemoteParentPath = remoteParentPath
	pair.RemoteName = info.Name
	pair.LastRemoteUpdated = info.LastModificationTime
	pair.RemoteCanRename = info.CanRename
	pair.RemoteCanDelete = info.CanDelete
	pair.RemoteCanUpdate = info.CanUpdate
	pair.RemoteCanCreateChild = info.CanCreateChild
	pair.LastRemoteModifier = info.LastContributor
	pair.RemoteDigest = info.Digest
	if opts.Versioned {
		pair.Version++
	}
	if queued {
		d.queuePairState(pair.ID, info.Folderish, state)
	}
	return true, nil
}

const synchronizeSet = "UPDATE States SET local_state='synchronized', remote_state='synchronized', " +
	"pair_state='synchronized', last_sync_date=?, processor=0, last_error=NULL, last_error_details=NULL, " +
	"error_count=0, last_sync_error_date=NULL, error_next_try=NULL "

// SynchronizeState marks the pair synchronized if nobody changed it since it
// was read. Folders fall back to matching on their identity fields, and
// their children are queued once the folder is synchronized.
func (d *EngineDAO) SynchronizeState(pair *model.DocPair) (bool, error) {
	return d.SynchronizeStateVersion(pair, pair.Version)
}

// SynchronizeStateVersion is SynchronizeState against an explicit version
func (d *EngineDAO) SynchronizeStateVersion(pair *model.DocPair, version int64) (bool, error) {
	now := formatTime(d.clock.Now())

	n, err := d.exec(synchronizeSet+"WHERE id=? AND version=?", now, pair.ID, version)
	if err != nil {
		return false, fmt.Errorf("failed to synchronize pair %d: %w", pair.ID, err)
	}
	if n != 1 && pair.Folderish {
		n, err = d.exec(synchronizeSet+"WHERE id=? AND local_path=? AND remote_name=? AND remote_ref=? AND "+
			"COALESCE(remote_parent_ref, '')=?",
			now, pair.ID, pair.LocalPath, pair.RemoteName, pair.RemoteRef, pair.RemoteParentRef)
		if err != nil {
			return false, fmt.Errorf("failed to synchronize folder %d: %w", pair.ID, err)
		}
	}
	if n != 1 {
		current, _ := d.GetStateFromID(pair.ID)
		d.logger.WithFields(map[string]interface{}{
			"previous": pair.String(),
			"version":  version,
			"current":  current.String(),
		}).Debug("Was not able to synchronize state")
		return false, nil
	}

	pair.LocalState = model.LocalSynchronized
	pair.RemoteState = model.RemoteSynchronized
	pair.PairState = model.PairSynchronized
	pair.ErrorCount = 0
	pair.LastError = ""
	if pair.Folderish {
		if err := d.QueueChildren(pair); err != nil {
			return true, err
		}
	}
	return true, nil
}

// UnsynchronizeState parks the pair, it will not be processed again until
// its remote side changes
func (d *EngineDAO) UnsynchronizeState(pair *model.DocPair, reason string) error {
	_, err := d.exec("UPDATE States SET pair_state='unsynchronized', last_sync_date=?, processor=0, "+
		"last_error=?, error_count=0, last_sync_error_date=NULL, error_next_try=NULL WHERE id=?",
		formatTime(d.clock.Now()), nullString(reason), pair.ID)
	if err != nil {
		return fmt.Errorf("failed to unsynchronize pair %d: %w", pair.ID, err)
	}
	pair.PairState = model.PairUnsynchronized
	pair.LastError = reason
	return nil
}

// RemoveState deletes the pair and every row below its local path, and below
// its remote path when asked.
func (d *EngineDAO) RemoveState(pair *model.DocPair, opts RemoveOptions) error {
	return d.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM States WHERE id=?", pair.ID); err != nil {
			return fmt.Errorf("failed to remove pair %d: %w", pair.ID, err)
		}
		if !pair.Folderish {
			return nil
		}
		cond, args := descendantsCondition(pair.LocalPath)
		if _, err := tx.Exec("DELETE FROM States WHERE "+cond, args...); err != nil {
			return fmt.Errorf("failed to remove descendants of %d: %w", pair.ID, err)
		}
		if opts.RemoteRecursion && pair.RemoteRef != "" {
			remotePath := pair.RemotePath()
			_, err := tx.Exec(`DELETE FROM States WHERE remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\'`,
				remotePath, escapeLike(remotePath)+"/%")
			if err != nil {
				return fmt.Errorf("failed to remove remote descendants of %d: %w", pair.ID, err)
			}
		}
		return nil
	})
}

// DeleteRemoteState marks the pair remotely deleted and its descendants as
// parent_remotely_deleted. Only the pair itself is queued.
func (d *EngineDAO) DeleteRemoteState(pair *model.DocPair) error {
	err := d.write(func(tx *sql.Tx) error {
		update := "UPDATE States SET remote_state='deleted', pair_state=?"
		if _, err := tx.Exec(update+" WHERE id=?", string(model.PairRemotelyDeleted), pair.ID); err != nil {
			return fmt.Errorf("failed to delete remote state of %d: %w", pair.ID, err)
		}
		if pair.Folderish {
			cond, args := descendantsCondition(pair.LocalPath)
			args = append([]interface{}{string(model.PairParentRemotelyDeleted)}, args...)
			if _, err := tx.Exec(update+" WHERE "+cond, args...); err != nil {
				return fmt.Errorf("failed to delete remote descendants of %d: %w", pair.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.RemoteState = model.RemoteDeleted
	pair.PairState = model.PairRemotelyDeleted
	d.queuePairState(pair.ID, pair.Folderish, model.PairRemotelyDeleted)
	return nil
}

// DeleteLocalState marks the pair locally deleted and its descendants as
// parent_locally_deleted. A pair whose parent is already being deleted is
// not queued, the parent deletion covers it.
func (d *EngineDAO) DeleteLocalState(pair *model.DocPair) error {
	state := model.PairLocallyDeleted
	err := d.write(func(tx *sql.Tx) error {
		var parentState string
		err := tx.QueryRow("SELECT COALESCE(pair_state, '') FROM States WHERE local_path=?", pair.LocalParentPath).Scan(&parentState)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read parent of %d: %w", pair.ID, err)
		}
		if parentState == string(model.PairLocallyDeleted) || parentState == string(model.PairParentLocallyDeleted) {
			state = model.PairParentLocallyDeleted
		}

		update := "UPDATE States SET local_state='deleted', pair_state=?"
		if _, err := tx.Exec(update+" WHERE id=?", string(state), pair.ID); err != nil {
			return fmt.Errorf("failed to delete local state of %d: %w", pair.ID, err)
		}
		if pair.Folderish {
			cond, args := descendantsCondition(pair.LocalPath)
			args = append([]interface{}{string(model.PairParentLocallyDeleted)}, args...)
			if _, err := tx.Exec(update+" WHERE "+cond, args...); err != nil {
				return fmt.Errorf("failed to delete local descendants of %d: %w", pair.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	pair.LocalState = model.LocalDeleted
	pair.PairState = state
	d.interruptProcessorsOn(pair.LocalPath, false)
	if state == model.PairLocallyDeleted {
		d.queuePairState(pair.ID, pair.Folderish, state)
	}
	return nil
}

// markDescendants applies update to the pair and, for folders, every row below it
func (d *EngineDAO) markDescendants(pair *model.DocPair, update string, state model.PairState) error {
	err := d.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(update+" WHERE id=?", pair.ID); err != nil {
			return fmt.Errorf("failed to update pair %d: %w", pair.ID, err)
		}
		if pair.Folderish {
			cond, args := descendantsCondition(pair.LocalPath)
			if _, err := tx.Exec(update+" WHERE "+cond, args...); err != nil {
				return fmt.Errorf("failed to update descendants of %d: %w", pair.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.PairState = state
	d.queuePairState(pair.ID, pair.Folderish, state)
	return nil
}

// MarkDescendantsRemotelyDeleted forgets the local side of the subtree and
// marks it remotely deleted
func (d *EngineDAO) MarkDescendantsRemotelyDeleted(pair *model.DocPair) error {
	return d.markDescendants(pair, "UPDATE States SET local_digest=NULL, last_local_updated=NULL, local_name=NULL, "+
		"remote_state='deleted', pair_state='remotely_deleted'", model.PairRemotelyDeleted)
}

// MarkDescendantsRemotelyCreated forgets the local side of the subtree so it
// is downloaded again
func (d *EngineDAO) MarkDescendantsRemotelyCreated(pair *model.DocPair) error {
	return d.markDescendants(pair, "UPDATE States SET local_digest=NULL, last_local_updated=NULL, local_name=NULL, "+
		"local_state='unknown', remote_state='created', pair_state='remotely_created'", model.PairRemotelyCreated)
}

// MarkDescendantsLocallyCreated forgets the remote side of the subtree so it
// is uploaded again
func (d *EngineDAO) MarkDescendantsLocallyCreated(pair *model.DocPair) error {
	return d.markDescendants(pair, "UPDATE States SET remote_digest=NULL, remote_ref=NULL, remote_parent_ref=NULL, "+
		"remote_parent_path=NULL, last_remote_updated=NULL, remote_name=NULL, remote_state='unknown', "+
		"local_state='created', pair_state='locally_created'", model.PairLocallyCreated)
}

// QueueChildren pushes the children of a folder that still need work
func (d *EngineDAO) QueueChildren(pair *model.DocPair) error {
	children, err := queryPairs(d.reader, selectStates+" WHERE (remote_parent_ref=? OR local_parent_path=?) AND "+
		toSyncCondition, pair.RemoteRef, pair.LocalPath)
	if err != nil {
		return err
	}
	d.logger.Debugf("Queuing %d children of %s", len(children), pair)
	for _, child := range children {
		if child.ID == pair.ID {
			continue
		}
		d.queuePairState(child.ID, child.Folderish, child.PairState)
	}
	return nil
}

// IncreaseError records a processing failure on the pair
func (d *EngineDAO) IncreaseError(pair *model.DocPair, reason, details string, incr int) error {
	now := d.clock.Now()
	_, err := d.exec("UPDATE States SET last_error=?, last_sync_error_date=?, error_count=error_count+?, "+
		"last_error_details=? WHERE id=?", reason, formatTime(now), incr, nullString(details), pair.ID)
	if err != nil {
		return fmt.Errorf("failed to increase error of %d: %w", pair.ID, err)
	}
	pair.LastError = reason
	pair.LastErrorDetails = details
	pair.ErrorCount += incr
	pair.LastSyncErrorDate = now
	return nil
}

// SetErrorNextTry stores when a failing pair will be retried
func (d *EngineDAO) SetErrorNextTry(id int64, next time.Time) error {
	if _, err := d.exec("UPDATE States SET error_next_try=? WHERE id=?", formatTime(next), id); err != nil {
		return fmt.Errorf("failed to store next try of %d: %w", id, err)
	}
	return nil
}

// ResetError clears the error fields and queues the pair again
func (d *EngineDAO) ResetError(pair *model.DocPair) error {
	_, err := d.exec("UPDATE States SET last_error=NULL, last_error_details=NULL, last_sync_error_date=NULL, "+
		"error_count=0, error_next_try=NULL WHERE id=?", pair.ID)
	if err != nil {
		return fmt.Errorf("failed to reset error of %d: %w", pair.ID, err)
	}
	pair.LastError = ""
	pair.LastErrorDetails = ""
	pair.ErrorCount = 0
	d.queuePairState(pair.ID, pair.Folderish, pair.PairState)
	return nil
}

func (d *EngineDAO) forceState(pair *model.DocPair, local model.LocalState, remote model.RemoteState) (bool, error) {
	state, _ := model.PairStateFor(local, remote)
	n, err := d.exec("UPDATE States SET local_state=?, remote_state=?, pair_state=?, last_error=NULL, "+
		"last_sync_error_date=NULL, error_count=0, error_next_try=NULL WHERE id=? AND version=?",
		string(local), string(remote), string(state), pair.ID, pair.Version)
	if err != nil {
		return false, fmt.Errorf("failed to force state of %d: %w", pair.ID, err)
	}
	if n != 1 {
		return false, nil
	}
	pair.LocalState, pair.RemoteState, pair.PairState = local, remote, state
	d.queuePairState(pair.ID, pair.Folderish, state)
	return true, nil
}

// ForceRemote resolves a conflict in favor of the remote version
func (d *EngineDAO) ForceRemote(pair *model.DocPair) (bool, error) {
	return d.forceState(pair, model.LocalSynchronized, model.RemoteModified)
}

// ForceLocal resolves a conflict in favor of the local version
func (d *EngineDAO) ForceLocal(pair *model.DocPair) (bool, error) {
	return d.forceState(pair, model.LocalResolved, model.RemoteUnknown)
}

// ForceRemoteCreation makes the pair download again as a new remote item
func (d *EngineDAO) ForceRemoteCreation(pair *model.DocPair) (bool, error) {
	return d.forceState(pair, model.LocalUnknown, model.RemoteCreated)
}

// SetConflictState marks the pair conflicted and notifies the conflict handler
func (d *EngineDAO) SetConflictState(pair *model.DocPair) (bool, error) {
	n, err := d.exec("UPDATE States SET pair_state='conflicted' WHERE id=?", pair.ID)
	if err != nil {
		return false, fmt.Errorf("failed to set conflict on %d: %w", pair.ID, err)
	}
	if n != 1 {
		return false, nil
	}
	pair.PairState = model.PairConflicted
	d.queuePairState(pair.ID, pair.Folderish, model.PairConflicted)
	return true, nil
}

// UpdateLastTransfer records the direction of the last content transfer
func (d *EngineDAO) UpdateLastTransfer(id int64, transfer string) error {
	if _, err := d.exec("UPDATE States SET last_transfer=? WHERE id=?", transfer, id); err != nil {
		return fmt.Errorf("failed to update last transfer of %d: %w", id, err)
	}
	return nil
}

// UpdateRemoteName stores a new remote name without touching the states
func (d *EngineDAO) UpdateRemoteName(id int64, name string) error {
	if _, err := d.exec("UPDATE States SET remote_name=? WHERE id=?", name, id); err != nil {
		return fmt.Errorf("failed to update remote name of %d: %w", id, err)
	}
	return nil
}

// UpdateLocalPaths stores the local path fields of the pair as they are
func (d *EngineDAO) UpdateLocalPaths(pair *model.DocPair) error {
	_, err := d.exec("UPDATE States SET local_parent_path=?, local_path=?, local_name=? WHERE id=?",
		pair.LocalParentPath, pair.LocalPath, pair.LocalName, pair.ID)
	if err != nil {
		return fmt.Errorf("failed to update local paths of %d: %w", pair.ID, err)
	}
	return nil
}

// UpdateLocalParentPath moves the pair under newParent with newName and
// rewrites the paths of every descendant of a folder
func (d *EngineDAO) UpdateLocalParentPath(pair *model.DocPair, newName, newParent string) error {
	newPath := model.JoinPath(newParent, newName)
	err := d.write(func(tx *sql.Tx) error {
		if pair.Folderish {
			if err := replaceDescendantPaths(tx, pair.LocalPath, newPath); err != nil {
				return err
			}
		}
		_, err := tx.Exec("UPDATE States SET local_parent_path=?, local_path=?, local_name=? WHERE id=?",
			newParent, newPath, newName, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to update local parent of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.LocalParentPath, pair.LocalPath, pair.LocalName = newParent, newPath, newName
	return nil
}

func replaceDescendantPaths(tx *sql.Tx, oldPath, newPath string) error {
	cond, args := descendantsCondition(oldPath)
	start := len(oldPath) + 1
	args = append([]interface{}{newPath, start, newPath, start}, args...)
	_, err := tx.Exec("UPDATE States SET local_parent_path = ? || substr(local_parent_path, ?), "+
		"local_path = ? || substr(local_path, ?) WHERE "+cond, args...)
	if err != nil {
		return fmt.Errorf("failed to rewrite paths below %s: %w", oldPath, err)
	}
	return nil
}

// ReplaceLocalPaths rewrites every local path starting with oldPath, the row
// at oldPath included
func (d *EngineDAO) ReplaceLocalPaths(oldPath, newPath string) error {
	return d.write(func(tx *sql.Tx) error {
		if err := replaceDescendantPaths(tx, oldPath, newPath); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE States SET local_path=?, local_parent_path=?, local_name=? WHERE local_path=?",
			newPath, model.ParentPath(newPath), baseName(newPath), oldPath)
		if err != nil {
			return fmt.Errorf("failed to replace path %s: %w", oldPath, err)
		}
		return nil
	})
}

// UpdateRemoteParentPath stores the new remote parent path of the pair and
// rewrites the remote paths of its descendants
func (d *EngineDAO) UpdateRemoteParentPath(pair *model.DocPair, newPath string) error {
	err := d.write(func(tx *sql.Tx) error {
		if pair.Folderish && pair.RemoteRef != "" {
			oldPrefix := pair.RemotePath()
			newPrefix := newPath + "/" + pair.RemoteRef
			_, err := tx.Exec(`UPDATE States SET remote_parent_path = ? || substr(remote_parent_path, ?) `+
				`WHERE remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\'`,
				newPrefix, len(oldPrefix)+1, oldPrefix, escapeLike(oldPrefix)+"/%")
			if err != nil {
				return fmt.Errorf("failed to rewrite remote paths below %s: %w", oldPrefix, err)
			}
		}
		if _, err := tx.Exec("UPDATE States SET remote_parent_path=? WHERE id=?", newPath, pair.ID); err != nil {
			return fmt.Errorf("failed to update remote parent path of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.RemoteParentPath = newPath
	return nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
