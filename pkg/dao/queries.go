package dao

import (
	"database/sql"
	"fmt"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// GetStateFromID returns the pair with the given id, nil when it does not exist
func (d *EngineDAO) GetStateFromID(id int64) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+" WHERE id=?", id)
}

// GetStateFromLocal returns the pair at a local path
func (d *EngineDAO) GetStateFromLocal(path string) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+" WHERE local_path=?", path)
}

// GetStatesFromRemote returns every pair bound to a remote reference, an item
// may be synchronized under several parents
func (d *EngineDAO) GetStatesFromRemote(ref string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE remote_ref=?", ref)
}

// GetNormalStateFromRemote returns the first pair bound to a remote reference
func (d *EngineDAO) GetNormalStateFromRemote(ref string) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+" WHERE remote_ref=? ORDER BY id LIMIT 1", ref)
}

// GetStateFromRemoteWithPath returns the pair of ref below the remote parent path
func (d *EngineDAO) GetStateFromRemoteWithPath(ref, remoteParentPath string) (*model.DocPair, error) {
	if remoteParentPath == model.RootPath {
		remoteParentPath = ""
	}
	return queryPair(d.reader, selectStates+" WHERE remote_ref=? AND COALESCE(remote_parent_path, '')=?", ref, remoteParentPath)
}

// GetFirstStateFromPartialRemote returns the oldest pair whose reference ends with ref
func (d *EngineDAO) GetFirstStateFromPartialRemote(ref string) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+` WHERE remote_ref LIKE ? ESCAPE '\' ORDER BY last_remote_updated ASC LIMIT 1`,
		"%"+escapeLike(ref))
}

// GetLocalChildren returns the pairs directly below a local path
func (d *EngineDAO) GetLocalChildren(path string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE local_parent_path=?", path)
}

// GetRemoteChildren returns the pairs whose remote parent is ref
func (d *EngineDAO) GetRemoteChildren(ref string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE remote_parent_ref=?", ref)
}

// GetNewRemoteChildren returns the children of ref not yet created locally
func (d *EngineDAO) GetNewRemoteChildren(ref string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE remote_parent_ref=? AND remote_state='created' AND local_state='unknown'", ref)
}

// GetRemoteDescendants returns the pairs whose remote parent path starts with path
func (d *EngineDAO) GetRemoteDescendants(path string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+` WHERE remote_parent_path LIKE ? ESCAPE '\'`, escapeLike(path)+"%")
}

// GetRemoteDescendantsFromRef returns the pairs having ref somewhere in their remote parent path
func (d *EngineDAO) GetRemoteDescendantsFromRef(ref string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+` WHERE remote_parent_path LIKE ? ESCAPE '\'`, "%"+escapeLike(ref)+"%")
}

// GetStatesFromPartialLocal returns the pairs whose local path starts with path
func (d *EngineDAO) GetStatesFromPartialLocal(path string) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+` WHERE local_path LIKE ? ESCAPE '\'`, escapeLike(path)+"%")
}

// GetValidDuplicateFile returns a synchronized file with the given remote
// digest, its local copy can stand in for a download
func (d *EngineDAO) GetValidDuplicateFile(digest string) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+" WHERE remote_digest=? AND pair_state='synchronized' AND folderish=0 LIMIT 1", digest)
}

// GetDedupePair returns another pair with the same name under the same
// remote parent
func (d *EngineDAO) GetDedupePair(name, remoteParentRef string, id int64) (*model.DocPair, error) {
	return queryPair(d.reader, selectStates+" WHERE local_name=? AND remote_parent_ref=? AND id != ? LIMIT 1",
		name, remoteParentRef, id)
}

// GetConflicts returns the conflicted pairs
func (d *EngineDAO) GetConflicts() ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE pair_state='conflicted'")
}

// GetErrors returns the pairs that failed more than threshold times
func (d *EngineDAO) GetErrors(threshold int) ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE error_count > ?", threshold)
}

// GetUnsynchronizeds returns the parked pairs
func (d *EngineDAO) GetUnsynchronizeds() ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE pair_state='unsynchronized'")
}

// GetPendingPairs returns the pairs that still need processing
func (d *EngineDAO) GetPendingPairs() ([]*model.DocPair, error) {
	return queryPairs(d.reader, selectStates+" WHERE "+toSyncCondition+" AND pair_state != 'conflicted' ORDER BY local_path")
}

// Direction filters for GetLastFiles
const (
	DirectionRemote = "remote"
	DirectionLocal  = "local"
)

// GetLastFiles returns the files synchronized most recently
func (d *EngineDAO) GetLastFiles(number int, direction string) ([]*model.DocPair, error) {
	condition := ""
	switch direction {
	case DirectionRemote:
		condition = " AND last_transfer='upload'"
	case DirectionLocal:
		condition = " AND last_transfer='download'"
	}
	return queryPairs(d.reader, selectStates+" WHERE pair_state='synchronized' AND folderish=0"+condition+
		" ORDER BY last_sync_date DESC LIMIT ?", number)
}

func (d *EngineDAO) count(condition string, args ...interface{}) (int, error) {
	query := "SELECT COUNT(*) FROM States"
	if condition != "" {
		query += " WHERE " + condition
	}
	var n int
	if err := d.reader.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pairs: %w", err)
	}
	return n, nil
}

// GetCount returns the total number of pairs
func (d *EngineDAO) GetCount() (int, error) {
	return d.count("")
}

// GetConflictCount returns the number of conflicted pairs
func (d *EngineDAO) GetConflictCount() (int, error) {
	return d.count("pair_state='conflicted'")
}

// GetUnsynchronizedCount returns the number of parked pairs
func (d *EngineDAO) GetUnsynchronizedCount() (int, error) {
	return d.count("pair_state='unsynchronized'")
}

// GetErrorCount returns the number of pairs above the error threshold
func (d *EngineDAO) GetErrorCount(threshold int) (int, error) {
	return d.count("error_count > ?", threshold)
}

// GetSyncingCount returns the number of pairs still waiting for work
func (d *EngineDAO) GetSyncingCount(threshold int) (int, error) {
	return d.count("pair_state != 'synchronized' AND pair_state != 'conflicted' AND "+
		"pair_state != 'unsynchronized' AND error_count < ?", threshold)
}

// GetSyncCount returns the number of synchronized pairs, restricted to
// "file" or "folder" when filetype is set
func (d *EngineDAO) GetSyncCount(filetype string) (int, error) {
	condition := "pair_state='synchronized'"
	switch filetype {
	case "file":
		condition += " AND folderish=0"
	case "folder":
		condition += " AND folderish=1"
	}
	return d.count(condition)
}

// GetGlobalSize returns the size of the synchronized content
func (d *EngineDAO) GetGlobalSize() (int64, error) {
	var size sql.NullInt64
	if err := d.reader.QueryRow("SELECT SUM(size) FROM States WHERE pair_state='synchronized'").Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to sum sizes: %w", err)
	}
	return size.Int64, nil
}
