package dao

import (
	"database/sql"
	"fmt"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// stateColumns lists the States columns in the order scanPair expects. Text
// columns are coalesced so they scan into plain strings.
const stateColumns = `id,
	COALESCE(local_path, ''), COALESCE(local_parent_path, ''), COALESCE(local_name, ''),
	COALESCE(remote_ref, ''), COALESCE(remote_parent_ref, ''), COALESCE(remote_parent_path, ''),
	COALESCE(remote_name, ''), COALESCE(folderish, 0), COALESCE(size, 0),
	COALESCE(local_digest, ''), COALESCE(remote_digest, ''),
	COALESCE(last_local_updated, ''), COALESCE(last_remote_updated, ''),
	COALESCE(creation_date, ''), COALESCE(last_sync_date, ''),
	COALESCE(local_state, 'unknown'), COALESCE(remote_state, 'unknown'), COALESCE(pair_state, 'unknown'),
	COALESCE(remote_can_rename, 0), COALESCE(remote_can_delete, 0),
	COALESCE(remote_can_update, 0), COALESCE(remote_can_create_child, 0),
	COALESCE(last_remote_modifier, ''),
	COALESCE(error_count, 0), COALESCE(last_error, ''), COALESCE(last_error_details, ''),
	COALESCE(last_sync_error_date, ''), COALESCE(error_next_try, ''),
	COALESCE(version, 0), COALESCE(processor, 0), COALESCE(last_transfer, '')`

const selectStates = "SELECT " + stateColumns + " FROM States"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPair(row rowScanner) (*model.DocPair, error) {
	var (
		p                                                     model.DocPair
		localUpdated, remoteUpdated, created, synced, errDate string
		nextTry                                               string
		localState, remoteState, pairState                    string
	)
	err := row.Scan(
		&p.ID,
		&p.LocalPath, &p.LocalParentPath, &p.LocalName,
		&p.RemoteRef, &p.RemoteParentRef, &p.RemoteParentPath,
		&p.RemoteName, &p.Folderish, &p.Size,
		&p.LocalDigest, &p.RemoteDigest,
		&localUpdated, &remoteUpdated,
		&created, &synced,
		&localState, &remoteState, &pairState,
		&p.RemoteCanRename, &p.RemoteCanDelete,
		&p.RemoteCanUpdate, &p.RemoteCanCreateChild,
		&p.LastRemoteModifier,
		&p.ErrorCount, &p.LastError, &p.LastErrorDetails,
		&errDate, &nextTry,
		&p.Version, &p.Processor, &p.LastTransfer,
	)
	if err != nil {
		return nil, err
	}
	p.LastLocalUpdated = parseTime(localUpdated)
	p.LastRemoteUpdated = parseTime(remoteUpdated)
	p.CreationDate = parseTime(created)
	p.LastSyncDate = parseTime(synced)
	p.LastSyncErrorDate = parseTime(errDate)
	p.ErrorNextTry = parseTime(nextTry)
	p.LocalState = model.LocalState(localState)
	p.RemoteState = model.RemoteState(remoteState)
	p.PairState = model.PairState(pairState)
	return &p, nil
}

// queryPair returns the single pair matched by query, nil when there is none
func queryPair(q interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}, query string, args ...interface{}) (*model.DocPair, error) {
	pair, err := scanPair(q.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pair: %w", err)
	}
	return pair, nil
}

func queryPairs(q interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}, query string, args ...interface{}) ([]*model.DocPair, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*model.DocPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
