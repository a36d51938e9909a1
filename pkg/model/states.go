package model

import "strings"

// LocalState is the state of the local side of a pair
type LocalState string

// RemoteState is the state of the remote side of a pair
type RemoteState string

// PairState is the combined state derived from the local and remote states
type PairState string

const (
	LocalUnknown        LocalState = "unknown"
	LocalCreated        LocalState = "created"
	LocalModified       LocalState = "modified"
	LocalMoved          LocalState = "moved"
	LocalDeleted        LocalState = "deleted"
	LocalSynchronized   LocalState = "synchronized"
	LocalResolved       LocalState = "resolved"
	LocalDirect         LocalState = "direct"
	LocalUnsynchronized LocalState = "unsynchronized"
)

const (
	RemoteUnknown      RemoteState = "unknown"
	RemoteCreated      RemoteState = "created"
	RemoteModified     RemoteState = "modified"
	RemoteMoved        RemoteState = "moved"
	RemoteDeleted      RemoteState = "deleted"
	RemoteSynchronized RemoteState = "synchronized"
	RemoteTodo         RemoteState = "todo"
)

const (
	PairUnknown                      PairState = "unknown"
	PairSynchronized                 PairState = "synchronized"
	PairUnsynchronized               PairState = "unsynchronized"
	PairConflicted                   PairState = "conflicted"
	PairDeleted                      PairState = "deleted"
	PairLocallyCreated               PairState = "locally_created"
	PairLocallyModified              PairState = "locally_modified"
	PairLocallyMoved                 PairState = "locally_moved"
	PairLocallyMovedCreated          PairState = "locally_moved_created"
	PairLocallyMovedRemotelyModified PairState = "locally_moved_remotely_modified"
	PairLocallyDeleted               PairState = "locally_deleted"
	PairLocallyResolved              PairState = "locally_resolved"
	PairRemotelyCreated              PairState = "remotely_created"
	PairRemotelyModified             PairState = "remotely_modified"
	PairRemotelyDeleted              PairState = "remotely_deleted"
	PairDeletedUnknown               PairState = "deleted_unknown"
	PairUnknownDeleted               PairState = "unknown_deleted"
	PairDirectTransfer               PairState = "direct_transfer"
	PairDirectTransferTodo           PairState = "direct_transfer_todo"

	// set on the descendants of a deleted folder, the folder deletion covers them
	PairParentLocallyDeleted  PairState = "parent_locally_deleted"
	PairParentRemotelyDeleted PairState = "parent_remotely_deleted"
)

type stateKey struct {
	local  LocalState
	remote RemoteState
}

var pairStates = map[stateKey]PairState{
	// regular cases
	{LocalUnknown, RemoteUnknown}:           PairUnknown,
	{LocalSynchronized, RemoteSynchronized}: PairSynchronized,
	{LocalSynchronized, RemoteUnknown}:      PairSynchronized,
	{LocalCreated, RemoteUnknown}:           PairLocallyCreated,
	{LocalUnknown, RemoteCreated}:           PairRemotelyCreated,
	{LocalModified, RemoteSynchronized}:     PairLocallyModified,
	{LocalModified, RemoteUnknown}:          PairLocallyModified,
	{LocalMoved, RemoteSynchronized}:        PairLocallyMoved,
	{LocalMoved, RemoteDeleted}:             PairLocallyMovedCreated,
	{LocalMoved, RemoteModified}:            PairLocallyMovedRemotelyModified,
	{LocalSynchronized, RemoteModified}:     PairRemotelyModified,
	{LocalUnknown, RemoteModified}:          PairRemotelyModified,
	{LocalDeleted, RemoteSynchronized}:      PairLocallyDeleted,
	{LocalDeleted, RemoteUnknown}:           PairLocallyDeleted,
	{LocalSynchronized, RemoteDeleted}:      PairRemotelyDeleted,
	{LocalUnknown, RemoteDeleted}:           PairRemotelyDeleted,
	{LocalDeleted, RemoteDeleted}:           PairDeleted,

	// conflicts with automatic resolution
	{LocalCreated, RemoteDeleted}:  PairLocallyCreated,
	{LocalModified, RemoteDeleted}: PairLocallyCreated,
	{LocalDeleted, RemoteCreated}:  PairRemotelyCreated,
	{LocalDeleted, RemoteModified}: PairRemotelyCreated,
	{LocalDeleted, RemoteMoved}:    PairRemotelyCreated,

	// conflict cases that need manual resolution
	{LocalModified, RemoteCreated}:  PairConflicted,
	{LocalModified, RemoteModified}: PairConflicted,
	{LocalCreated, RemoteCreated}:   PairConflicted,
	{LocalCreated, RemoteModified}:  PairConflicted,
	{LocalMoved, RemoteUnknown}:     PairConflicted,
	{LocalMoved, RemoteMoved}:       PairConflicted,
	{LocalMoved, RemoteCreated}:     PairConflicted,
	{LocalResolved, RemoteModified}: PairConflicted,

	// manual conflict resolution
	{LocalResolved, RemoteUnknown}:      PairLocallyResolved,
	{LocalResolved, RemoteSynchronized}: PairSynchronized,
	{LocalCreated, RemoteSynchronized}:  PairSynchronized,
	{LocalUnknown, RemoteSynchronized}:  PairSynchronized,

	// read-only or locked documents
	{LocalUnsynchronized, RemoteUnknown}:      PairUnsynchronized,
	{LocalUnsynchronized, RemoteCreated}:      PairUnsynchronized,
	{LocalUnsynchronized, RemoteModified}:     PairUnsynchronized,
	{LocalUnsynchronized, RemoteMoved}:        PairUnsynchronized,
	{LocalUnsynchronized, RemoteSynchronized}: PairUnsynchronized,
	{LocalUnsynchronized, RemoteDeleted}:      PairRemotelyDeleted,

	// direct transfer
	{LocalDirect, RemoteUnknown}: PairDirectTransfer,
	{LocalDirect, RemoteTodo}:    PairDirectTransferTodo,
}

// PairStateFor returns the combined state for the given local and remote
// states. The second return value is false when the combination is not part of
// the mapping, in which case PairUnknown is returned.
func PairStateFor(local LocalState, remote RemoteState) (PairState, bool) {
	state, ok := pairStates[stateKey{local, remote}]
	if !ok {
		return PairUnknown, false
	}
	return state, true
}

// IsProcessable reports whether a pair in this state may be handed to a processor
func (s PairState) IsProcessable() bool {
	switch s {
	case PairSynchronized, PairUnsynchronized, PairConflicted, PairUnknown, "":
		return false
	}
	return !strings.HasPrefix(string(s), "parent_")
}

// IsLocal reports whether the state originates from a local change
func (s PairState) IsLocal() bool {
	return strings.HasPrefix(string(s), "locally") || strings.HasPrefix(string(s), "direct_transfer")
}

// IsRemote reports whether the state originates from a remote change
func (s PairState) IsRemote() bool {
	return strings.HasPrefix(string(s), "remotely")
}

// IsDeletion reports whether the state describes a deletion on either side
func (s PairState) IsDeletion() bool {
	return strings.Contains(string(s), "deleted")
}

// QueueItem is the minimal information the queue manager needs about a pair
type QueueItem struct {
	ID        int64
	Folderish bool
	PairState PairState
}
