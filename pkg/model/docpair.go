package model

import (
	"fmt"
	"path"
	"time"
)

// RootPath is the local path of the engine root folder
const RootPath = "/"

// DocPair is one synchronized item: its local view, its remote view and the
// state derived from both.
type DocPair struct {
	ID               int64  `json:"id"`
	LocalPath        string `json:"local_path"`
	LocalParentPath  string `json:"local_parent_path"`
	LocalName        string `json:"local_name"`
	RemoteRef        string `json:"remote_ref"`
	RemoteParentRef  string `json:"remote_parent_ref"`
	RemoteParentPath string `json:"remote_parent_path"`
	RemoteName       string `json:"remote_name"`
	Folderish        bool   `json:"folderish"`
	Size             int64  `json:"size"`

	LocalDigest  string `json:"local_digest"`
	RemoteDigest string `json:"remote_digest"`

	LastLocalUpdated  time.Time `json:"last_local_updated"`
	LastRemoteUpdated time.Time `json:"last_remote_updated"`
	CreationDate      time.Time `json:"creation_date"`
	LastSyncDate      time.Time `json:"last_sync_date"`

	LocalState  LocalState  `json:"local_state"`
	RemoteState RemoteState `json:"remote_state"`
	PairState   PairState   `json:"pair_state"`

	RemoteCanRename      bool   `json:"remote_can_rename"`
	RemoteCanDelete      bool   `json:"remote_can_delete"`
	RemoteCanUpdate      bool   `json:"remote_can_update"`
	RemoteCanCreateChild bool   `json:"remote_can_create_child"`
	LastRemoteModifier   string `json:"last_remote_modifier"`

	ErrorCount        int       `json:"error_count"`
	LastError         string    `json:"last_error"`
	LastErrorDetails  string    `json:"last_error_details"`
	LastSyncErrorDate time.Time `json:"last_sync_error_date"`
	ErrorNextTry      time.Time `json:"error_next_try"`

	Version      int64  `json:"version"`
	Processor    int64  `json:"processor"`
	LastTransfer string `json:"last_transfer"`
}

// String implements fmt.Stringer for log output
func (p *DocPair) String() string {
	if p == nil {
		return "<DocPair nil>"
	}
	return fmt.Sprintf("<DocPair[%d] local_path=%q remote_ref=%q local_state=%s remote_state=%s pair_state=%s>",
		p.ID, p.LocalPath, p.RemoteRef, p.LocalState, p.RemoteState, p.PairState)
}

// RemotePath returns the full remote path of the pair, made of the parent
// path and its own reference. This is the form filters are expressed in.
func (p *DocPair) RemotePath() string {
	return p.RemoteParentPath + "/" + p.RemoteRef
}

// IsReadonly reports whether the local copy must be protected from writes
func (p *DocPair) IsReadonly() bool {
	if p.Folderish {
		return !p.RemoteCanCreateChild
	}
	return !p.RemoteCanUpdate && !p.RemoteCanRename
}

// IsRoot reports whether the pair holds the engine root folder
func (p *DocPair) IsRoot() bool {
	return p.LocalPath == RootPath
}

// Clone returns a copy that can be mutated without affecting the original
func (p *DocPair) Clone() *DocPair {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// JoinPath builds a child path below parent using the state store conventions:
// forward slashes, rooted at "/".
func JoinPath(parent, name string) string {
	if parent == "" || parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of a state store path, or "" for the root
func ParentPath(p string) string {
	if p == RootPath || p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return RootPath
	}
	return dir
}

// IsDescendant reports whether child is strictly below parent
func IsDescendant(child, parent string) bool {
	if parent == RootPath {
		return child != RootPath && len(child) > 1
	}
	return len(child) > len(parent) && child[:len(parent)] == parent && child[len(parent)] == '/'
}
