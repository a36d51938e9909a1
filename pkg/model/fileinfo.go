package model

import (
	"sync"
	"time"
)

// LocalInfo describes a file or folder on the local filesystem. Paths are
// relative to the engine root and use forward slashes.
type LocalInfo struct {
	Path             string
	Name             string
	Folderish        bool
	Size             int64
	LastModification time.Time
	CreationTime     time.Time
	RemoteRef        string

	digestOnce sync.Once
	digest     string
	digestErr  error
	digester   func() (string, error)
}

// NewLocalInfo creates a LocalInfo whose digest is computed lazily by digester
func NewLocalInfo(path, name string, folderish bool, size int64, mtime time.Time, digester func() (string, error)) *LocalInfo {
	return &LocalInfo{
		Path:             path,
		Name:             name,
		Folderish:        folderish,
		Size:             size,
		LastModification: mtime,
		digester:         digester,
	}
}

// Digest returns the content digest of the file. Folders have no digest. A
// file that cannot be read yet yields UnaccessibleHash.
func (i *LocalInfo) Digest() string {
	if i.Folderish {
		return ""
	}
	i.digestOnce.Do(func() {
		if i.digester == nil {
			i.digest = UnaccessibleHash
			return
		}
		i.digest, i.digestErr = i.digester()
		if i.digestErr != nil {
			i.digest = UnaccessibleHash
		}
	})
	return i.digest
}

// DigestError returns the error met while computing the digest, if any
func (i *LocalInfo) DigestError() error {
	i.Digest()
	return i.digestErr
}

// RemoteInfo describes a filesystem item on the server
type RemoteInfo struct {
	UID                  string    `json:"id"`
	ParentUID            string    `json:"parentId"`
	Path                 string    `json:"path"`
	Name                 string    `json:"name"`
	Folderish            bool      `json:"folder"`
	Digest               string    `json:"digest"`
	DigestAlgorithm      string    `json:"digestAlgorithm"`
	Size                 int64     `json:"size"`
	LastModificationTime time.Time `json:"lastModificationDate"`
	CreationTime         time.Time `json:"creationDate"`
	LastContributor      string    `json:"lastContributor"`
	DownloadURL          string    `json:"downloadURL"`
	CanRename            bool      `json:"canRename"`
	CanDelete            bool      `json:"canDelete"`
	CanUpdate            bool      `json:"canUpdate"`
	CanCreateChild       bool      `json:"canCreateChild"`
	LockOwner            string    `json:"lockOwner,omitempty"`
	LockCreated          time.Time `json:"lockCreated,omitempty"`
	IsTrashed            bool      `json:"isTrashed,omitempty"`
}

// DocUID returns the document UID embedded in a filesystem item reference
// of the form "factory#repository#uid".
func DocUID(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '#' {
			return ref[i+1:]
		}
	}
	return ref
}
