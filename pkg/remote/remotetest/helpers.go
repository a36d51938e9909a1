package remotetest

import (
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// The methods below act on the server as another client would, each change
// shows up in the change summary.

// MakeFolder creates a folder below parentUID and returns its uid
func (s *Server) MakeFolder(parentUID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(parentUID, name, true, nil)
}

// MakeFile creates a file below parentUID and returns its uid
func (s *Server) MakeFile(parentUID, name string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(parentUID, name, false, append([]byte(nil), content...))
}

// UpdateContent replaces the content of the file uid
func (s *Server) UpdateContent(uid string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setContent(uid, append([]byte(nil), content...))
}

// Rename renames the document uid
func (s *Server) Rename(uid, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rename(uid, name)
}

// Move moves the document uid below newParentUID
func (s *Server) Move(uid, newParentUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.move(uid, newParentUID, "")
}

// Trash puts the document uid in the trash
func (s *Server) Trash(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trash(uid)
}

// SetReadOnly grants only the read permission on uid and its descendants,
// or restores the write permission
func (s *Server) SetReadOnly(uid string, readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[uid].readOnly = readOnly
	s.record("securityUpdated", uid)
}

// LockAs locks the document uid on behalf of owner
func (s *Server) LockAs(uid, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[uid]
	it.lockOwner, it.lockCreated = owner, s.tick()
	s.record("documentLocked", uid)
}

// SetTooManyChanges makes the change summary ask for a full scan
func (s *Server) SetTooManyChanges(tooMany bool) {
	s.mu.Lock()
	s.tooMany = tooMany
	s.mu.Unlock()
}

// SetRootDefinitions changes the active synchronization roots announced in
// the change summary
func (s *Server) SetRootDefinitions(defs string) {
	s.mu.Lock()
	s.rootDefs = defs
	s.mu.Unlock()
}

// FailChunks installs a hook called for every uploaded chunk. A non zero
// status makes the server refuse the chunk with it.
func (s *Server) FailChunks(hook func(batch string, idx int) int) {
	s.mu.Lock()
	s.failChunk = hook
	s.mu.Unlock()
}

// FailOperations installs a hook called for every operation. A non zero
// status makes the server refuse the operation with it.
func (s *Server) FailOperations(hook func(op string) int) {
	s.mu.Lock()
	s.failOperation = hook
	s.mu.Unlock()
}

// ChunkRequests returns the number of chunk uploads received
func (s *Server) ChunkRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkRequests
}

// Requests returns the number of calls of the operation op
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Find returns the uid of the live document at a path of names below the
// top level folder, like "/F/a.txt"
func (s *Server) Find(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(path)
}

func (s *Server) findLocked(path string) (string, bool) {
	uid := TopLevelUID
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		found := ""
		for _, it := range s.items {
			if it.parent == uid && it.name == name && !it.trashed {
				found = it.uid
				break
			}
		}
		if found == "" {
			return "", false
		}
		uid = found
	}
	return uid, true
}

// Content returns the content of the file uid
func (s *Server) Content(uid string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.items[uid]; it != nil {
		return append([]byte(nil), it.content...)
	}
	return nil
}

// Info returns the filesystem item of uid, nil when unknown
func (s *Server) Info(uid string) *model.RemoteInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[uid] == nil {
		return nil
	}
	return s.info(uid)
}

// IsTrashed reports whether the document uid is in the trash
func (s *Server) IsTrashed(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[uid]
	return it != nil && it.trashed
}

// ChildNames lists the names of the live children of uid
func (s *Server) ChildNames(uid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, child := range s.children(uid) {
		names = append(names, child.Name)
	}
	return names
}

// Batches returns the number of upload batches still open
func (s *Server) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}
