// Package remotetest runs an in-memory document server speaking the protocol
// of the remote package, for tests.
package remotetest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// RefPrefix prefixes the filesystem item reference of every document
const RefPrefix = "fs#default#"

// TopLevelUID is the document backing the top level folder
const TopLevelUID = "top-level"

// ServerVersion is announced by the capability probe
const ServerVersion = "11.1.0"

const maxChanges = 1000

// Ref returns the filesystem item reference of the document uid
func Ref(uid string) string { return RefPrefix + uid }

// UID returns the document uid of a filesystem item reference
func UID(ref string) string { return model.DocUID(ref) }

type item struct {
	uid         string
	parent      string
	name        string
	folder      bool
	content     []byte
	created     time.Time
	modified    time.Time
	contributor string
	trashed     bool
	readOnly    bool
	lockOwner   string
	lockCreated time.Time
}

type event struct {
	id   string
	date int64
	uid  string
	name string
}

type batch struct {
	chunks map[int][]byte
	count  int
	name   string
}

// Server is an in-memory document server
type Server struct {
	*httptest.Server

	user     string
	password string

	mu            sync.Mutex
	items         map[string]*item
	tokens        map[string]bool
	events        []event
	batches       map[string]*batch
	idempotent    map[string][]byte
	lastTick      time.Time
	rootDefs      string
	tooMany       bool
	chunkRequests int
	failChunk     func(batch string, idx int) int
	failOperation func(op string) int
	requests      map[string]int
	token         string
}

// NewServer starts a server accepting user/password
func NewServer(user, password string) *Server {
	s := &Server{
		user:       user,
		password:   password,
		items:      make(map[string]*item),
		tokens:     make(map[string]bool),
		batches:    make(map[string]*batch),
		idempotent: make(map[string][]byte),
		requests:   make(map[string]int),
		rootDefs:   "default:" + TopLevelUID,
	}
	now := s.tick()
	s.items[TopLevelUID] = &item{uid: TopLevelUID, name: "Top level", folder: true, created: now, modified: now, contributor: "system"}
	s.token = uuid.NewString()
	s.tokens[s.token] = true

	s.Server = httptest.NewServer(s.router())
	return s
}

// Token returns a valid token issued at start
func (s *Server) Token() string { return s.token }

// TopLevelRef returns the reference of the top level folder
func (s *Server) TopLevelRef() string { return Ref(TopLevelUID) }

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/authentication/token", s.handleToken).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/api/v1/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/automation/{op}", s.handleOperation).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/upload", s.handleNewBatch).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/upload/{batch}", s.handleCancelBatch).Methods(http.MethodDelete)
	api.HandleFunc("/api/v1/upload/{batch}/{idx}", s.handleChunk).Methods(http.MethodPost)
	api.HandleFunc("/api/v1/upload/{batch}/{idx}", s.handleBatchStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/id/{uid}", s.handleDocument).Methods(http.MethodGet)
	api.HandleFunc("/api/v1/id/{uid}/lock", s.handleLock).Methods(http.MethodPost, http.MethodDelete)
	api.HandleFunc("/api/v1/path/{path:.*}", s.handleDocumentByPath).Methods(http.MethodGet)
	api.HandleFunc("/nxfile/default/{uid}/blobholder:0/{name}", s.handleDownload).Methods(http.MethodGet)
	return r
}

// tick returns a time strictly after the previous one, at millisecond
// resolution, so change events never share a date. Callers hold s.mu or
// run before the server starts.
func (s *Server) tick() time.Time {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastTick) {
		now = s.lastTick.Add(time.Millisecond)
	}
	s.lastTick = now
	return now
}

func (s *Server) record(id, uid string) {
	it := s.items[uid]
	name := ""
	if it != nil {
		name = it.name
	}
	s.events = append(s.events, event{id: id, date: s.tick().UnixMilli(), uid: uid, name: name})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"entity-type": "exception",
		"status":      status,
		"code":        code,
		"message":     message,
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := s.tokens[r.Header.Get("X-Authentication-Token")]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.URL.Query().Get("revoke") == "true" {
		token := r.Header.Get("X-Authentication-Token")
		if !s.tokens[token] {
			writeError(w, http.StatusUnauthorized, "", "invalid token")
			return
		}
		delete(s.tokens, token)
		w.WriteHeader(http.StatusOK)
		return
	}

	user, password, ok := r.BasicAuth()
	if !ok || user != s.user || password != s.password {
		writeError(w, http.StatusUnauthorized, "", "bad credentials")
		return
	}
	token := uuid.NewString()
	s.tokens[token] = true
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, token)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serverVersion": ServerVersion,
		"operations": []string{
			"GetTopLevelFolder", "GetFileSystemItem", "GetChildren", "CreateFolder", "CreateFile",
			"UpdateFile", "Rename", "Move", "Delete", "GetChangeSummary", "Undelete",
		},
	})
}

// alive reports whether the document and all its ancestors are not trashed
func (s *Server) alive(uid string) bool {
	for uid != "" {
		it := s.items[uid]
		if it == nil || it.trashed {
			return false
		}
		uid = it.parent
	}
	return true
}

func (s *Server) readOnly(uid string) bool {
	for uid != "" {
		it := s.items[uid]
		if it == nil {
			return false
		}
		if it.readOnly {
			return true
		}
		uid = it.parent
	}
	return false
}

func (s *Server) remotePath(uid string) string {
	var refs []string
	for uid != "" {
		refs = append([]string{Ref(uid)}, refs...)
		uid = s.items[uid].parent
	}
	return "/" + strings.Join(refs, "/")
}

func digest(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func (s *Server) info(uid string) *model.RemoteInfo {
	it := s.items[uid]
	writable := !s.readOnly(uid)
	info := &model.RemoteInfo{
		UID:                  Ref(uid),
		Path:                 s.remotePath(uid),
		Name:                 it.name,
		Folderish:            it.folder,
		LastModificationTime: it.modified,
		CreationTime:         it.created,
		LastContributor:      it.contributor,
		CanRename:            writable && uid != TopLevelUID,
		CanDelete:            writable && uid != TopLevelUID,
		CanUpdate:            writable && !it.folder,
		CanCreateChild:       writable && it.folder,
		LockOwner:            it.lockOwner,
		LockCreated:          it.lockCreated,
		IsTrashed:            it.trashed,
	}
	if it.parent != "" {
		info.ParentUID = Ref(it.parent)
	}
	if !it.folder {
		info.Digest = digest(it.content)
		info.DigestAlgorithm = "md5"
		info.Size = int64(len(it.content))
		info.DownloadURL = "nxfile/default/" + uid + "/blobholder:0/" + url.PathEscape(it.name)
	}
	return info
}

type operationParams struct {
	ID               string `json:"id"`
	UID              string `json:"uid"`
	ParentID         string `json:"parentId"`
	Name             string `json:"name"`
	Overwrite        bool   `json:"overwrite"`
	BatchID          string `json:"batchId"`
	SrcID            string `json:"srcId"`
	DestID           string `json:"destId"`
	LastSyncDate     int64  `json:"lastSyncDate"`
	LastSyncRootDefs string `json:"lastSyncActiveRootDefinitions"`
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	var body struct {
		Params operationParams `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[op]++

	if s.failOperation != nil {
		if status := s.failOperation(op); status != 0 {
			writeError(w, status, "", "injected failure")
			return
		}
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if cached, ok := s.idempotent[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(cached)
			return
		}
	}

	status, result, code, message := s.apply(op, body.Params)
	if status != http.StatusOK {
		writeError(w, status, code, message)
		return
	}
	raw, _ := json.Marshal(result)
	if key != "" {
		s.idempotent[key] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// apply runs an operation with s.mu held
func (s *Server) apply(op string, p operationParams) (int, interface{}, string, string) {
	switch op {
	case "GetTopLevelFolder":
		return http.StatusOK, s.info(TopLevelUID), "", ""

	case "GetFileSystemItem":
		uid := UID(p.ID)
		if !s.alive(uid) {
			return http.StatusOK, nil, "", ""
		}
		return http.StatusOK, s.info(uid), "", ""

	case "GetChildren":
		uid := UID(p.ID)
		if !s.alive(uid) {
			return http.StatusNotFound, nil, "", "no such folder"
		}
		return http.StatusOK, s.children(uid), "", ""

	case "CreateFolder", "CreateFile":
		parent := UID(p.ParentID)
		if !s.alive(parent) || !s.items[parent].folder {
			return http.StatusNotFound, nil, "", "no such parent"
		}
		if s.readOnly(parent) {
			return http.StatusForbidden, nil, "", "cannot create in a read only folder"
		}
		if p.Overwrite {
			for _, child := range s.children(parent) {
				if child.Name == p.Name && child.Folderish == (op == "CreateFolder") {
					if op == "CreateFile" {
						return s.updateFromBatch(UID(child.UID), p.BatchID)
					}
					return http.StatusOK, child, "", ""
				}
			}
		}
		var content []byte
		if op == "CreateFile" {
			var status int
			var message string
			if content, status, message = s.takeBatch(p.BatchID); status != http.StatusOK {
				return status, nil, "", message
			}
		}
		uid := s.create(parent, p.Name, op == "CreateFolder", content)
		return http.StatusOK, s.info(uid), "", ""

	case "UpdateFile":
		uid := UID(p.ID)
		if !s.alive(uid) {
			return http.StatusNotFound, nil, "", "no such document"
		}
		if s.readOnly(uid) {
			return http.StatusForbidden, nil, "", "read only document"
		}
		return s.updateFromBatch(uid, p.BatchID)

	case "Rename":
		uid := UID(p.ID)
		if !s.alive(uid) {
			return http.StatusNotFound, nil, "", "no such document"
		}
		if s.readOnly(uid) {
			return http.StatusForbidden, nil, "", "read only document"
		}
		s.rename(uid, p.Name)
		return http.StatusOK, s.info(uid), "", ""

	case "Move":
		uid, dest := UID(p.SrcID), UID(p.DestID)
		if !s.alive(uid) || !s.alive(dest) {
			return http.StatusNotFound, nil, "", "no such document"
		}
		if s.readOnly(uid) || s.readOnly(dest) {
			return http.StatusForbidden, nil, "", "read only document"
		}
		s.move(uid, dest, p.Name)
		return http.StatusOK, s.info(uid), "", ""

	case "Delete":
		uid := UID(p.ID)
		if !s.alive(uid) {
			return http.StatusNotFound, nil, "", "no such document"
		}
		if s.readOnly(uid) {
			return http.StatusForbidden, nil, "", "read only document"
		}
		s.trash(uid)
		return http.StatusOK, nil, "", ""

	case "Undelete":
		it := s.items[p.UID]
		if it == nil {
			return http.StatusNotFound, nil, "", "no such document"
		}
		it.trashed = false
		s.record("documentUntrashed", p.UID)
		return http.StatusOK, nil, "", ""

	case "GetChangeSummary":
		return http.StatusOK, s.changeSummary(p.LastSyncDate), "", ""
	}
	return http.StatusNotFound, nil, "", "unknown operation " + op
}

func (s *Server) children(uid string) []*model.RemoteInfo {
	var out []*model.RemoteInfo
	for _, it := range s.items {
		if it.parent == uid && !it.trashed {
			out = append(out, s.info(it.uid))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []*model.RemoteInfo{}
	}
	return out
}

func (s *Server) create(parent, name string, folder bool, content []byte) string {
	uid := uuid.NewString()
	now := s.tick()
	s.items[uid] = &item{
		uid:         uid,
		parent:      parent,
		name:        name,
		folder:      folder,
		content:     content,
		created:     now,
		modified:    now,
		contributor: s.user,
	}
	s.record("documentCreated", uid)
	return uid
}

func (s *Server) updateFromBatch(uid, batchID string) (int, interface{}, string, string) {
	content, status, message := s.takeBatch(batchID)
	if status != http.StatusOK {
		return status, nil, "", message
	}
	s.setContent(uid, content)
	return http.StatusOK, s.info(uid), "", ""
}

func (s *Server) setContent(uid string, content []byte) {
	it := s.items[uid]
	it.content = content
	it.modified = s.tick()
	s.record("documentModified", uid)
}

func (s *Server) rename(uid, name string) {
	it := s.items[uid]
	it.name = name
	it.modified = s.tick()
	s.record("documentModified", uid)
}

func (s *Server) move(uid, dest, name string) {
	it := s.items[uid]
	it.parent = dest
	if name != "" {
		it.name = name
	}
	it.modified = s.tick()
	s.record("documentMoved", uid)
}

func (s *Server) trash(uid string) {
	s.items[uid].trashed = true
	s.record("deleted", uid)
}

func (s *Server) takeBatch(batchID string) ([]byte, int, string) {
	b := s.batches[batchID]
	if b == nil {
		return nil, http.StatusNotFound, "unknown batch " + batchID
	}
	if len(b.chunks) != b.count {
		return nil, http.StatusBadRequest, fmt.Sprintf("batch %s has %d/%d chunks", batchID, len(b.chunks), b.count)
	}
	var buf bytes.Buffer
	for i := 0; i < b.count; i++ {
		buf.Write(b.chunks[i])
	}
	delete(s.batches, batchID)
	return buf.Bytes(), http.StatusOK, ""
}

func (s *Server) changeSummary(lastSyncDate int64) map[string]interface{} {
	syncDate := s.tick().UnixMilli()
	changes := []map[string]interface{}{}
	tooMany := s.tooMany
	for _, ev := range s.events {
		if ev.date <= lastSyncDate || ev.date > syncDate {
			continue
		}
		change := map[string]interface{}{
			"eventId":            ev.id,
			"eventDate":          ev.date,
			"docUuid":            ev.uid,
			"fileSystemItemId":   Ref(ev.uid),
			"fileSystemItemName": ev.name,
		}
		if s.alive(ev.uid) {
			change["fileSystemItem"] = s.info(ev.uid)
		}
		changes = append(changes, change)
	}
	if len(changes) > maxChanges {
		tooMany = true
		changes = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"syncDate":                             syncDate,
		"hasTooManyChanges":                    tooMany,
		"activeSynchronizationRootDefinitions": s.rootDefs,
		"fileSystemChanges":                    changes,
	}
}

func (s *Server) handleNewBatch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := uuid.NewString()
	s.batches[id] = &batch{chunks: make(map[int][]byte)}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"batchId": id})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := mux.Vars(r)["batch"]
	if s.batches[id] == nil {
		writeError(w, http.StatusNotFound, "", "unknown batch")
		return
	}
	delete(s.batches, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["batch"]
	idx, _ := strconv.Atoi(r.Header.Get("X-Upload-Chunk-Index"))
	count, _ := strconv.Atoi(r.Header.Get("X-Upload-Chunk-Count"))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkRequests++
	if s.failChunk != nil {
		if status := s.failChunk(id, idx); status != 0 {
			writeError(w, status, "", "injected chunk failure")
			return
		}
	}
	b := s.batches[id]
	if b == nil {
		writeError(w, http.StatusNotFound, "", "unknown batch")
		return
	}
	if count < 1 || idx < 0 || idx >= count {
		writeError(w, http.StatusBadRequest, "", "bad chunk index")
		return
	}
	name, _ := url.PathUnescape(r.Header.Get("X-File-Name"))
	b.name = name
	b.count = count
	b.chunks[idx] = buf.Bytes()
	writeJSON(w, http.StatusOK, map[string]interface{}{"uploadedChunkIds": b.uploaded(), "chunkCount": b.count})
}

func (b *batch) uploaded() []int {
	ids := make([]int, 0, len(b.chunks))
	for idx := range b.chunks {
		ids = append(ids, idx)
	}
	sort.Ints(ids)
	return ids
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[mux.Vars(r)["batch"]]
	if b == nil {
		writeError(w, http.StatusNotFound, "", "unknown batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uploadedChunkIds": b.uploaded(), "chunkCount": b.count})
}

func (s *Server) document(uid string) map[string]interface{} {
	it := s.items[uid]
	doc := map[string]interface{}{
		"uid":       uid,
		"path":      s.namePath(uid),
		"title":     it.name,
		"type":      "File",
		"folderish": it.folder,
		"isTrashed": it.trashed,
	}
	if it.folder {
		doc["type"] = "Folder"
	}
	if it.lockOwner != "" {
		doc["lockOwner"] = it.lockOwner
		doc["lockCreated"] = it.lockCreated
	}
	return doc
}

func (s *Server) namePath(uid string) string {
	var names []string
	for uid != "" && uid != TopLevelUID {
		it := s.items[uid]
		names = append([]string{it.name}, names...)
		uid = it.parent
	}
	return "/" + strings.Join(names, "/")
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := mux.Vars(r)["uid"]
	if s.items[uid] == nil {
		writeError(w, http.StatusNotFound, "", "no such document")
		return
	}
	writeJSON(w, http.StatusOK, s.document(uid))
}

func (s *Server) handleDocumentByPath(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.findLocked("/" + mux.Vars(r)["path"])
	if !ok {
		writeError(w, http.StatusNotFound, "", "no such document")
		return
	}
	writeJSON(w, http.StatusOK, s.document(uid))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := mux.Vars(r)["uid"]
	it := s.items[uid]
	if it == nil {
		writeError(w, http.StatusNotFound, "", "no such document")
		return
	}
	if r.Method == http.MethodPost {
		if it.lockOwner != "" && it.lockOwner != s.user {
			writeError(w, http.StatusConflict, "", "locked by "+it.lockOwner)
			return
		}
		it.lockOwner, it.lockCreated = s.user, s.tick()
		s.record("documentLocked", uid)
	} else {
		it.lockOwner, it.lockCreated = "", time.Time{}
		s.record("documentUnlocked", uid)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	uid := mux.Vars(r)["uid"]
	it := s.items[uid]
	if it == nil || !s.alive(uid) || it.folder {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "", "no such blob")
		return
	}
	content := append([]byte(nil), it.content...)
	name, modified := it.name, it.modified
	s.mu.Unlock()

	http.ServeContent(w, r, name, modified, bytes.NewReader(content))
}
