// Package api serves the state of the running engines to local clients: a
// JSON API to query and drive them and a websocket relaying their events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
)

// Engine is the part of an engine the API drives
type Engine interface {
	UID() string
	Name() string
	Status() docsync.EngineStatus
	Suspend()
	Resume()
	Conflicts() ([]*model.DocPair, error)
	Errors() ([]*model.DocPair, error)
	ResolveWithLocal(id int64) error
	ResolveWithRemote(id int64) error
	ResolveWithDuplicate(id int64) error
	RetryErrors() error
	Filters() []string
	AddFilter(remotePath string) error
	RemoveFilter(remotePath string) error
}

// Options configures a Server
type Options struct {
	Listen  string
	Version string
	Bus     *events.Bus
	Logger  *logging.Logger
}

// Server is the local status API
type Server struct {
	listen  string
	version string
	bus     *events.Bus
	logger  *logging.Logger
	router  *mux.Router

	mu      sync.RWMutex
	engines map[string]Engine

	wsUpgrader websocket.Upgrader
	wsMutex    sync.RWMutex
	wsClients  map[*websocket.Conn]chan events.Event
}

// APIResponse wraps every JSON answer
type APIResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ResolveRequest picks the version kept for a conflict
type ResolveRequest struct {
	With string `json:"with"`
}

// FilterRequest names a remote path to filter out
type FilterRequest struct {
	Path string `json:"path"`
}

// NewServer creates the API server, engines are added with AddEngine
func NewServer(opts Options) (*Server, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:8339"
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	s := &Server{
		listen:  opts.Listen,
		version: opts.Version,
		bus:     opts.Bus,
		logger:  opts.Logger.WithComponent("api"),
		engines: make(map[string]Engine),
		wsUpgrader: websocket.Upgrader{
			// only local clients reach the listener
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]chan events.Event),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/engines", s.handleEngines).Methods("GET")
	api.HandleFunc("/engines/{uid}", s.handleEngine).Methods("GET")
	api.HandleFunc("/engines/{uid}/suspend", s.handleSuspend).Methods("POST")
	api.HandleFunc("/engines/{uid}/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/engines/{uid}/conflicts", s.handleConflicts).Methods("GET")
	api.HandleFunc("/engines/{uid}/conflicts/{id:[0-9]+}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/engines/{uid}/errors", s.handleErrors).Methods("GET")
	api.HandleFunc("/engines/{uid}/errors/retry", s.handleRetry).Methods("POST")
	api.HandleFunc("/engines/{uid}/filters", s.handleFilters).Methods("GET")
	api.HandleFunc("/engines/{uid}/filters", s.handleAddFilter).Methods("POST")
	api.HandleFunc("/engines/{uid}/filters", s.handleRemoveFilter).Methods("DELETE")
	api.HandleFunc("/ws", s.handleWebSocket)

	s.router = router
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddEngine exposes an engine
func (s *Server) AddEngine(engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[engine.UID()] = engine
}

// RemoveEngine stops exposing the engine with the given uid
func (s *Server) RemoveEngine(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, uid)
}

// Run serves the API and relays the events until ctx is done
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	relayDone := make(chan struct{})
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	published, unsubscribe := s.bus.Subscribe(1024)
	go func() {
		defer close(relayDone)
		defer unsubscribe()
		s.relayEvents(relayCtx, published)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Status API listening on %s", listener.Addr())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		stopRelay()
		<-relayDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.closeClients()
	<-relayDone
	return err
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (Engine, bool) {
	uid := mux.Vars(r)["uid"]
	s.mu.RLock()
	engine, ok := s.engines[uid]
	if !ok {
		for _, candidate := range s.engines {
			if candidate.Name() == uid {
				engine, ok = candidate, true
				break
			}
		}
	}
	s.mu.RUnlock()
	if !ok {
		sendError(w, fmt.Errorf("unknown engine %s", uid), http.StatusNotFound)
	}
	return engine, ok
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, map[string]string{"version": s.version})
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	statuses := make([]docsync.EngineStatus, 0, len(s.engines))
	for _, engine := range s.engines {
		statuses = append(statuses, engine.Status())
	}
	s.mu.RUnlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	sendJSON(w, statuses)
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	if engine, ok := s.engine(w, r); ok {
		sendJSON(w, engine.Status())
	}
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if engine, ok := s.engine(w, r); ok {
		engine.Suspend()
		sendJSON(w, engine.Status())
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if engine, ok := s.engine(w, r); ok {
		engine.Resume()
		sendJSON(w, engine.Status())
	}
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	pairs, err := engine.Conflicts()
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, nonNil(pairs))
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	pairs, err := engine.Errors()
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, nonNil(pairs))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.RetryErrors(); err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, engine.Status())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		sendError(w, fmt.Errorf("invalid pair id: %w", err), http.StatusBadRequest)
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Errorf("invalid request: %w", err), http.StatusBadRequest)
		return
	}

	switch req.With {
	case "local":
		err = engine.ResolveWithLocal(id)
	case "remote":
		err = engine.ResolveWithRemote(id)
	case "duplicate":
		err = engine.ResolveWithDuplicate(id)
	default:
		sendError(w, fmt.Errorf("cannot resolve with %q, use local, remote or duplicate", req.With), http.StatusBadRequest)
		return
	}
	if errors.Is(err, docsync.ErrNotConflicted) {
		sendError(w, err, http.StatusConflict)
		return
	}
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	s.logger.Infof("Conflict on pair %d resolved with the %s version", id, req.With)
	sendJSON(w, map[string]interface{}{"id": id, "with": req.With})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if engine, ok := s.engine(w, r); ok {
		sendJSON(w, nonNil(engine.Filters()))
	}
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		sendError(w, fmt.Errorf("a remote path is required"), http.StatusBadRequest)
		return
	}
	if err := engine.AddFilter(req.Path); err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, nonNil(engine.Filters()))
}

func (s *Server) handleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		sendError(w, fmt.Errorf("a remote path is required"), http.StatusBadRequest)
		return
	}
	if err := engine.RemoveFilter(path); err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, nonNil(engine.Filters()))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}
