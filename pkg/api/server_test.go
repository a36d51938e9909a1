package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	docsync "github.com/TheEntropyCollective/docsync/pkg/sync"
)

type fakeEngine struct {
	mu        sync.Mutex
	uid       string
	name      string
	suspended bool
	conflicts []*model.DocPair
	resolved  map[int64]string
	retried   int
	filters   []string
}

func newFakeEngine(uid, name string) *fakeEngine {
	return &fakeEngine{uid: uid, name: name, resolved: make(map[int64]string)}
}

func (e *fakeEngine) UID() string  { return e.uid }
func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Status() docsync.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return docsync.EngineStatus{UID: e.uid, Name: e.name, Suspended: e.suspended, Conflicts: len(e.conflicts)}
}

func (e *fakeEngine) Suspend() { e.setSuspended(true) }
func (e *fakeEngine) Resume()  { e.setSuspended(false) }

func (e *fakeEngine) setSuspended(suspended bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = suspended
}

func (e *fakeEngine) Conflicts() ([]*model.DocPair, error) { return e.conflicts, nil }
func (e *fakeEngine) Errors() ([]*model.DocPair, error)    { return nil, nil }

func (e *fakeEngine) resolve(id int64, with string) error {
	for _, pair := range e.conflicts {
		if pair.ID == id {
			e.resolved[id] = with
			return nil
		}
	}
	return docsync.ErrNotConflicted
}

func (e *fakeEngine) ResolveWithLocal(id int64) error     { return e.resolve(id, "local") }
func (e *fakeEngine) ResolveWithRemote(id int64) error    { return e.resolve(id, "remote") }
func (e *fakeEngine) ResolveWithDuplicate(id int64) error { return e.resolve(id, "duplicate") }
func (e *fakeEngine) Filters() []string                   { return e.filters }

func (e *fakeEngine) RetryErrors() error {
	e.retried++
	return nil
}

func (e *fakeEngine) AddFilter(path string) error {
	e.filters = append(e.filters, path)
	return nil
}

func (e *fakeEngine) RemoveFilter(path string) error {
	for i, filter := range e.filters {
		if filter == path {
			e.filters = append(e.filters[:i], e.filters[i+1:]...)
		}
	}
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *events.Bus) {
	t.Helper()
	logger := logging.Discard()
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	server, err := NewServer(Options{Listen: "127.0.0.1:0", Version: "1.2.3", Bus: bus, Logger: logger})
	require.NoError(t, err)
	engine := newFakeEngine("uid-1", "work")
	engine.conflicts = []*model.DocPair{{ID: 7, LocalPath: "/a.txt", PairState: model.PairConflicted}}
	server.AddEngine(engine)
	return server, engine, bus
}

func call(t *testing.T, s *Server, method, target string, body interface{}) (int, APIResponse) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, target, &payload)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestNewServerNeedsBus(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestEngineStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, resp := call(t, s, http.MethodGet, "/api/v1/engines", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 1)

	code, resp = call(t, s, http.MethodGet, "/api/v1/engines/work", nil)
	require.Equal(t, http.StatusOK, code)
	status := resp.Data.(map[string]interface{})
	assert.Equal(t, "uid-1", status["uid"])
	assert.Equal(t, float64(1), status["conflicts"])

	code, resp = call(t, s, http.MethodGet, "/api/v1/engines/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown engine")

	_, resp = call(t, s, http.MethodGet, "/api/v1/version", nil)
	assert.Equal(t, "1.2.3", resp.Data.(map[string]interface{})["version"])
}

func TestSuspendAndResume(t *testing.T) {
	s, engine, _ := newTestServer(t)

	code, _ := call(t, s, http.MethodPost, "/api/v1/engines/uid-1/suspend", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, engine.Status().Suspended)

	code, _ = call(t, s, http.MethodPost, "/api/v1/engines/uid-1/resume", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, engine.Status().Suspended)
}

func TestResolveConflict(t *testing.T) {
	s, engine, _ := newTestServer(t)

	code, resp := call(t, s, http.MethodGet, "/api/v1/engines/uid-1/conflicts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Data, 1)

	code, _ = call(t, s, http.MethodPost, "/api/v1/engines/uid-1/conflicts/7/resolve", ResolveRequest{With: "duplicate"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", engine.resolved[7])

	code, resp = call(t, s, http.MethodPost, "/api/v1/engines/uid-1/conflicts/8/resolve", ResolveRequest{With: "local"})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)

	code, _ = call(t, s, http.MethodPost, "/api/v1/engines/uid-1/conflicts/7/resolve", ResolveRequest{With: "both"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestErrorsAndRetry(t *testing.T) {
	s, engine, _ := newTestServer(t)

	_, resp := call(t, s, http.MethodGet, "/api/v1/engines/uid-1/errors", nil)
	assert.Equal(t, []interface{}{}, resp.Data)

	code, _ := call(t, s, http.MethodPost, "/api/v1/engines/uid-1/errors/retry", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, engine.retried)
}

func TestFilters(t *testing.T) {
	s, engine, _ := newTestServer(t)

	code, _ := call(t, s, http.MethodPost, "/api/v1/engines/uid-1/filters", FilterRequest{Path: "/root/ref-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"/root/ref-1"}, engine.filters)

	code, _ = call(t, s, http.MethodPost, "/api/v1/engines/uid-1/filters", FilterRequest{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := call(t, s, http.MethodDelete, "/api/v1/engines/uid-1/filters?path=/root/ref-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, resp.Data)
}

func TestEventStream(t *testing.T) {
	s, _, bus := newTestServer(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, listener) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+listener.Addr().String()+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.clientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{Kind: events.NewConflict, Engine: "uid-1", PairID: 7, Path: "/a.txt"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var received events.Event
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, events.NewConflict, received.Kind)
	assert.Equal(t, int64(7), received.PairID)
	assert.Equal(t, "/a.txt", received.Path)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Zero(t, s.clientCount())
}
