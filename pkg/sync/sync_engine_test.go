package sync

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
	"github.com/TheEntropyCollective/docsync/pkg/remote/remotetest"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
	testDevice   = "device-1"
)

// engineFixture binds an engine on a temporary folder to an in-memory
// server. The watchers and the queue are driven by hand.
type engineFixture struct {
	server *remotetest.Server
	engine *Engine
	root   string
	state  string
	attrs  *local.MemoryAttrStore
	bus    *events.Bus
	clock  clockwork.FakeClock
	sync   config.SyncConfig

	events <-chan events.Event
	seen   []events.Event
}

func testSyncConfig() config.SyncConfig {
	cfg := config.DefaultConfig().Sync
	cfg.UseTrash = false
	cfg.BackupInterval = 0
	return cfg
}

// makeWritable gives the write permission back on everything below dir so
// the temporary folders can be removed
func makeWritable(dir string) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			os.Chmod(path, 0o755)
		} else {
			os.Chmod(path, 0o644)
		}
		return nil
	})
}

func newEngineFixture(t *testing.T, mutate func(*config.SyncConfig)) *engineFixture {
	t.Helper()
	server := remotetest.NewServer(testUser, testPassword)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	t.Cleanup(func() { makeWritable(dir) })

	bus := events.NewBus(logging.Discard())
	ch, unsubscribe := bus.Subscribe(1024)
	t.Cleanup(unsubscribe)

	f := &engineFixture{
		server: server,
		root:   filepath.Join(dir, "Docs"),
		state:  filepath.Join(dir, "state", "engine-1.db"),
		attrs:  local.NewMemoryAttrStore(),
		bus:    bus,
		clock:  clockwork.NewFakeClock(),
		sync:   testSyncConfig(),
		events: ch,
	}
	if mutate != nil {
		mutate(&f.sync)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(f.state), 0o755))

	f.engine = f.newEngine(t, "engine-1", f.state)
	require.NoError(t, f.engine.Bind(context.Background()))
	require.NoError(t, f.engine.prepare(context.Background()))
	return f
}

func (f *engineFixture) newEngine(t *testing.T, uid, state string) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		UID:         uid,
		Name:        "Docs",
		LocalFolder: f.root,
		StatePath:   state,
		ServerURL:   f.server.URL,
		User:        testUser,
		DeviceID:    testDevice,
		Token:       f.server.Token(),
		Sync:        f.sync,
		Attrs:       f.attrs,
		Bus:         f.bus,
		Clock:       f.clock,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// drain processes the queue of e until nothing is left, the postponed
// pairs are retried right away
func drain(e *Engine) int {
	ctx := context.Background()
	total := 0
	for i := 0; i < 20; i++ {
		n := e.queue.Drain(ctx, e.processor)
		total += n
		e.queue.RetryAll()
		if n == 0 && e.queue.Size() == 0 {
			break
		}
	}
	return total
}

// cycle runs one local scan, one remote poll and processes the outcome
func cycle(t *testing.T, e *Engine) int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.localWatcher.Scan(ctx))
	require.NoError(t, e.remoteWatcher.Poll(ctx))
	return drain(e)
}

func (f *engineFixture) cycle(t *testing.T) int {
	t.Helper()
	return cycle(t, f.engine)
}

func (f *engineFixture) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *engineFixture) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.abs(path), []byte(content), 0o644))
}

func (f *engineFixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(f.abs(path))
	require.NoError(t, err)
	return string(data)
}

func (f *engineFixture) pair(t *testing.T, path string) *model.DocPair {
	t.Helper()
	pair, err := f.engine.dao.GetStateFromLocal(path)
	require.NoError(t, err)
	require.NotNil(t, pair, "no pair at %s", path)
	return pair
}

func (f *engineFixture) remoteUID(t *testing.T, path string) string {
	t.Helper()
	uid, ok := f.server.Find(path)
	require.True(t, ok, "%s not found on the server", path)
	return uid
}

// eventsOf returns the events of kind published so far
func (f *engineFixture) eventsOf(kind events.Kind) []events.Event {
	for {
		select {
		case ev := <-f.events:
			f.seen = append(f.seen, ev)
			continue
		default:
		}
		break
	}
	var out []events.Event
	for _, ev := range f.seen {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// withRemoteFile creates /F/a.txt holding hello on the server and
// synchronizes it
func (f *engineFixture) withRemoteFile(t *testing.T) (folderUID, fileUID string) {
	t.Helper()
	folderUID = f.server.MakeFolder(remotetest.TopLevelUID, "F")
	fileUID = f.server.MakeFile(folderUID, "a.txt", []byte("hello"))
	f.cycle(t)
	require.Equal(t, "hello", f.read(t, "/F/a.txt"))
	return folderUID, fileUID
}

func TestNewEngineValidatesOptions(t *testing.T) {
	_, err := NewEngine(EngineOptions{LocalFolder: "/tmp/x", StatePath: "/tmp/x.db"})
	assert.Error(t, err)
	_, err = NewEngine(EngineOptions{UID: "e", StatePath: "/tmp/x.db"})
	assert.Error(t, err)
	_, err = NewEngine(EngineOptions{UID: "e", LocalFolder: "/tmp/x"})
	assert.Error(t, err)
}

func TestBindPreparesFolderAndStore(t *testing.T) {
	f := newEngineFixture(t, nil)

	st, err := os.Stat(f.root)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.True(t, f.engine.IsBound())

	marker, err := f.engine.local.GetRootID()
	require.NoError(t, err)
	assert.Equal(t, f.engine.marker, marker)

	root := f.pair(t, model.RootPath)
	assert.Equal(t, f.server.TopLevelRef(), root.RemoteRef)
	assert.Equal(t, model.PairSynchronized, root.PairState)

	store := f.engine.dao
	assert.Equal(t, f.server.URL, store.GetConfig(dao.ConfigServerURL, ""))
	assert.Equal(t, testUser, store.GetConfig(dao.ConfigRemoteUser, ""))
	sealed := store.GetConfig(dao.ConfigRemoteToken, "")
	assert.NotEmpty(t, sealed)
	assert.NotEqual(t, f.server.Token(), sealed, "the token is not stored in clear")
}

func TestBindRefusesFolderOfAnotherEngine(t *testing.T) {
	f := newEngineFixture(t, nil)

	other := f.newEngine(t, "engine-2", filepath.Join(filepath.Dir(f.state), "engine-2.db"))
	err := other.Bind(context.Background())
	assert.ErrorIs(t, err, ErrRootAlreadyBound)
}

func TestStartRequiresBind(t *testing.T) {
	f := newEngineFixture(t, nil)

	unbound := f.newEngine(t, "engine-3", filepath.Join(filepath.Dir(f.state), "engine-3.db"))
	assert.ErrorIs(t, unbound.Start(), ErrNotBound)
	assert.False(t, unbound.IsRunning())
}

func TestEngineReopensWithStoredSettings(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.Close())

	reopened, err := NewEngine(EngineOptions{
		UID:         "engine-1",
		LocalFolder: f.root,
		StatePath:   f.state,
		Sync:        f.sync,
		Attrs:       f.attrs,
		Clock:       f.clock,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, f.server.Token(), reopened.Remote().Token())
	assert.Equal(t, testUser, reopened.Remote().User())
	assert.NoError(t, reopened.prepare(context.Background()))
}

func TestRemoteCreationIsDownloaded(t *testing.T) {
	f := newEngineFixture(t, nil)
	folderUID := f.server.MakeFolder(remotetest.TopLevelUID, "F")
	fileUID := f.server.MakeFile(folderUID, "a.txt", []byte("hello"))

	assert.Positive(t, f.cycle(t))

	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
	ref, err := f.engine.local.GetRemoteID("/F/a.txt")
	require.NoError(t, err)
	assert.Equal(t, remotetest.Ref(fileUID), ref)

	pair := f.pair(t, "/F/a.txt")
	assert.Equal(t, model.PairSynchronized, pair.PairState)
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F").PairState)

	assert.Zero(t, f.cycle(t), "nothing left to do")
}

func TestLocalModificationIsUploaded(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)
	before := f.server.Info(fileUID).LastModificationTime

	f.write(t, "/F/a.txt", "hello world")
	f.cycle(t)

	assert.Equal(t, []byte("hello world"), f.server.Content(fileUID))
	assert.True(t, f.server.Info(fileUID).LastModificationTime.After(before))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
}

func TestLocalRenameOfReadonlyFolderIsRolledBack(t *testing.T) {
	f := newEngineFixture(t, nil)
	folderUID, _ := f.withRemoteFile(t)

	f.server.SetReadOnly(folderUID, true)
	f.cycle(t)
	require.False(t, f.pair(t, "/F").RemoteCanRename)
	assert.True(t, f.engine.local.IsReadonly("/F"))

	_, err := f.engine.local.Rename("/F", "G")
	require.NoError(t, err)
	f.cycle(t)

	assert.DirExists(t, f.abs("/F"))
	assert.NoDirExists(t, f.abs("/G"))
	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
	assert.Equal(t, []string{"F"}, f.server.ChildNames(remotetest.TopLevelUID))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F").PairState)

	readonly := f.eventsOf(events.NewReadonly)
	require.Len(t, readonly, 1)
	assert.Equal(t, "F", readonly[0].Name)
	assert.Equal(t, filepath.Base(f.root), readonly[0].Parent)
}

func TestConcurrentEditsConflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	f.write(t, "/F/a.txt", "A")
	f.server.UpdateContent(fileUID, []byte("B"))
	f.cycle(t)

	pair := f.pair(t, "/F/a.txt")
	assert.Equal(t, model.PairConflicted, pair.PairState)
	conflicts := f.eventsOf(events.NewConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, pair.ID, conflicts[0].PairID)
	assert.Equal(t, "A", f.read(t, "/F/a.txt"))
	assert.Equal(t, []byte("B"), f.server.Content(fileUID))

	listed, err := f.engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, pair.ID, listed[0].ID)

	require.NoError(t, f.engine.ResolveWithLocal(pair.ID))
	drain(f.engine)

	assert.Equal(t, []byte("A"), f.server.Content(fileUID))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
}

func TestRemoteMoveIntoFilteredFolder(t *testing.T) {
	f := newEngineFixture(t, nil)
	filteredUID := f.server.MakeFolder(remotetest.TopLevelUID, "F2")
	fileUID := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("hello"))
	f.cycle(t)
	require.FileExists(t, f.abs("/a.txt"))

	filtered := f.pair(t, "/F2")
	require.NoError(t, f.engine.AddFilter(filtered.RemotePath()))
	drain(f.engine)
	assert.Equal(t, []string{filtered.RemotePath()}, f.engine.Filters())
	assert.NoDirExists(t, f.abs("/F2"))

	f.server.Move(fileUID, filteredUID)
	f.cycle(t)

	assert.NoFileExists(t, f.abs("/a.txt"))
	pair, err := f.engine.dao.GetStateFromLocal("/a.txt")
	require.NoError(t, err)
	assert.Nil(t, pair)
	errorCount, err := f.engine.dao.GetErrorCount(0)
	require.NoError(t, err)
	assert.Zero(t, errorCount)
}

func TestInterruptedUploadResumesAfterCrash(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.SyncConfig) {
		cfg.ChunkSize = 4
		cfg.ChunkLimit = 4
	})
	content := bytes.Repeat([]byte("0123456789"), 4)
	require.NoError(t, os.WriteFile(f.abs("/big.bin"), content, 0o644))

	failed := false
	f.server.FailChunks(func(batch string, idx int) int {
		if idx == 3 && !failed {
			failed = true
			return http.StatusInternalServerError
		}
		return 0
	})

	first := f.engine
	require.NoError(t, first.localWatcher.Scan(context.Background()))
	first.queue.Drain(context.Background(), first.processor)

	pair := f.pair(t, "/big.bin")
	up, err := first.dao.GetUpload(pair.ID)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, model.TransferOngoing, up.Status)
	assert.Equal(t, []int{0, 1, 2}, up.UploadedChunks)
	batch := up.Batch

	// the process dies: the crash flag stays set
	require.NoError(t, first.Close())

	second := f.newEngine(t, "engine-1", f.state)
	assert.True(t, second.dao.GetBool(dao.ConfigCrashed, false))
	require.NoError(t, second.prepare(context.Background()))

	up, err = second.dao.GetUpload(pair.ID)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, model.TransferOngoing, up.Status)
	assert.Equal(t, batch, up.Batch)

	drain(second)

	uid := f.remoteUID(t, "/big.bin")
	assert.Equal(t, content, f.server.Content(uid))
	assert.Equal(t, 11, f.server.ChunkRequests(), "three chunks, the failed one, then the seven left")
	assert.Zero(t, f.server.Batches())

	bound, err := second.dao.GetStateFromLocal("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, model.PairSynchronized, bound.PairState)
	up, err = second.dao.GetUpload(pair.ID)
	require.NoError(t, err)
	assert.Nil(t, up)
}

func TestInvalidNamesAreSanitized(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.server.MakeFile(remotetest.TopLevelUID, "a<b>.txt", []byte("hello"))

	f.cycle(t)

	assert.Equal(t, "hello", f.read(t, "/a-b-.txt"))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/a-b-.txt").PairState)
}

func TestEmptyFileIsSynchronized(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.write(t, "/empty.txt", "")

	f.cycle(t)

	uid := f.remoteUID(t, "/empty.txt")
	assert.Empty(t, f.server.Content(uid))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/empty.txt").PairState)
}

func TestTemporaryFilesAreNotUploaded(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.write(t, "/foo.txt.swp", "draft")
	f.write(t, "/~$report.docx", "lock")

	f.cycle(t)

	_, found := f.server.Find("/foo.txt.swp")
	assert.False(t, found)
	_, found = f.server.Find("/~$report.docx")
	assert.False(t, found)
	pair, err := f.engine.dao.GetStateFromLocal("/foo.txt.swp")
	require.NoError(t, err)
	assert.Nil(t, pair)
}

func TestRetryErrors(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.server.FailOperations(func(op string) int {
		if op == "CreateFolder" {
			return http.StatusBadRequest
		}
		return 0
	})
	require.NoError(t, os.Mkdir(f.abs("/New"), 0o755))

	f.cycle(t)

	failing, err := f.engine.Errors()
	require.NoError(t, err)
	require.Len(t, failing, 1)
	assert.Equal(t, "/New", failing[0].LocalPath)
	assert.Equal(t, f.sync.MaxErrors, failing[0].ErrorCount)
	assert.Len(t, f.eventsOf(events.NewErrorGiveUp), 1)
	assert.Equal(t, 1, f.engine.Status().Errors)

	f.server.FailOperations(nil)
	require.NoError(t, f.engine.RetryErrors())
	drain(f.engine)

	f.remoteUID(t, "/New")
	failing, err = f.engine.Errors()
	require.NoError(t, err)
	assert.Empty(t, failing)
}

func TestEngineStatus(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.withRemoteFile(t)

	status := f.engine.Status()
	assert.Equal(t, "engine-1", status.UID)
	assert.Equal(t, "Docs", status.Name)
	assert.Equal(t, f.root, status.LocalFolder)
	assert.Equal(t, testUser, status.User)
	assert.False(t, status.Running)
	assert.False(t, status.Offline)
	assert.Equal(t, 3, status.Pairs)
	assert.Zero(t, status.Conflicts)
	assert.Zero(t, status.Errors)
	assert.Equal(t, int64(len("hello")), status.Size)
}

func TestCompletionEvents(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("hello"))

	require.NoError(t, f.engine.remoteWatcher.Poll(context.Background()))
	f.engine.checkCompletion()
	started := f.eventsOf(events.SyncStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1, started[0].QueueSize)
	assert.True(t, f.engine.Status().Syncing)

	drain(f.engine)
	f.engine.checkCompletion()
	assert.Len(t, f.eventsOf(events.SyncCompleted), 1)
	assert.False(t, f.engine.Status().Syncing)
	assert.NotZero(t, f.engine.dao.GetInt(dao.ConfigLastSyncDate, 0))

	// idle again, nothing new
	f.engine.checkCompletion()
	assert.Len(t, f.eventsOf(events.SyncCompleted), 1)
}

func TestSuspendAndResume(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Suspend()
	f.engine.Suspend()
	assert.True(t, f.engine.IsSuspended())
	assert.True(t, f.engine.queue.IsPaused())
	assert.Len(t, f.eventsOf(events.SyncSuspended), 1)

	f.engine.Resume()
	assert.False(t, f.engine.IsSuspended())
	assert.False(t, f.engine.queue.IsPaused())
	assert.Len(t, f.eventsOf(events.SyncResumed), 1)
}

func TestStartAndStop(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("hello"))

	require.NoError(t, f.engine.Start())
	assert.True(t, f.engine.IsRunning())
	assert.ErrorIs(t, f.engine.Start(), ErrEngineRunning)
	assert.ErrorIs(t, f.engine.Unbind(context.Background()), ErrEngineRunning)

	assert.Eventually(t, func() bool {
		pair, err := f.engine.dao.GetStateFromLocal("/a.txt")
		return err == nil && pair != nil && pair.PairState == model.PairSynchronized
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hello", f.read(t, "/a.txt"))
	assert.True(t, f.engine.dao.GetBool(dao.ConfigCrashed, false))

	require.NoError(t, f.engine.Stop())
	assert.False(t, f.engine.IsRunning())
	assert.False(t, f.engine.dao.GetBool(dao.ConfigCrashed, false))
	assert.Len(t, f.eventsOf(events.Started), 1)
	assert.Len(t, f.eventsOf(events.Stopped), 1)
}

func TestUnbind(t *testing.T) {
	f := newEngineFixture(t, nil)
	token := f.server.Token()

	require.NoError(t, f.engine.Unbind(context.Background()))

	_, err := os.Stat(f.state)
	assert.True(t, os.IsNotExist(err))
	marker, _ := f.engine.local.GetRootID()
	assert.Empty(t, marker)
	assert.DirExists(t, f.root, "the local copy is kept")

	// the token was revoked
	other := f.newEngine(t, "engine-4", filepath.Join(filepath.Dir(f.state), "engine-4.db"))
	other.remote.SetToken(token)
	_, err = other.remote.GetFilesystemRootInfo(context.Background())
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestBackup(t *testing.T) {
	f := newEngineFixture(t, nil)

	require.NoError(t, f.engine.Backup())
	assert.Equal(t, f.clock.Now().Unix(), f.engine.dao.GetInt(dao.ConfigLastBackup, 0))
	entries, err := os.ReadDir(f.engine.opts.BackupDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
