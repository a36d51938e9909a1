package sync

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote/remotetest"
)

func TestScanFindsNewItems(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.abs("/New/Sub"), 0o755))
	f.write(t, "/New/b.txt", "bee")
	f.write(t, "/New/Sub/c.txt", "sea")

	require.NoError(t, f.engine.localWatcher.Scan(context.Background()))

	for _, path := range []string{"/New", "/New/Sub", "/New/b.txt", "/New/Sub/c.txt"} {
		assert.Equal(t, model.PairLocallyCreated, f.pair(t, path).PairState, path)
	}
	assert.Len(t, f.eventsOf(events.LocalScanFinished), 1)

	drain(f.engine)
	assert.Equal(t, []byte("bee"), f.server.Content(f.remoteUID(t, "/New/b.txt")))
	assert.Equal(t, []byte("sea"), f.server.Content(f.remoteUID(t, "/New/Sub/c.txt")))
	ref, err := f.engine.local.GetRemoteID("/New/b.txt")
	require.NoError(t, err)
	assert.Equal(t, remotetest.Ref(f.remoteUID(t, "/New/b.txt")), ref)
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/New/Sub/c.txt").PairState)
}

func TestScanRecordsDeletions(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	require.NoError(t, os.Remove(f.abs("/F/a.txt")))
	require.NoError(t, f.engine.localWatcher.Scan(context.Background()))
	assert.Equal(t, model.PairLocallyDeleted, f.pair(t, "/F/a.txt").PairState)

	drain(f.engine)
	assert.True(t, f.server.IsTrashed(fileUID))
	pair, err := f.engine.dao.GetStateFromLocal("/F/a.txt")
	require.NoError(t, err)
	assert.Nil(t, pair)
}

func TestDeletionWithoutServerDeletionBecomesFilter(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.processor.syncDeletion = false
	folderUID, _ := f.withRemoteFile(t)
	remotePath := f.pair(t, "/F").RemotePath()

	require.NoError(t, os.RemoveAll(f.abs("/F")))
	f.cycle(t)

	assert.False(t, f.server.IsTrashed(folderUID))
	assert.Contains(t, f.engine.Filters(), remotePath)
	pair, err := f.engine.dao.GetStateFromLocal("/F")
	require.NoError(t, err)
	assert.Nil(t, pair)

	// filtered items are not downloaded again
	f.cycle(t)
	assert.NoDirExists(t, f.abs("/F"))

	require.NoError(t, f.engine.RemoveFilter(remotePath))
	f.cycle(t)
	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
}

func TestScanDetectsMoveByRemoteID(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	_, err := f.engine.local.Move("/F/a.txt", model.RootPath, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.localWatcher.Scan(context.Background()))

	pair := f.pair(t, "/a.txt")
	assert.Equal(t, model.PairLocallyMoved, pair.PairState)
	assert.Equal(t, remotetest.Ref(fileUID), pair.RemoteRef)

	drain(f.engine)
	assert.Equal(t, fileUID, f.remoteUID(t, "/a.txt"))
	_, found := f.server.Find("/F/a.txt")
	assert.False(t, found)
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/a.txt").PairState)
}

func TestScanDropsRemoteIDOfCopies(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	// a copy keeping the extended attributes of its source
	f.write(t, "/copy.txt", "hello")
	require.NoError(t, f.engine.local.SetRemoteID("/copy.txt", remotetest.Ref(fileUID)))
	f.cycle(t)

	copied := f.remoteUID(t, "/copy.txt")
	assert.NotEqual(t, fileUID, copied)
	assert.Equal(t, fileUID, f.remoteUID(t, "/F/a.txt"))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/copy.txt").PairState)
}

func TestHandlePathTurnsDeleteAndCreateIntoMove(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.server.MakeFolder(remotetest.TopLevelUID, "F")
	fileUID := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("hello"))
	f.cycle(t)
	watcher := f.engine.localWatcher
	ctx := context.Background()

	// a move done by another program, the attributes are lost
	require.NoError(t, os.Rename(f.abs("/a.txt"), f.abs("/F/a.txt")))
	f.attrs.Forget(f.abs("/a.txt"))

	require.NoError(t, watcher.HandlePath(ctx, "/a.txt"))
	assert.False(t, watcher.IsEmpty(), "the deletion waits for a creation")
	require.NoError(t, watcher.HandlePath(ctx, "/F/a.txt"))
	assert.Zero(t, watcher.moves.Len())

	pair := f.pair(t, "/F/a.txt")
	assert.Equal(t, model.PairLocallyMoved, pair.PairState)
	drain(f.engine)
	assert.Equal(t, fileUID, f.remoteUID(t, "/F/a.txt"))
}

func TestHandlePathConfirmsDeletionAfterWindow(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.withRemoteFile(t)
	watcher := f.engine.localWatcher

	require.NoError(t, os.Remove(f.abs("/F/a.txt")))
	require.NoError(t, watcher.HandlePath(context.Background(), "/F/a.txt"))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)

	f.clock.Advance(defaultDebounce)
	assert.Eventually(t, func() bool {
		pair, err := f.engine.dao.GetStateFromLocal("/F/a.txt")
		return err == nil && pair != nil && pair.PairState == model.PairLocallyDeleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, watcher.moves.Len())
}

func TestHandlePathCreatesUnknownParents(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.abs("/A/B"), 0o755))
	f.write(t, "/A/B/c.txt", "sea")

	require.NoError(t, f.engine.localWatcher.HandlePath(context.Background(), "/A/B/c.txt"))

	assert.Equal(t, model.PairLocallyCreated, f.pair(t, "/A").PairState)
	assert.Equal(t, model.PairLocallyCreated, f.pair(t, "/A/B").PairState)
	assert.Equal(t, model.PairLocallyCreated, f.pair(t, "/A/B/c.txt").PairState)
}

func TestHandlePathSeesModification(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.withRemoteFile(t)

	f.write(t, "/F/a.txt", "hello again")
	require.NoError(t, f.engine.localWatcher.HandlePath(context.Background(), "/F/a.txt"))

	assert.Equal(t, model.PairLocallyModified, f.pair(t, "/F/a.txt").PairState)
}

func TestScanReportsDeletedRoot(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, os.RemoveAll(f.root))

	assert.Error(t, f.engine.localWatcher.Scan(context.Background()))
	gone := f.eventsOf(events.RootDeleted)
	require.Len(t, gone, 1)
	assert.Equal(t, f.root, gone[0].Path)
}

func TestMoveWindowPerPlatform(t *testing.T) {
	if runtime.GOOS == "windows" {
		assert.GreaterOrEqual(t, defaultDebounce, 500*time.Millisecond)
		return
	}
	assert.Equal(t, 100*time.Millisecond, defaultDebounce)
}
