package sync

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
	"github.com/TheEntropyCollective/docsync/pkg/remote/remotetest"
)

func TestFirstPollScansTheWholeTree(t *testing.T) {
	f := newEngineFixture(t, nil)
	folderUID := f.server.MakeFolder(remotetest.TopLevelUID, "F")
	f.server.MakeFile(folderUID, "a.txt", []byte("hello"))
	f.server.MakeFile(remotetest.TopLevelUID, "b.txt", []byte("world"))
	store := f.engine.dao
	require.Zero(t, store.GetInt(dao.ConfigRemoteLastSyncDate, 0))

	require.NoError(t, f.engine.remoteWatcher.Poll(context.Background()))

	assert.Len(t, f.eventsOf(events.RemoteScanFinished), 1)
	assert.NotZero(t, store.GetInt(dao.ConfigRemoteLastSyncDate, 0))
	assert.NotZero(t, store.GetInt(dao.ConfigRemoteLastFullScan, 0))
	assert.False(t, store.GetBool(dao.ConfigRemoteNeedFullScan, true))
	assert.False(t, f.engine.remoteWatcher.LastPoll().IsZero())

	for _, path := range []string{"/F", "/F/a.txt", "/b.txt"} {
		pair := f.pair(t, path)
		assert.Equal(t, model.PairRemotelyCreated, pair.PairState, path)
	}
	// the children of a folder not created yet wait for it
	assert.Equal(t, 2, f.engine.queue.Size())
}

func TestPollAppliesIncrementalChanges(t *testing.T) {
	f := newEngineFixture(t, nil)
	folderUID, fileUID := f.withRemoteFile(t)
	otherUID := f.server.MakeFolder(remotetest.TopLevelUID, "Other")
	f.cycle(t)

	f.server.Rename(fileUID, "renamed.txt")
	f.cycle(t)
	assert.NoFileExists(t, f.abs("/F/a.txt"))
	assert.Equal(t, "hello", f.read(t, "/F/renamed.txt"))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/renamed.txt").PairState)

	f.server.Move(fileUID, otherUID)
	f.cycle(t)
	assert.NoFileExists(t, f.abs("/F/renamed.txt"))
	assert.Equal(t, "hello", f.read(t, "/Other/renamed.txt"))

	f.server.UpdateContent(fileUID, []byte("changed"))
	f.cycle(t)
	assert.Equal(t, "changed", f.read(t, "/Other/renamed.txt"))

	f.server.Trash(folderUID)
	f.cycle(t)
	assert.NoDirExists(t, f.abs("/F"))
	deleted := f.eventsOf(events.DocDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "/F", deleted[0].Path)

	assert.Len(t, f.eventsOf(events.RemoteScanFinished), 1, "only the first poll is a full scan")
}

func TestPollRescansOnTooManyChanges(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.cycle(t)

	f.server.SetTooManyChanges(true)
	f.server.MakeFile(remotetest.TopLevelUID, "late.txt", []byte("late"))
	f.cycle(t)

	assert.Len(t, f.eventsOf(events.RemoteScanFinished), 2)
	assert.Equal(t, "late", f.read(t, "/late.txt"))
}

func TestPollGoesOfflineAndBack(t *testing.T) {
	f := newEngineFixture(t, nil)
	watcher := f.engine.remoteWatcher
	f.server.FailOperations(func(op string) int { return http.StatusServiceUnavailable })

	require.NoError(t, watcher.Poll(context.Background()))
	assert.True(t, watcher.IsOffline())
	assert.True(t, f.engine.Status().Offline)
	assert.Len(t, f.eventsOf(events.Offline), 1)

	// still offline, no new event
	require.NoError(t, watcher.Poll(context.Background()))
	assert.Len(t, f.eventsOf(events.Offline), 1)

	f.server.FailOperations(nil)
	require.NoError(t, watcher.Poll(context.Background()))
	assert.False(t, watcher.IsOffline())
	assert.Len(t, f.eventsOf(events.Online), 1)
}

func TestPollWithRevokedCredentials(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.remote.SetToken("not-a-token")

	err := f.engine.remoteWatcher.Poll(context.Background())

	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	assert.True(t, f.engine.dao.GetBool(dao.ConfigInvalidCredentials, false))
	assert.Len(t, f.eventsOf(events.InvalidAuthentication), 1)
	assert.False(t, f.engine.remoteWatcher.IsOffline())
}

func TestRemoteLockIsReported(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	f.server.LockAs(fileUID, "bob")
	f.cycle(t)

	locked := f.eventsOf(events.NewLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, "bob", locked[0].Owner)
	assert.Equal(t, "/F/a.txt", locked[0].Path)
}

func TestRemoteRestoreFromTrash(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	f.server.Trash(fileUID)
	f.cycle(t)
	require.NoFileExists(t, f.abs("/F/a.txt"))

	// restored from the trash, the document is downloaded again
	require.NoError(t, f.engine.remote.Undelete(context.Background(), fileUID))
	f.cycle(t)
	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
}
