package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/events"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote/remotetest"
)

// conflicted returns a fixture whose /F/a.txt holds "A" locally and "B" on
// the server
func conflicted(t *testing.T) (*engineFixture, string, *model.DocPair) {
	t.Helper()
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	f.write(t, "/F/a.txt", "A")
	f.server.UpdateContent(fileUID, []byte("B"))
	f.cycle(t)

	pair := f.pair(t, "/F/a.txt")
	require.Equal(t, model.PairConflicted, pair.PairState)
	return f, fileUID, pair
}

func TestEqualContentIsNotAConflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.write(t, "/a.txt", "same")
	fileUID := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("same"))

	f.cycle(t)

	assert.Empty(t, f.eventsOf(events.NewConflict))
	pair := f.pair(t, "/a.txt")
	assert.Equal(t, model.PairSynchronized, pair.PairState)
	assert.Equal(t, remotetest.Ref(fileUID), pair.RemoteRef)
	ref, err := f.engine.local.GetRemoteID("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, remotetest.Ref(fileUID), ref)
	assert.Equal(t, []string{"a.txt"}, f.server.ChildNames(remotetest.TopLevelUID))
}

func TestResolveWithRemote(t *testing.T) {
	f, fileUID, pair := conflicted(t)

	require.NoError(t, f.engine.ResolveWithRemote(pair.ID))
	drain(f.engine)

	assert.Equal(t, "B", f.read(t, "/F/a.txt"))
	assert.Equal(t, []byte("B"), f.server.Content(fileUID))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
	conflicts, err := f.engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveWithDuplicate(t *testing.T) {
	f, fileUID, pair := conflicted(t)

	require.NoError(t, f.engine.ResolveWithDuplicate(pair.ID))
	drain(f.engine)

	assert.Equal(t, "B", f.read(t, "/F/a.txt"))
	assert.Equal(t, "A", f.read(t, "/F/a (conflict).txt"))
	assert.Equal(t, fileUID, f.remoteUID(t, "/F/a.txt"))
	duplicate := f.remoteUID(t, "/F/a (conflict).txt")
	assert.NotEqual(t, fileUID, duplicate)
	assert.Equal(t, []byte("A"), f.server.Content(duplicate))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a (conflict).txt").PairState)
}

func TestResolveNeedsAConflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.withRemoteFile(t)
	synced := f.pair(t, "/F/a.txt")

	assert.ErrorIs(t, f.engine.ResolveWithLocal(synced.ID), ErrNotConflicted)
	assert.ErrorIs(t, f.engine.ResolveWithRemote(synced.ID), ErrNotConflicted)
	assert.ErrorIs(t, f.engine.ResolveWithDuplicate(12345), ErrNotConflicted)
	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
}

func TestConflictName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.txt", "report (conflict).txt"},
		{"archive.tar.gz", "archive.tar (conflict).gz"},
		{"README", "README (conflict)"},
		{".bashrc", ".bashrc (conflict)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conflictName(tt.name))
		})
	}
}
