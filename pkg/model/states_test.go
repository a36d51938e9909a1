package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairStateForSpecTable(t *testing.T) {
	cases := []struct {
		local    LocalState
		remote   RemoteState
		expected PairState
	}{
		{LocalUnknown, RemoteUnknown, PairUnknown},
		{LocalUnknown, RemoteCreated, PairRemotelyCreated},
		{LocalUnknown, RemoteModified, PairRemotelyModified},
		{LocalUnknown, RemoteDeleted, PairRemotelyDeleted},
		{LocalUnknown, RemoteSynchronized, PairSynchronized},
		{LocalCreated, RemoteUnknown, PairLocallyCreated},
		{LocalCreated, RemoteCreated, PairConflicted},
		{LocalCreated, RemoteDeleted, PairLocallyCreated},
		{LocalModified, RemoteUnknown, PairLocallyModified},
		{LocalModified, RemoteModified, PairConflicted},
		{LocalModified, RemoteDeleted, PairLocallyCreated},
		{LocalModified, RemoteSynchronized, PairLocallyModified},
		{LocalMoved, RemoteModified, PairLocallyMovedRemotelyModified},
		{LocalMoved, RemoteSynchronized, PairLocallyMoved},
		{LocalDeleted, RemoteUnknown, PairLocallyDeleted},
		{LocalDeleted, RemoteCreated, PairRemotelyCreated},
		{LocalDeleted, RemoteModified, PairRemotelyCreated},
		{LocalDeleted, RemoteDeleted, PairDeleted},
		{LocalDeleted, RemoteSynchronized, PairLocallyDeleted},
	}

	for _, tc := range cases {
		got, ok := PairStateFor(tc.local, tc.remote)
		assert.True(t, ok, "%s/%s should be mapped", tc.local, tc.remote)
		assert.Equal(t, tc.expected, got, "%s/%s", tc.local, tc.remote)
	}
}

func TestPairStateForUnmapped(t *testing.T) {
	got, ok := PairStateFor(LocalMoved, RemoteTodo)
	assert.False(t, ok)
	assert.Equal(t, PairUnknown, got)

	got, ok = PairStateFor(LocalSynchronized, RemoteCreated)
	assert.False(t, ok)
	assert.Equal(t, PairUnknown, got)
}

func TestPairStateClassification(t *testing.T) {
	assert.False(t, PairSynchronized.IsProcessable())
	assert.False(t, PairUnsynchronized.IsProcessable())
	assert.False(t, PairConflicted.IsProcessable())
	assert.False(t, PairState("parent_locally_created").IsProcessable())
	assert.True(t, PairLocallyCreated.IsProcessable())
	assert.True(t, PairRemotelyDeleted.IsProcessable())

	assert.True(t, PairLocallyMovedCreated.IsLocal())
	assert.True(t, PairDirectTransfer.IsLocal())
	assert.True(t, PairRemotelyModified.IsRemote())
	assert.False(t, PairDeleted.IsRemote())
	assert.True(t, PairLocallyDeleted.IsDeletion())
}

func TestDigestStatus(t *testing.T) {
	assert.Equal(t, DigestOK, StatusOfDigest("d41d8cd98f00b204e9800998ecf8427e"))
	assert.Equal(t, "md5", DigestAlgorithm("d41d8cd98f00b204e9800998ecf8427e"))
	assert.Equal(t, "sha256", DigestAlgorithm("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"))
	assert.Equal(t, DigestRemoteEmpty, StatusOfDigest(""))
	assert.Equal(t, DigestAsync, StatusOfDigest("notInBinaryStore"))
	assert.Equal(t, DigestAsync, StatusOfDigest("none"))
	assert.Equal(t, DigestAsync, StatusOfDigest("d41d8cd98f00b204e9800998ecf8427e-1"))
	assert.Equal(t, DigestExotic, StatusOfDigest("abc"))
	assert.Equal(t, DigestExotic, StatusOfDigest("zz41d8cd98f00b204e9800998ecf8427e"))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/a", JoinPath("/", "a"))
	assert.Equal(t, "/a/b", JoinPath("/a", "b"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "/a", ParentPath("/a/b"))
	assert.Equal(t, "", ParentPath("/"))
	assert.True(t, IsDescendant("/a/b", "/a"))
	assert.False(t, IsDescendant("/ab", "/a"))
	assert.True(t, IsDescendant("/ab", "/"))
	assert.Equal(t, "uid-1", DocUID("defaultFileSystemItemFactory#default#uid-1"))
}
