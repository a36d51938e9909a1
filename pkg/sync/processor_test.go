package sync

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

func TestEditDuringUploadIsNotLost(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	var edited bool
	var editErr error
	f.server.FailOperations(func(op string) int {
		if op != "UpdateFile" || edited {
			return 0
		}
		edited = true
		editErr = os.WriteFile(f.abs("/F/a.txt"), []byte("v3"), 0o644)
		if editErr == nil {
			editErr = f.engine.localWatcher.HandlePath(context.Background(), "/F/a.txt")
		}
		return 0
	})

	f.write(t, "/F/a.txt", "v2")
	f.cycle(t)

	require.True(t, edited)
	require.NoError(t, editErr)
	assert.Equal(t, "v3", f.read(t, "/F/a.txt"))
	assert.Equal(t, []byte("v3"), f.server.Content(fileUID))
	assert.Equal(t, model.PairSynchronized, f.pair(t, "/F/a.txt").PairState)
}

func TestComputingRemoteDigestUnsynchronizes(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, fileUID := f.withRemoteFile(t)

	pair := f.pair(t, "/F/a.txt")
	info := f.server.Info(fileUID)
	info.Digest = "none"
	pair.RemoteState = model.RemoteModified
	_, err := f.engine.dao.UpdateRemoteState(pair, info, dao.RemoteUpdateOptions{UpdateOptions: dao.DefaultUpdate})
	require.NoError(t, err)
	require.Equal(t, model.PairRemotelyModified, pair.PairState)

	drain(f.engine)

	stored := f.pair(t, "/F/a.txt")
	assert.Equal(t, model.PairUnsynchronized, stored.PairState)
	assert.Equal(t, string(model.DigestAsync), stored.LastError)
	assert.True(t, f.engine.queue.IsIdle(), "nothing is left waiting for a retry")
	assert.Equal(t, "hello", f.read(t, "/F/a.txt"))
}

func TestCheckRemoteDigest(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.withRemoteFile(t)

	tests := []struct {
		digest string
		skip   bool
		reason model.DigestStatus
	}{
		{"5d41402abc4b2a76b9719d911017c592", false, ""},
		{"", true, model.DigestRemoteEmpty},
		{"none", true, model.DigestAsync},
		{"5d41402abc4b2a76b9719d911017c592-2", true, model.DigestAsync},
		{"abc", true, model.DigestExotic},
	}
	for _, tt := range tests {
		t.Run(tt.digest, func(t *testing.T) {
			pair := f.pair(t, "/F/a.txt")
			pair.PairState = model.PairRemotelyModified
			pair.RemoteDigest = tt.digest

			skip, err := f.engine.processor.checkRemoteDigest(pair)
			require.NoError(t, err)
			assert.Equal(t, tt.skip, skip)
			if tt.skip {
				assert.Equal(t, model.PairUnsynchronized, f.pair(t, "/F/a.txt").PairState)
				assert.Equal(t, string(tt.reason), pair.LastError)
			}
		})
	}
}
