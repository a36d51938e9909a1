package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/dao"
	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
	"github.com/TheEntropyCollective/docsync/pkg/remote/remotetest"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

type fixture struct {
	server *remotetest.Server
	client *Client
	dao    *dao.EngineDAO
	fs     afero.Fs
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	server := remotetest.NewServer(testUser, testPassword)
	t.Cleanup(server.Close)

	store, err := dao.NewEngineDAO(filepath.Join(t.TempDir(), "engine.db"), logging.Discard(), clockwork.NewRealClock())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs := afero.NewMemMapFs()
	opts := Options{
		ServerURL: server.URL,
		User:      testUser,
		Token:     server.Token(),
		DeviceID:  "device-1",
		Fs:        fs,
		Transfers: store,
		EngineUID: "engine-1",
		Logger:    logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	return &fixture{server: server, client: client, dao: store, fs: fs}
}

func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func TestNewValidatesServerURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	client, err := New(Options{ServerURL: "https://example.org/nuxeo/", Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/nuxeo", client.ServerURL())
	assert.Equal(t, "https://example.org/nuxeo/api/v1/id/a%20b", client.endpoint("/api/v1/id/a%20b", nil))
}

func TestTokenLifecycle(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Token = "" })
	ctx := context.Background()

	_, err := f.client.RequestToken(ctx, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, err := f.client.RequestToken(ctx, testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, token, f.client.Token())

	_, err = f.client.GetFilesystemRootInfo(ctx)
	require.NoError(t, err)

	require.NoError(t, f.client.RevokeToken(ctx))
	assert.Empty(t, f.client.Token())

	f.client.SetToken(token)
	_, err = f.client.GetFilesystemRootInfo(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.client.CanUse(OpUndelete))

	caps, err := f.client.FetchCapabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remotetest.ServerVersion, caps.ServerVersion)
	assert.True(t, f.client.CanUse(OpUndelete))
	assert.False(t, f.client.CanUse("Unknown"))
	assert.True(t, f.client.ServerVersionAtLeast("10.10"))
	assert.False(t, f.client.ServerVersionAtLeast("12.0"))
}

func TestFilesystemOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	root, err := f.client.GetFilesystemRootInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.server.TopLevelRef(), root.UID)
	assert.Equal(t, "/"+root.UID, root.Path)
	assert.True(t, root.Folderish)

	folder, err := f.client.MakeFolder(ctx, root.UID, "F", false)
	require.NoError(t, err)
	assert.Equal(t, root.Path+"/"+folder.UID, folder.Path)
	assert.Equal(t, root.UID, folder.ParentUID)

	file, err := f.client.MakeFile(ctx, folder.UID, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, md5Hex([]byte("hello")), file.Digest)
	assert.Equal(t, int64(5), file.Size)
	assert.True(t, file.CanUpdate)

	children, err := f.client.GetFsChildren(ctx, folder.UID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a.txt", children[0].Name)

	child, err := f.client.FindChild(ctx, folder.UID, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, file.UID, child.UID)
	missing, err := f.client.FindChild(ctx, folder.UID, "b.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)

	renamed, err := f.client.Rename(ctx, file.UID, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", renamed.Name)

	moved, err := f.client.Move2(ctx, file.UID, root.UID, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, root.UID, moved.ParentUID)
	assert.Equal(t, "c.txt", moved.Name)

	require.NoError(t, f.client.Delete(ctx, file.UID, root.UID))
	_, err = f.client.GetFsInfo(ctx, file.UID)
	assert.ErrorIs(t, err, ErrNotFound)
	info, err := f.client.TryGetFsInfo(ctx, file.UID)
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.True(t, f.server.IsTrashed(remotetest.UID(file.UID)))

	require.NoError(t, f.client.Undelete(ctx, model.DocUID(file.UID)))
	info, err = f.client.TryGetFsInfo(ctx, file.UID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "c.txt", info.Name)
}

func TestCreateFolderOverwriteReusesExisting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.MakeFolder(ctx, f.server.TopLevelRef(), "F", false)
	require.NoError(t, err)
	_, err = f.client.MakeFolder(ctx, f.server.TopLevelRef(), "F", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, f.server.ChildNames(remotetest.TopLevelUID))
}

func TestReadOnlyFolder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	uid := f.server.MakeFolder(remotetest.TopLevelUID, "F")
	f.server.SetReadOnly(uid, true)

	info, err := f.client.GetFsInfo(ctx, remotetest.Ref(uid))
	require.NoError(t, err)
	assert.False(t, info.CanCreateChild)
	assert.False(t, info.CanRename)

	_, err = f.client.MakeFolder(ctx, remotetest.Ref(uid), "sub", false)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.client.MakeFile(ctx, remotetest.Ref(uid), "a.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetChangesNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.client.GetChanges(ctx, 0, "")
	require.NoError(t, err)
	assert.Empty(t, first.Changes)
	assert.NotEmpty(t, first.ActiveRootDefinitions)

	uid := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("v1"))
	f.server.UpdateContent(uid, []byte("v2"))

	second, err := f.client.GetChanges(ctx, first.SyncDate, first.ActiveRootDefinitions)
	require.NoError(t, err)
	require.Len(t, second.Changes, 2)
	assert.Equal(t, EventModified, second.Changes[0].EventID)
	assert.Equal(t, EventCreated, second.Changes[1].EventID)
	assert.Greater(t, second.Changes[0].EventDate, second.Changes[1].EventDate)
	require.NotNil(t, second.Changes[0].FileSystemItem)
	assert.Equal(t, md5Hex([]byte("v2")), second.Changes[0].FileSystemItem.Digest)
	assert.Greater(t, second.SyncDate, first.SyncDate)

	f.server.Trash(uid)
	third, err := f.client.GetChanges(ctx, second.SyncDate, second.ActiveRootDefinitions)
	require.NoError(t, err)
	require.Len(t, third.Changes, 1)
	assert.Equal(t, EventDeleted, third.Changes[0].EventID)
	assert.Nil(t, third.Changes[0].FileSystemItem)

	f.server.SetTooManyChanges(true)
	fourth, err := f.client.GetChanges(ctx, third.SyncDate, "")
	require.NoError(t, err)
	assert.True(t, fourth.HasTooManyChanges)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.server.FailOperations(func(op string) int {
		if op == OpGetChildren {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	_, err := f.client.GetFsChildren(ctx, f.server.TopLevelRef())
	require.Error(t, err)
	assert.True(t, IsServerUnavailable(err))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)

	ongoing := &HTTPError{Status: http.StatusConflict, Code: "OngoingRequestException"}
	assert.ErrorIs(t, ongoing, ErrOngoingRequest)
	assert.NotErrorIs(t, ongoing, ErrConflict)
	assert.ErrorIs(t, &HTTPError{Status: http.StatusConflict}, ErrConflict)
	assert.False(t, IsServerUnavailable(&HTTPError{Status: http.StatusInternalServerError}))
}

func TestChunkedUploadResumesMissingChunks(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.ChunkSize = 4
		o.ChunkLimit = 4
	})
	ctx := context.Background()
	content := bytes.Repeat([]byte("0123456789"), 4)
	require.NoError(t, afero.WriteFile(f.fs, "/sync/big.bin", content, 0o644))

	failed := false
	f.server.FailChunks(func(batch string, idx int) int {
		if idx == 3 && !failed {
			failed = true
			return http.StatusInternalServerError
		}
		return 0
	})

	req := UploadRequest{
		PairID:          7,
		Path:            "/big.bin",
		AbsPath:         "/sync/big.bin",
		Name:            "big.bin",
		RemoteParentRef: f.server.TopLevelRef(),
	}
	_, err := f.client.StreamFile(ctx, req, false)
	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, 3, uploadErr.Chunk)

	up, err := f.dao.GetUpload(7)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, []int{0, 1, 2}, up.UploadedChunks)
	assert.Equal(t, int64(4), up.ChunkSize)
	assert.Equal(t, model.TransferOngoing, up.Status)

	info, err := f.client.StreamFile(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, md5Hex(content), info.Digest)
	assert.Equal(t, content, f.server.Content(remotetest.UID(info.UID)))

	// 3 accepted, 1 refused, then the 7 missing ones
	assert.Equal(t, 11, f.server.ChunkRequests())
	assert.Equal(t, 0, f.server.Batches())

	up, err = f.dao.GetUpload(7)
	require.NoError(t, err)
	assert.Nil(t, up)
}

func TestUploadRestartsWhenBatchIsGone(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.ChunkSize = 4
		o.ChunkLimit = 4
	})
	ctx := context.Background()
	content := []byte("twelve bytes")
	require.NoError(t, afero.WriteFile(f.fs, "/sync/a.txt", content, 0o644))

	f.server.FailChunks(func(batch string, idx int) int {
		if idx == 1 {
			return http.StatusInternalServerError
		}
		return 0
	})
	req := UploadRequest{PairID: 3, Path: "/a.txt", AbsPath: "/sync/a.txt", Name: "a.txt", RemoteParentRef: f.server.TopLevelRef()}
	_, err := f.client.StreamFile(ctx, req, false)
	require.Error(t, err)

	up, err := f.dao.GetUpload(3)
	require.NoError(t, err)
	require.NotNil(t, up)
	require.NoError(t, f.client.CancelBatch(ctx, up.Batch))

	f.server.FailChunks(nil)
	info, err := f.client.StreamFile(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, content, f.server.Content(remotetest.UID(info.UID)))
}

func TestUploadPausedByUser(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.ChunkSize = 4
		o.ChunkLimit = 4
	})
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(f.fs, "/sync/a.bin", bytes.Repeat([]byte("x"), 16), 0o644))

	f.server.FailChunks(func(batch string, idx int) int {
		if idx == 1 {
			up, err := f.dao.GetUpload(5)
			if err == nil && up != nil {
				f.dao.SetTransferStatus(model.NatureUpload, up.UID, model.TransferPaused)
			}
		}
		return 0
	})
	req := UploadRequest{PairID: 5, Path: "/a.bin", AbsPath: "/sync/a.bin", Name: "a.bin", RemoteParentRef: f.server.TopLevelRef()}
	_, err := f.client.StreamFile(ctx, req, false)
	var paused *TransferPausedError
	require.ErrorAs(t, err, &paused)
	assert.Equal(t, model.NatureUpload, paused.Nature)
	assert.Equal(t, 2, f.server.ChunkRequests())

	_, err = f.client.StreamFile(ctx, req, false)
	require.ErrorAs(t, err, &paused)
}

func TestStreamUpdate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	uid := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("old"))
	require.NoError(t, afero.WriteFile(f.fs, "/sync/a.txt", []byte("new content"), 0o644))

	req := UploadRequest{PairID: 1, Path: "/a.txt", AbsPath: "/sync/a.txt", Name: "a.txt", RemoteParentRef: f.server.TopLevelRef()}
	info, err := f.client.StreamUpdate(ctx, remotetest.Ref(uid), req)
	require.NoError(t, err)
	assert.Equal(t, md5Hex([]byte("new content")), info.Digest)
	assert.Equal(t, []byte("new content"), f.server.Content(uid))
}

func TestDownloadResumesPartialFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	content := bytes.Repeat([]byte("abcdefghij"), 30000)
	uid := f.server.MakeFile(remotetest.TopLevelUID, "big.bin", content)
	info := f.server.Info(uid)

	dest := "/sync/.docsync_partials/" + uid + "/big.bin.part"
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, afero.WriteFile(f.fs, dest, content[:100000], 0o644))
	require.NoError(t, f.dao.SaveDownload(&model.Download{
		Path:     "/big.bin",
		Status:   model.TransferOngoing,
		Filesize: info.Size,
		DocPair:  9,
		TmpName:  dest,
		URL:      f.client.downloadURL(info.DownloadURL),
	}))

	req := DownloadRequest{PairID: 9, Path: "/big.bin", Info: info, Dest: dest}
	require.NoError(t, f.client.StreamContent(ctx, req))

	got, err := afero.ReadFile(f.fs, dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	dl, err := f.dao.GetDownload(9)
	require.NoError(t, err)
	assert.Nil(t, dl)
}

func TestDownloadFreshFile(t *testing.T) {
	f := newFixture(t, nil)
	uid := f.server.MakeFile(remotetest.TopLevelUID, "my file.txt", []byte("hello"))
	info := f.server.Info(uid)
	require.NoError(t, f.fs.MkdirAll("/tmp", 0o755))

	req := DownloadRequest{PairID: 2, Path: "/my file.txt", Info: info, Dest: "/tmp/my file.txt.part"}
	require.NoError(t, f.client.StreamContent(context.Background(), req))
	got, err := afero.ReadFile(f.fs, req.Dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDownloadCorruptedFile(t *testing.T) {
	f := newFixture(t, nil)
	uid := f.server.MakeFile(remotetest.TopLevelUID, "a.txt", []byte("hello"))
	info := f.server.Info(uid)
	info.Digest = md5Hex([]byte("something else"))
	require.NoError(t, f.fs.MkdirAll("/tmp", 0o755))

	req := DownloadRequest{PairID: 4, Path: "/a.txt", Info: info, Dest: "/tmp/a.txt.part"}
	err := f.client.StreamContent(context.Background(), req)
	var corrupted *CorruptedFileError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, info.Digest, corrupted.Expected)
	assert.Equal(t, md5Hex([]byte("hello")), corrupted.Actual)

	exists, err := afero.Exists(f.fs, req.Dest)
	require.NoError(t, err)
	assert.False(t, exists)
	dl, err := f.dao.GetDownload(4)
	require.NoError(t, err)
	assert.Nil(t, dl)
}

func TestDocumentsAndLocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	folder := f.server.MakeFolder(remotetest.TopLevelUID, "My Folder")
	uid := f.server.MakeFile(folder, "a.txt", []byte("x"))

	doc, err := f.client.Fetch(ctx, "/My Folder/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uid, doc.UID)
	assert.Equal(t, "a.txt", doc.Title)

	_, err = f.client.Fetch(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.client.Lock(ctx, uid))
	locked, owner, err := f.client.IsLocked(ctx, uid)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, testUser, owner)

	require.NoError(t, f.client.Unlock(ctx, uid))
	locked, _, err = f.client.IsLocked(ctx, uid)
	require.NoError(t, err)
	assert.False(t, locked)

	f.server.LockAs(uid, "bob")
	assert.ErrorIs(t, f.client.Lock(ctx, uid), ErrConflict)
}
