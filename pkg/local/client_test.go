package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func newMemClient(t *testing.T, mutate func(*Options)) (*Client, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sync", 0o755))
	opts := Options{
		Fs:     fs,
		Root:   "/sync",
		Attrs:  NewMemoryAttrStore(),
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, fs
}

type brokenTrash struct{}

func (brokenTrash) Put(string) error {
	return fmt.Errorf("cross device: %w", ErrTrashUnavailable)
}

func (brokenTrash) Available() bool { return true }

func TestPathMapping(t *testing.T) {
	c, _ := newMemClient(t, nil)

	assert.Equal(t, "/sync", c.AbsPath("/"))
	assert.Equal(t, "/sync", c.AbsPath(""))
	assert.Equal(t, filepath.Join("/sync", "a", "b.txt"), c.AbsPath("/a/b.txt"))
	assert.Equal(t, "/a/b.txt", c.GetPath(filepath.Join("/sync", "a", "b.txt")))
	assert.Equal(t, "/", c.GetPath("/sync"))
	assert.Equal(t, "", c.GetPath("/elsewhere/a"))
	assert.Equal(t, "", c.GetPath("/sync2/a"))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Fs: afero.NewMemMapFs(), Root: "/x", DigestAlgorithm: "crc32"})
	assert.Error(t, err)
}

func TestNameRules(t *testing.T) {
	assert.Equal(t, "a-b-c-d", SafeFilename("a/b:c?d"))
	assert.Equal(t, "plain name.txt", SafeFilename("plain name.txt"))

	for _, name := range []string{".hidden", "~$report.docx", "backup~", "notes.swp", "FILE.LOCK", "movie.part", "x.nxpart", "Thumbs.db", "desktop.ini", "   ", ""} {
		assert.True(t, IsIgnored(name), name)
	}
	for _, name := range []string{"report.docx", "photo.JPG", "a~b.txt"} {
		assert.False(t, IsIgnored(name), name)
	}

	ignore, delay := IsGeneratedTmpFile("1A2B3C4D")
	assert.True(t, ignore)
	assert.True(t, delay)
	ignore, delay = IsGeneratedTmpFile(".~lock.report.odt#")
	assert.True(t, ignore)
	assert.False(t, delay)
	ignore, _ = IsGeneratedTmpFile("report.odt")
	assert.False(t, ignore)

	assert.Equal(t, "a__1.txt", dedupName("a.txt", 1))
	assert.Equal(t, "folder__2", dedupName("folder", 2))
}

func TestMakeFileAndGetInfo(t *testing.T) {
	c, _ := newMemClient(t, nil)

	ref, err := c.MakeFile("/", "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", ref)

	info, err := c.GetInfo(ref)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", info.Name)
	assert.False(t, info.Folderish)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, helloMD5, info.Digest())

	again, err := c.MakeFile("/", "a.txt", []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, "/a__1.txt", again)

	folder, err := c.MakeFolder("/", "F")
	require.NoError(t, err)
	finfo, err := c.GetInfo(folder)
	require.NoError(t, err)
	assert.True(t, finfo.Folderish)
	assert.Empty(t, finfo.Digest())

	_, err = c.GetInfo("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	missing, err := c.TryGetInfo("/missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetChildrenInfoSkipsIgnored(t *testing.T) {
	c, _ := newMemClient(t, nil)

	for _, name := range []string{"b.txt", ".hidden", "draft.swp", "~$doc.docx"} {
		_, err := c.MakeFile("/", name, []byte("x"))
		require.NoError(t, err)
	}
	_, err := c.MakeFolder("/", "A")
	require.NoError(t, err)

	children, err := c.GetChildrenInfo("/")
	require.NoError(t, err)
	names := make([]string, 0, len(children))
	for _, child := range children {
		names = append(names, child.Name)
	}
	assert.Equal(t, []string{"A", "b.txt"}, names)
	assert.True(t, c.IsIgnoredPath("/A/.git/config"))
	assert.False(t, c.IsIgnoredPath("/A/b.txt"))
}

func TestRemoteIDFollowsRenameAndMove(t *testing.T) {
	c, _ := newMemClient(t, nil)

	ref, err := c.MakeFile("/", "a.txt", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.SetRemoteID(ref, "defaultFileSystemItemFactory#default#uid-a"))

	info, err := c.Rename(ref, "renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, "/renamed.txt", info.Path)
	assert.Equal(t, "defaultFileSystemItemFactory#default#uid-a", info.RemoteRef)

	folder, err := c.MakeFolder("/", "F")
	require.NoError(t, err)
	moved, err := c.Move(info.Path, folder, "")
	require.NoError(t, err)
	assert.Equal(t, "/F/renamed.txt", moved.Path)
	assert.Equal(t, "defaultFileSystemItemFactory#default#uid-a", moved.RemoteRef)
	assert.False(t, c.Exists("/renamed.txt"))

	require.NoError(t, c.RemoveRemoteID(moved.Path))
	id, err := c.GetRemoteID(moved.Path)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRenameDeduplicates(t *testing.T) {
	c, _ := newMemClient(t, nil)

	_, err := c.MakeFile("/", "b.txt", []byte("1"))
	require.NoError(t, err)
	a, err := c.MakeFile("/", "a.txt", []byte("2"))
	require.NoError(t, err)

	info, err := c.Rename(a, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/b__1.txt", info.Path)

	info, err = c.Rename(info.Path, "c/d.txt")
	require.NoError(t, err)
	assert.Equal(t, "/c-d.txt", info.Path)
}

func TestCaseInsensitiveDuplicates(t *testing.T) {
	c, _ := newMemClient(t, func(o *Options) { o.CaseInsensitive = true })

	_, err := c.MakeFile("/", "Report.txt", []byte("1"))
	require.NoError(t, err)

	_, err = c.MakeFile("/", "report.txt", []byte("2"))
	var dup *DuplicateFileError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, ErrDuplicateFile)
	assert.Equal(t, "/Report.txt", dup.Existing)

	name, err := c.GetNewFile("/", "Report.txt")
	require.NoError(t, err)
	assert.Equal(t, "Report__1.txt", name)
}

func TestReadonlyLockBits(t *testing.T) {
	c, _ := newMemClient(t, nil)

	folder, err := c.MakeFolder("/", "F")
	require.NoError(t, err)
	file, err := c.MakeFile(folder, "a.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadonly(folder))
	require.NoError(t, c.SetReadonly(file))
	assert.True(t, c.IsReadonly(folder))

	locked := c.UnlockRef(file, true)
	assert.Equal(t, lockedPath|lockedParent, locked)
	assert.False(t, c.IsReadonly(folder))
	assert.False(t, c.IsReadonly(file))

	c.LockRef(file, locked)
	assert.True(t, c.IsReadonly(folder))
	assert.True(t, c.IsReadonly(file))

	// creating below a readonly folder leaves it readonly
	_, err = c.MakeFile(folder, "b.txt", []byte("y"))
	require.NoError(t, err)
	assert.True(t, c.IsReadonly(folder))

	assert.Equal(t, 0, c.UnlockRef("/F/b.txt", false))
}

func TestDeleteUsesTrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	trash, err := NewFreeDesktopTrash(fs, "/trash")
	require.NoError(t, err)
	trash.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	c, _ := newMemClient(t, func(o *Options) {
		o.Fs = fs
		o.Trash = trash
		o.UseTrash = true
	})
	require.NoError(t, fs.MkdirAll("/sync", 0o755))
	assert.True(t, c.CanUseTrash())

	for i := 0; i < 2; i++ {
		ref, err := c.MakeFile("/", "a.txt", []byte("hello"))
		require.NoError(t, err)
		require.NoError(t, c.Delete(ref))
		assert.False(t, c.Exists(ref))
	}

	exists, err := afero.Exists(fs, "/trash/files/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = afero.Exists(fs, "/trash/files/a.txt.1")
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := afero.ReadFile(fs, "/trash/info/a.txt.trashinfo")
	require.NoError(t, err)
	assert.Equal(t, "[Trash Info]\nPath=/sync/a.txt\nDeletionDate=2024-03-01T12:00:00\n", string(info))
}

func TestDeleteFallsBackWhenTrashUnavailable(t *testing.T) {
	c, _ := newMemClient(t, func(o *Options) {
		o.Trash = brokenTrash{}
		o.UseTrash = true
	})

	folder, err := c.MakeFolder("/", "F")
	require.NoError(t, err)
	_, err = c.MakeFile(folder, "a.txt", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadonly(folder))

	require.NoError(t, c.Delete(folder))
	assert.False(t, c.Exists(folder))

	assert.ErrorIs(t, c.DeleteFinal(folder), ErrNotFound)
}

func TestDigests(t *testing.T) {
	c, _ := newMemClient(t, nil)

	ref, err := c.MakeFile("/", "a.txt", []byte("hello"))
	require.NoError(t, err)

	sha256 := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	digest, err := c.ComputeDigest(context.Background(), ref, "sha256")
	require.NoError(t, err)
	assert.Equal(t, sha256, digest)

	assert.True(t, c.IsEqualDigests(helloMD5, helloMD5, ref))
	assert.True(t, c.IsEqualDigests(helloMD5, sha256, ref))
	assert.False(t, c.IsEqualDigests(helloMD5, "0000000000000000000000000000000000000000", ref))
	assert.False(t, c.IsEqualDigests(helloMD5, "not-a-digest", ref))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ComputeDigest(ctx, ref, "md5")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestUpdateContentKeepsRemoteID(t *testing.T) {
	c, _ := newMemClient(t, nil)

	ref, err := c.MakeFile("/", "a.txt", []byte("old"))
	require.NoError(t, err)
	require.NoError(t, c.SetRemoteID(ref, "ref-a"))

	require.NoError(t, c.UpdateContent(ref, []byte("hello")))

	info, err := c.GetInfo(ref)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, info.Digest())
	assert.Equal(t, "ref-a", info.RemoteRef)

	children, err := c.GetChildrenInfo("/")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestPartialsAndReplace(t *testing.T) {
	c, fs := newMemClient(t, nil)

	partial, err := c.PartialPath("factory#default#uid-1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/sync", PartialsDir, "uid-1", "a.txt.part"), partial)
	require.NoError(t, afero.WriteFile(fs, partial, []byte("hello"), 0o644))

	require.NoError(t, c.ReplaceWith(partial, "/a.txt"))
	info, err := c.GetInfo("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, helloMD5, info.Digest())

	require.NoError(t, c.CleanPartials("factory#default#uid-1"))
	exists, err := afero.DirExists(fs, filepath.Join("/sync", PartialsDir, "uid-1"))
	require.NoError(t, err)
	assert.False(t, exists)

	children, err := c.GetChildrenInfo("/")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestRootIDAndDates(t *testing.T) {
	c, fs := newMemClient(t, nil)

	require.NoError(t, c.CheckXattrSupport())
	require.NoError(t, c.SetRootID("https://server|user|device|engine"))
	id, err := c.GetRootID()
	require.NoError(t, err)
	assert.Equal(t, "https://server|user|device|engine", id)
	require.NoError(t, c.RemoveRootID())
	id, err = c.GetRootID()
	require.NoError(t, err)
	assert.Empty(t, id)

	ref, err := c.MakeFile("/", "a.txt", []byte("x"))
	require.NoError(t, err)
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.ChangeFileDate(ref, when))
	info, err := c.GetInfo(ref)
	require.NoError(t, err)
	assert.True(t, when.Equal(info.LastModification))

	folder, err := c.MakeFolder("/", "F")
	require.NoError(t, err)
	require.NoError(t, c.SetFolderIcon(folder, "/usr/share/icons/docsync.png"))
	content, err := afero.ReadFile(fs, "/sync/F/.directory")
	require.NoError(t, err)
	assert.Contains(t, string(content), "Icon=/usr/share/icons/docsync.png")
}

func TestXattrStoreFollowsRename(t *testing.T) {
	root := t.TempDir()
	c, err := New(Options{Root: root, Logger: logging.Discard()})
	require.NoError(t, err)
	if err := c.CheckXattrSupport(); err != nil {
		t.Skipf("extended attributes unavailable: %v", err)
	}

	ref, err := c.MakeFile("/", "a.txt", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.SetRemoteID(ref, "ref-a"))

	info, err := c.Rename(ref, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "ref-a", info.RemoteRef)
}
