package dao

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

func TestAddFilterRemovesSubtree(t *testing.T) {
	dao, queue, _ := newTestDAO(t)
	folder := insertSynced(t, dao, "/F", "ref-f", "ref-root", "/ref-root", true)
	insertSynced(t, dao, "/F/a.txt", "ref-a", "ref-f", "/ref-root/ref-f", false)
	insertSynced(t, dao, "/F/G", "ref-g", "ref-f", "/ref-root/ref-f", true)
	insertSynced(t, dao, "/F/G/b.txt", "ref-b", "ref-g", "/ref-root/ref-f/ref-g", false)
	other := insertSynced(t, dao, "/F2", "ref-f2", "ref-root", "/ref-root", true)
	require.NoError(t, dao.AddPathToScan("/ref-root/ref-f/ref-g"))
	queue.reset()

	require.NoError(t, dao.AddFilter(folder.RemotePath()))

	assert.Equal(t, []string{"/ref-root/ref-f/"}, dao.GetFilters())
	assert.True(t, dao.IsFiltered("/ref-root/ref-f"))
	assert.True(t, dao.IsFiltered("/ref-root/ref-f/ref-g/ref-b"))
	assert.False(t, dao.IsFiltered("/ref-root/ref-f2"), "a sibling sharing the prefix is not filtered")

	count, err := dao.GetCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count, "root, the filtered folder awaiting local deletion and its sibling")

	stored, err := dao.GetStateFromID(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PairRemotelyDeleted, stored.PairState)
	assert.Equal(t, []int64{folder.ID}, queue.ids())

	stored, err = dao.GetStateFromID(other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PairSynchronized, stored.PairState)

	paths, err := dao.GetPathsToScan()
	require.NoError(t, err)
	assert.Empty(t, paths, "pending scans below a filter are dropped")
}

func TestAddFilterReplacesSubFilters(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	require.NoError(t, dao.AddFilter("/ref-root/ref-f/ref-g"))
	require.NoError(t, dao.AddFilter("/ref-root/ref-f/ref-h/"))
	assert.Len(t, dao.GetFilters(), 2)

	require.NoError(t, dao.AddFilter("/ref-root/ref-f"))
	assert.Equal(t, []string{"/ref-root/ref-f/"}, dao.GetFilters())

	require.NoError(t, dao.AddFilter("/ref-root/ref-f/ref-x"), "already covered")
	assert.Len(t, dao.GetFilters(), 1)
}

func TestRemoveFilterSchedulesScan(t *testing.T) {
	dao, _, _ := newTestDAO(t)
	require.NoError(t, dao.AddFilter("/ref-root/ref-f"))

	require.NoError(t, dao.RemoveFilter("/ref-root/ref-f"))
	assert.Empty(t, dao.GetFilters())
	assert.False(t, dao.IsFiltered("/ref-root/ref-f/ref-a"))

	paths, err := dao.GetPathsToScan()
	require.NoError(t, err)
	assert.Equal(t, []string{"/ref-root/ref-f"}, paths)
}

func TestFiltersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	dao, err := NewEngineDAO(path, logging.Discard(), nil)
	require.NoError(t, err)
	require.NoError(t, dao.AddFilter("/ref-root/ref-f"))
	require.NoError(t, dao.Close())

	dao, err = NewEngineDAO(path, logging.Discard(), nil)
	require.NoError(t, err)
	defer dao.Close()
	assert.True(t, dao.IsFiltered("/ref-root/ref-f/child"))
}

func TestPathsToScan(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	require.NoError(t, dao.AddPathToScan("/ref-root/ref-f/ref-g"))
	require.NoError(t, dao.AddPathToScan("/ref-root/ref-f"))
	require.NoError(t, dao.AddPathToScan("/ref-root/ref-f/ref-h"))
	require.NoError(t, dao.AddPathToScan("/ref-root/ref-x"))

	paths, err := dao.GetPathsToScan()
	require.NoError(t, err)
	assert.Equal(t, []string{"/ref-root/ref-f", "/ref-root/ref-x"}, paths)

	require.NoError(t, dao.DeletePathToScan("/ref-root/ref-f"))
	paths, err = dao.GetPathsToScan()
	require.NoError(t, err)
	assert.Equal(t, []string{"/ref-root/ref-x"}, paths)
}

func TestPathsScanned(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	require.NoError(t, dao.AddPathScanned("/ref-root/ref-f"))
	require.NoError(t, dao.AddPathScanned("/ref-root/ref-f"))
	scanned, err := dao.IsPathScanned("/ref-root/ref-f")
	require.NoError(t, err)
	assert.True(t, scanned)

	require.NoError(t, dao.CleanScanned())
	scanned, err = dao.IsPathScanned("/ref-root/ref-f")
	require.NoError(t, err)
	assert.False(t, scanned)
}

func TestUploadLifecycle(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	up := &model.Upload{
		Path:             "/big.bin",
		Status:           model.TransferOngoing,
		Engine:           "engine-1",
		Filesize:         200 << 20,
		DocPair:          42,
		Batch:            "batch-1",
		ChunkSize:        20 << 20,
		UploadedChunks:   []int{0, 1, 2},
		RemoteParentRef:  "ref-root",
		RemoteParentPath: "/ref-root",
	}
	require.NoError(t, dao.SaveUpload(up))
	require.NotZero(t, up.UID)

	up.UploadedChunks = append(up.UploadedChunks, 3)
	up.Progress = 40
	require.NoError(t, dao.UpdateUpload(up))

	stored, err := dao.GetUpload(42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []int{0, 1, 2, 3}, stored.UploadedChunks)
	assert.Equal(t, "batch-1", stored.Batch)
	assert.Equal(t, float64(40), stored.Progress)

	// a crash leaves it ONGOING
	require.NoError(t, dao.SuspendOngoingTransfers())
	stored, err = dao.GetUploadByPath("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, model.TransferSuspended, stored.Status)

	pairs, err := dao.ResumeTransfers()
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, pairs)
	ongoing, err := dao.GetUploads(model.TransferOngoing)
	require.NoError(t, err)
	assert.Len(t, ongoing, 1)

	require.NoError(t, dao.RemoveTransfer(model.NatureUpload, "/big.bin"))
	stored, err = dao.GetUpload(42)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestDownloadLifecycle(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	dl := &model.Download{
		Path:     "/F/a.txt",
		Status:   model.TransferOngoing,
		Engine:   "engine-1",
		Filesize: 5,
		DocPair:  7,
		TmpName:  "/tmp/a.txt.nxpart",
		URL:      "nxfile/default/uid/blobholder:0/a.txt",
	}
	require.NoError(t, dao.SaveDownload(dl))

	require.NoError(t, dao.SetTransferProgress(model.NatureDownload, dl.UID, 50))
	require.NoError(t, dao.SetTransferStatus(model.NatureDownload, dl.UID, model.TransferPaused))
	require.NoError(t, dao.SetTransferDoc(model.NatureDownload, dl.UID, 8))

	stored, err := dao.GetDownload(8)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.TransferPaused, stored.Status)
	assert.Equal(t, float64(50), stored.Progress)
	assert.Equal(t, "/tmp/a.txt.nxpart", stored.TmpName)

	require.NoError(t, dao.SetTransferStatus(model.NatureDownload, dl.UID, model.TransferOngoing))
	require.NoError(t, dao.DeleteOngoingTransfers())
	all, err := dao.GetDownloads("")
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.Error(t, dao.SetTransferStatus("sideways", 1, model.TransferDone))
}

func TestDirectTransferPlanning(t *testing.T) {
	dao, _, _ := newTestDAO(t)

	session, err := dao.CreateSession("/default-domain/workspaces/ws", "ref-ws", 3, "engine-1", "import")
	require.NoError(t, err)

	items := []model.DirectTransferItem{
		{LocalPath: "/home/u/a", LocalName: "a", Folderish: true},
		{LocalPath: "/home/u/a/b.txt", LocalParentPath: "/home/u/a", LocalName: "b.txt", Size: 3},
		{LocalPath: "/home/u/c.txt", LocalName: "c.txt", Size: 4, DuplicateBehavior: "override"},
	}
	n, err := dao.PlanManyDirectTransferItems(items, session, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stored, err := dao.GetDirectTransferItems(session)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "create", stored[0].DuplicateBehavior)
	assert.Equal(t, "override", stored[2].DuplicateBehavior)

	s, err := dao.GetSession(session)
	require.NoError(t, err)
	assert.Equal(t, 3, s.PlannedItems)
	assert.Equal(t, "ref-ws", s.RemoteRef)
}

func TestBackupKeepsThreeCopies(t *testing.T) {
	dao, _, _ := newTestDAO(t)
	dir := filepath.Join(t.TempDir(), "backups")

	for i := int64(0); i < 5; i++ {
		_, err := dao.Backup(dir, 1700000000+i)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "engine.db_1700000002", entries[0].Name())

	restored, err := NewEngineDAO(filepath.Join(dir, "engine.db_1700000004"), logging.Discard(), nil)
	require.NoError(t, err)
	defer restored.Close()
	pair, err := restored.GetStateFromLocal(model.RootPath)
	require.NoError(t, err)
	assert.NotNil(t, pair)
}

func TestManagerDAO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manager.db")
	m, err := NewManagerDAO(path, logging.Discard())
	require.NoError(t, err)

	device := m.DeviceID()
	assert.NotEmpty(t, device)

	def, err := m.AddEngine("NXDRIVE", "server", "/home/u/Docs")
	require.NoError(t, err)
	_, err = m.AddEngine("NXDRIVE", "other", "/home/u/Docs")
	assert.Error(t, err, "one engine per local folder")

	require.NoError(t, m.UpdateEnginePath(def.UID, "/home/u/Moved"))
	got, err := m.GetEngine("server")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/home/u/Moved", got.LocalFolder)
	require.NoError(t, m.Close())

	m, err = NewManagerDAO(path, logging.Discard())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, device, m.DeviceID(), "the device id is stable")

	require.NoError(t, m.DeleteEngine(def.UID))
	engines, err := m.GetEngines()
	require.NoError(t, err)
	assert.Empty(t, engines)
}
