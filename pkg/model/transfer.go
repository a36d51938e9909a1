package model

import "time"

// TransferStatus is the lifecycle status of an upload or a download
type TransferStatus string

const (
	TransferTodo      TransferStatus = "TODO"
	TransferOngoing   TransferStatus = "ONGOING"
	TransferPaused    TransferStatus = "PAUSED"
	TransferSuspended TransferStatus = "SUSPENDED"
	TransferDone      TransferStatus = "DONE"
	TransferCancelled TransferStatus = "CANCELLED"
)

// Nature of a transfer row
const (
	NatureDownload = "download"
	NatureUpload   = "upload"
)

// IsActive reports whether a processor may keep working on the transfer
func (s TransferStatus) IsActive() bool {
	return s == TransferOngoing || s == TransferDone
}

// Download tracks a resumable download
type Download struct {
	UID      int64
	Path     string
	Status   TransferStatus
	Engine   string
	Progress float64
	Filesize int64
	DocPair  int64
	TmpName  string
	URL      string
}

// Upload tracks a resumable chunked upload
type Upload struct {
	UID              int64
	Path             string
	Status           TransferStatus
	Engine           string
	Progress         float64
	Filesize         int64
	DocPair          int64
	Batch            string
	ChunkSize        int64
	UploadedChunks   []int
	RemoteParentRef  string
	RemoteParentPath string
}

// Session groups direct transfer items uploaded together
type Session struct {
	UID          int64
	RemoteRef    string
	RemotePath   string
	Status       string
	Uploaded     int
	Total        int
	Engine       string
	CreatedOn    time.Time
	CompletedOn  time.Time
	Description  string
	PlannedItems int
}

// DirectTransferItem is one planned item of a direct transfer session
type DirectTransferItem struct {
	LocalPath         string
	LocalParentPath   string
	LocalName         string
	Folderish         bool
	Size              int64
	RemoteParentPath  string
	RemoteParentRef   string
	DuplicateBehavior string
}
