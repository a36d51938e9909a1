package remote

import (
	"context"
	"sort"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// Change event ids sent by the server
const (
	EventCreated          = "documentCreated"
	EventModified         = "documentModified"
	EventMoved            = "documentMoved"
	EventDeleted          = "deleted"
	EventSecurityUpdated  = "securityUpdated"
	EventLocked           = "documentLocked"
	EventUnlocked         = "documentUnlocked"
	EventRootRegistered   = "rootRegistered"
	EventRootUnregistered = "rootUnregistered"
)

// Change is one entry of a change summary
type Change struct {
	EventID            string            `json:"eventId"`
	EventDate          int64             `json:"eventDate"`
	DocUUID            string            `json:"docUuid"`
	FileSystemItemID   string            `json:"fileSystemItemId"`
	FileSystemItemName string            `json:"fileSystemItemName"`
	FileSystemItem     *model.RemoteInfo `json:"fileSystemItem,omitempty"`
}

// ChangeSummary is the answer to GetChanges
type ChangeSummary struct {
	SyncDate              int64    `json:"syncDate"`
	HasTooManyChanges     bool     `json:"hasTooManyChanges"`
	ActiveRootDefinitions string   `json:"activeSynchronizationRootDefinitions"`
	Changes               []Change `json:"fileSystemChanges"`
}

// GetChanges returns the changes that happened since lastSyncDate, a unix
// time in milliseconds. The changes are sorted newest first.
func (c *Client) GetChanges(ctx context.Context, lastSyncDate int64, lastRootDefinitions string) (*ChangeSummary, error) {
	params := map[string]interface{}{
		"lastSyncDate":                  lastSyncDate,
		"lastSyncActiveRootDefinitions": lastRootDefinitions,
	}
	var summary ChangeSummary
	if err := c.execute(ctx, OpGetChangeSummary, params, &summary); err != nil {
		return nil, err
	}
	sort.SliceStable(summary.Changes, func(i, j int) bool {
		return summary.Changes[i].EventDate > summary.Changes[j].EventDate
	})
	return &summary, nil
}
