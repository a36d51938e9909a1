package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// Filesystem item operations
const (
	OpGetTopLevelFolder = "GetTopLevelFolder"
	OpGetFileSystemItem = "GetFileSystemItem"
	OpGetChildren       = "GetChildren"
	OpCreateFolder      = "CreateFolder"
	OpCreateFile        = "CreateFile"
	OpUpdateFile        = "UpdateFile"
	OpRename            = "Rename"
	OpMove              = "Move"
	OpDelete            = "Delete"
	OpGetChangeSummary  = "GetChangeSummary"
	OpUndelete          = "Undelete"
)

type operationRequest struct {
	Params map[string]interface{} `json:"params"`
}

// execute runs a filesystem item operation. Creations carry an idempotency
// key so a retried request does not create the item twice.
func (c *Client) execute(ctx context.Context, op string, params map[string]interface{}, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/api/v1/automation/"+op, nil), operationRequest{Params: params})
	if err != nil {
		return err
	}
	if op == OpCreateFolder || op == OpCreateFile {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return decodeJSON(resp.Body, out, op)
}

// GetFilesystemRootInfo returns the top level folder of the user
func (c *Client) GetFilesystemRootInfo(ctx context.Context) (*model.RemoteInfo, error) {
	var info model.RemoteInfo
	if err := c.execute(ctx, OpGetTopLevelFolder, map[string]interface{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetFsInfo returns the filesystem item ref. Concurrent calls for the same
// ref share one request. A missing item gives ErrNotFound.
func (c *Client) GetFsInfo(ctx context.Context, ref string) (*model.RemoteInfo, error) {
	v, err, _ := c.fsInfo.Do(ref, func() (interface{}, error) {
		var info *model.RemoteInfo
		if err := c.execute(ctx, OpGetFileSystemItem, map[string]interface{}{"id": ref}, &info); err != nil {
			return nil, err
		}
		if info == nil {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*model.RemoteInfo)
	return &info, nil
}

// TryGetFsInfo is GetFsInfo returning nil for missing items
func (c *Client) TryGetFsInfo(ctx context.Context, ref string) (*model.RemoteInfo, error) {
	info, err := c.GetFsInfo(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return info, err
}

// GetFsChildren lists the children of the folder ref
func (c *Client) GetFsChildren(ctx context.Context, ref string) ([]*model.RemoteInfo, error) {
	var children []*model.RemoteInfo
	if err := c.execute(ctx, OpGetChildren, map[string]interface{}{"id": ref}, &children); err != nil {
		return nil, err
	}
	return children, nil
}

// FindChild returns the child of parentRef named name, nil when there is none
func (c *Client) FindChild(ctx context.Context, parentRef, name string) (*model.RemoteInfo, error) {
	children, err := c.GetFsChildren(ctx, parentRef)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Name == name {
			return child, nil
		}
	}
	return nil, nil
}

// MakeFolder creates the folder name below parentRef
func (c *Client) MakeFolder(ctx context.Context, parentRef, name string, overwrite bool) (*model.RemoteInfo, error) {
	var info model.RemoteInfo
	params := map[string]interface{}{"parentId": parentRef, "name": name, "overwrite": overwrite}
	if err := c.execute(ctx, OpCreateFolder, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Rename renames the item ref
func (c *Client) Rename(ctx context.Context, ref, name string) (*model.RemoteInfo, error) {
	var info model.RemoteInfo
	if err := c.execute(ctx, OpRename, map[string]interface{}{"id": ref, "name": name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Move moves the item ref below newParentRef
func (c *Client) Move(ctx context.Context, ref, newParentRef string) (*model.RemoteInfo, error) {
	return c.Move2(ctx, ref, newParentRef, "")
}

// Move2 moves the item ref below newParentRef and renames it in the same
// request when name is not empty
func (c *Client) Move2(ctx context.Context, ref, newParentRef, name string) (*model.RemoteInfo, error) {
	params := map[string]interface{}{"srcId": ref, "destId": newParentRef}
	if name != "" {
		params["name"] = name
	}
	var info model.RemoteInfo
	if err := c.execute(ctx, OpMove, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete trashes the item ref on the server
func (c *Client) Delete(ctx context.Context, ref, parentRef string) error {
	return c.execute(ctx, OpDelete, map[string]interface{}{"id": ref, "parentId": parentRef}, nil)
}

// Undelete restores a trashed document
func (c *Client) Undelete(ctx context.Context, uid string) error {
	return c.execute(ctx, OpUndelete, map[string]interface{}{"uid": uid}, nil)
}
