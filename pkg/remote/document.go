package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Document is the document view of an item, used for locks and lookups by
// path
type Document struct {
	UID         string    `json:"uid"`
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Folderish   bool      `json:"folderish"`
	IsTrashed   bool      `json:"isTrashed"`
	LockOwner   string    `json:"lockOwner,omitempty"`
	LockCreated time.Time `json:"lockCreated,omitempty"`
}

// Fetch returns the document at a repository path ("/..." ) or with a UID
func (c *Client) Fetch(ctx context.Context, pathOrUID string) (*Document, error) {
	var endpoint string
	if strings.HasPrefix(pathOrUID, "/") {
		endpoint = "/api/v1/path" + escapePath(pathOrUID)
	} else {
		endpoint = "/api/v1/id/" + url.PathEscape(pathOrUID)
	}
	var doc Document
	if err := c.call(ctx, http.MethodGet, endpoint, nil, nil, &doc); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pathOrUID, err)
	}
	return &doc, nil
}

// Lock locks the document uid for the current user
func (c *Client) Lock(ctx context.Context, uid string) error {
	if err := c.call(ctx, http.MethodPost, "/api/v1/id/"+url.PathEscape(uid)+"/lock", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to lock %s: %w", uid, err)
	}
	return nil
}

// Unlock releases the lock of the document uid
func (c *Client) Unlock(ctx context.Context, uid string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/v1/id/"+url.PathEscape(uid)+"/lock", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", uid, err)
	}
	return nil
}

// IsLocked reports whether the document uid is locked, and by whom
func (c *Client) IsLocked(ctx context.Context, uid string) (bool, string, error) {
	doc, err := c.Fetch(ctx, uid)
	if err != nil {
		return false, "", err
	}
	return doc.LockOwner != "", doc.LockOwner, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
