package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// UploadRequest describes a local file to send
type UploadRequest struct {
	// PairID and Path identify the transfer row
	PairID int64
	Path   string

	// AbsPath is the file to read on the client filesystem
	AbsPath string
	Name    string

	RemoteParentRef  string
	RemoteParentPath string
}

type batchInfo struct {
	BatchID string `json:"batchId"`
}

type uploadStatus struct {
	UploadedChunkIDs []int `json:"uploadedChunkIds"`
	ChunkCount       int   `json:"chunkCount"`
}

// StreamFile uploads a new file below req.RemoteParentRef
func (c *Client) StreamFile(ctx context.Context, req UploadRequest, overwrite bool) (*model.RemoteInfo, error) {
	batch, err := c.upload(ctx, req)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"parentId":  req.RemoteParentRef,
		"name":      req.Name,
		"batchId":   batch,
		"fileIdx":   0,
		"overwrite": overwrite,
	}
	var info model.RemoteInfo
	if err := c.execute(ctx, OpCreateFile, params, &info); err != nil {
		return nil, err
	}
	c.forgetUpload(req.Path)
	return &info, nil
}

// StreamUpdate replaces the content of the file ref
func (c *Client) StreamUpdate(ctx context.Context, ref string, req UploadRequest) (*model.RemoteInfo, error) {
	batch, err := c.upload(ctx, req)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"id":       ref,
		"parentId": req.RemoteParentRef,
		"batchId":  batch,
		"fileIdx":  0,
	}
	var info model.RemoteInfo
	if err := c.execute(ctx, OpUpdateFile, params, &info); err != nil {
		return nil, err
	}
	c.forgetUpload(req.Path)
	return &info, nil
}

// MakeFile creates the file name below parentRef with an in-memory content
func (c *Client) MakeFile(ctx context.Context, parentRef, name string, content []byte) (*model.RemoteInfo, error) {
	batch, err := c.newBatch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.sendChunk(ctx, batch, name, bytes.NewReader(content), int64(len(content)), int64(len(content)), 0, 1); err != nil {
		return nil, &UploadError{Path: name, Batch: batch, Err: err}
	}
	params := map[string]interface{}{"parentId": parentRef, "name": name, "batchId": batch, "fileIdx": 0}
	var info model.RemoteInfo
	if err := c.execute(ctx, OpCreateFile, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CancelBatch drops an upload batch and its chunks on the server
func (c *Client) CancelBatch(ctx context.Context, batch string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/v1/upload/"+url.PathEscape(batch), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel batch %s: %w", batch, err)
	}
	return nil
}

func (c *Client) forgetUpload(path string) {
	if c.transfers == nil {
		return
	}
	if err := c.transfers.RemoveTransfer(model.NatureUpload, path); err != nil {
		c.logger.WithError(err).Warnf("Cannot remove the upload of %s", path)
	}
}

func (c *Client) newBatch(ctx context.Context) (string, error) {
	var batch batchInfo
	if err := c.call(ctx, http.MethodPost, "/api/v1/upload", nil, nil, &batch); err != nil {
		return "", fmt.Errorf("failed to create upload batch: %w", err)
	}
	return batch.BatchID, nil
}

func (c *Client) batchStatus(ctx context.Context, batch string) (*uploadStatus, error) {
	var status uploadStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/upload/"+url.PathEscape(batch)+"/0", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// upload sends the content of req.AbsPath and returns the batch holding it.
// The batch and the chunks already sent are stored in the transfer row, a
// later call for the same pair only sends the missing chunks.
func (c *Client) upload(ctx context.Context, req UploadRequest) (string, error) {
	st, err := c.fs.Stat(req.AbsPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", req.AbsPath, err)
	}
	size := st.Size()

	up, err := c.resumableUpload(ctx, req, size)
	if err != nil {
		return "", err
	}

	chunkSize := up.ChunkSize
	count := int((size + chunkSize - 1) / chunkSize)
	if count == 0 {
		count = 1
	}
	sent := make(map[int]bool, len(up.UploadedChunks))
	for _, idx := range up.UploadedChunks {
		sent[idx] = true
	}
	if len(sent) > 0 {
		c.logger.Infof("Resuming upload of %s with batch %s, %d/%d chunks already sent", req.Path, up.Batch, len(sent), count)
	}

	f, err := c.fs.Open(req.AbsPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", req.AbsPath, err)
	}
	defer f.Close()

	for idx := 0; idx < count; idx++ {
		if sent[idx] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		offset := int64(idx) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		body := io.NewSectionReader(f, offset, length)
		if err := c.sendChunk(ctx, up.Batch, req.Name, body, length, size, idx, count); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &UploadError{Path: req.Path, Batch: up.Batch, Chunk: idx, Err: err}
		}

		sent[idx] = true
		up.UploadedChunks = append(up.UploadedChunks, idx)
		up.Progress = float64(len(up.UploadedChunks)) * 100 / float64(count)
		if count > 1 {
			c.logger.Debugf("Sent chunk %d/%d of %s (%s)", idx+1, count, req.Path, humanize.IBytes(uint64(length)))
		}
		if err := c.checkpointUpload(up); err != nil {
			return "", err
		}
	}

	if c.transfers != nil && up.UID != 0 {
		if err := c.transfers.SetTransferStatus(model.NatureUpload, up.UID, model.TransferDone); err != nil {
			return "", err
		}
	}
	return up.Batch, nil
}

// resumableUpload returns the transfer row of req, reusing a stored batch
// when the server still knows it
func (c *Client) resumableUpload(ctx context.Context, req UploadRequest, size int64) (*model.Upload, error) {
	chunkSize := c.chunkSize
	if size <= c.chunkLimit {
		chunkSize = size
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	var up *model.Upload
	if c.transfers != nil && req.PairID != 0 {
		var err error
		if up, err = c.transfers.GetUpload(req.PairID); err != nil {
			return nil, err
		}
	}

	if up != nil {
		if !up.Status.IsActive() {
			return nil, &TransferPausedError{Nature: model.NatureUpload, Path: req.Path, Transfer: up.UID}
		}
		if up.Filesize != size || up.ChunkSize <= 0 {
			c.logger.Infof("Content of %s changed since the upload started, restarting it", req.Path)
			up.Batch = ""
		}
		if up.Batch != "" {
			status, err := c.batchStatus(ctx, up.Batch)
			switch {
			case errors.Is(err, ErrNotFound):
				c.logger.Infof("Batch %s of %s is gone, restarting the upload", up.Batch, req.Path)
				up.Batch = ""
			case err != nil:
				return nil, err
			default:
				up.UploadedChunks = status.UploadedChunkIDs
			}
		}
		if up.Batch == "" {
			batch, err := c.newBatch(ctx)
			if err != nil {
				return nil, err
			}
			up.Batch = batch
			up.ChunkSize = chunkSize
			up.Filesize = size
			up.UploadedChunks = nil
			up.Progress = 0
		}
		up.Status = model.TransferOngoing
		return up, c.transfers.UpdateUpload(up)
	}

	batch, err := c.newBatch(ctx)
	if err != nil {
		return nil, err
	}
	up = &model.Upload{
		Path:             req.Path,
		Status:           model.TransferOngoing,
		Engine:           c.engineUID,
		Filesize:         size,
		DocPair:          req.PairID,
		Batch:            batch,
		ChunkSize:        chunkSize,
		RemoteParentRef:  req.RemoteParentRef,
		RemoteParentPath: req.RemoteParentPath,
	}
	if c.transfers == nil || req.PairID == 0 {
		return up, nil
	}
	if err := c.transfers.RemoveTransfer(model.NatureUpload, req.Path); err != nil {
		return nil, err
	}
	if err := c.transfers.SaveUpload(up); err != nil {
		return nil, err
	}
	if size > c.chunkLimit {
		c.logger.Infof("Uploading %s (%s) in chunks of %s", req.Path,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(chunkSize)))
	}
	return up, nil
}

// checkpointUpload persists the progress and fails with TransferPausedError
// when the row was paused meanwhile
func (c *Client) checkpointUpload(up *model.Upload) error {
	if c.transfers == nil || up.UID == 0 {
		return nil
	}
	current, err := c.transfers.GetUpload(up.DocPair)
	if err != nil {
		return err
	}
	if current != nil && !current.Status.IsActive() {
		up.Status = current.Status
		if err := c.transfers.UpdateUpload(up); err != nil {
			return err
		}
		return &TransferPausedError{Nature: model.NatureUpload, Path: up.Path, Transfer: up.UID}
	}
	return c.transfers.UpdateUpload(up)
}

func (c *Client) sendChunk(ctx context.Context, batch, name string, body io.Reader, length, size int64, idx, count int) error {
	target := c.endpoint("/api/v1/upload/"+url.PathEscape(batch)+"/0", nil)
	req, err := c.newRequest(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	uploadType := "normal"
	if count > 1 {
		uploadType = "chunked"
	}
	req.Header.Set("X-Upload-Type", uploadType)
	req.Header.Set("X-Upload-Chunk-Index", strconv.Itoa(idx))
	req.Header.Set("X-Upload-Chunk-Count", strconv.Itoa(count))
	req.Header.Set("X-File-Name", url.PathEscape(name))
	req.Header.Set("X-File-Size", strconv.FormatInt(size, 10))

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
