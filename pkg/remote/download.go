package remote

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

const (
	downloadBlockSize = 64 * 1024

	// progress is saved, and the pause flag checked, every checkpointBlocks
	checkpointBlocks = 16
)

// DownloadRequest describes a remote file to fetch
type DownloadRequest struct {
	// PairID and Path identify the transfer row
	PairID int64
	Path   string

	Info *model.RemoteInfo

	// Dest is the partial file written on the client filesystem. A partial
	// file left by an interrupted download is continued.
	Dest string
}

// StreamContent downloads req.Info into req.Dest and checks its digest
func (c *Client) StreamContent(ctx context.Context, req DownloadRequest) error {
	if req.Info == nil || req.Info.DownloadURL == "" {
		return fmt.Errorf("no download URL for %s", req.Path)
	}
	target := c.downloadURL(req.Info.DownloadURL)

	dl, offset, err := c.resumableDownload(req, target)
	if err != nil {
		return err
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "*/*")
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", req.Path, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
		c.logger.Infof("Resuming download of %s at %s", req.Path, humanize.IBytes(uint64(offset)))
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	out, err := c.fs.OpenFile(req.Dest, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", req.Dest, err)
	}
	written, copyErr := c.copyBody(ctx, out, resp.Body, dl, offset, req)
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return copyErr
	}

	if err := c.verifyDownload(req); err != nil {
		c.fs.Remove(req.Dest)
		c.forgetDownload(req.Path)
		return err
	}
	c.forgetDownload(req.Path)
	c.logger.Debugf("Downloaded %s (%s)", req.Path, humanize.IBytes(uint64(offset+written)))
	return nil
}

func (c *Client) downloadURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return c.endpoint("/"+strings.TrimPrefix(raw, "/"), nil)
}

// resumableDownload returns the transfer row of req and the offset to
// continue from
func (c *Client) resumableDownload(req DownloadRequest, target string) (*model.Download, int64, error) {
	if c.transfers == nil || req.PairID == 0 {
		return nil, 0, nil
	}
	dl, err := c.transfers.GetDownload(req.PairID)
	if err != nil {
		return nil, 0, err
	}
	if dl != nil {
		if !dl.Status.IsActive() {
			return nil, 0, &TransferPausedError{Nature: model.NatureDownload, Path: req.Path, Transfer: dl.UID}
		}
		if dl.TmpName == req.Dest && dl.URL == target {
			if st, err := c.fs.Stat(req.Dest); err == nil && st.Size() <= req.Info.Size {
				return dl, st.Size(), nil
			}
			return dl, 0, nil
		}
		if err := c.transfers.RemoveTransfer(model.NatureDownload, dl.Path); err != nil {
			return nil, 0, err
		}
	}

	dl = &model.Download{
		Path:     req.Path,
		Status:   model.TransferOngoing,
		Engine:   c.engineUID,
		Filesize: req.Info.Size,
		DocPair:  req.PairID,
		TmpName:  req.Dest,
		URL:      target,
	}
	if err := c.transfers.SaveDownload(dl); err != nil {
		return nil, 0, err
	}
	return dl, 0, nil
}

func (c *Client) copyBody(ctx context.Context, out io.Writer, body io.Reader, dl *model.Download, offset int64, req DownloadRequest) (int64, error) {
	buf := make([]byte, downloadBlockSize)
	var written int64
	for blocks := 1; ; blocks++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write %s: %w", req.Dest, err)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &ConnectionError{Op: "download " + req.Path, Err: rerr}
		}

		if dl != nil && blocks%checkpointBlocks == 0 {
			if err := c.checkpointDownload(dl, offset+written, req); err != nil {
				return written, err
			}
		}
	}
}

func (c *Client) checkpointDownload(dl *model.Download, done int64, req DownloadRequest) error {
	if dl.Filesize > 0 {
		progress := float64(done) * 100 / float64(dl.Filesize)
		if err := c.transfers.SetTransferProgress(model.NatureDownload, dl.UID, progress); err != nil {
			return err
		}
	}
	current, err := c.transfers.GetDownload(dl.DocPair)
	if err != nil {
		return err
	}
	if current != nil && current.Status != model.TransferOngoing {
		return &TransferPausedError{Nature: model.NatureDownload, Path: req.Path, Transfer: dl.UID}
	}
	return nil
}

func (c *Client) verifyDownload(req DownloadRequest) error {
	algorithm := req.Info.DigestAlgorithm
	if algorithm == "" {
		algorithm = model.DigestAlgorithm(req.Info.Digest)
	}
	h := model.NewHash(strings.ToLower(algorithm))
	if h == nil || req.Info.Digest == "" {
		return nil
	}

	f, err := c.fs.Open(req.Dest)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", req.Dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", req.Dest, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, req.Info.Digest) {
		return &CorruptedFileError{Path: req.Path, Expected: req.Info.Digest, Actual: actual}
	}
	return nil
}

func (c *Client) forgetDownload(path string) {
	if c.transfers == nil {
		return
	}
	if err := c.transfers.RemoveTransfer(model.NatureDownload, path); err != nil {
		c.logger.WithError(err).Warnf("Cannot remove the download of %s", path)
	}
}
