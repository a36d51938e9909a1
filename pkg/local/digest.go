package local

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

const digestBlockSize = 64 * 1024

// ComputeDigest hashes the file at path with the given algorithm. The
// context is checked between blocks so large files can be abandoned.
func (c *Client) ComputeDigest(ctx context.Context, path, algorithm string) (string, error) {
	h := model.NewHash(algorithm)
	if h == nil {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}

	f, err := c.fs.Open(c.AbsPath(path))
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, notFound(path, err))
	}
	defer f.Close()

	buf := make([]byte, digestBlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, rerr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsEqualDigests reports whether the local file matches remoteDigest. When
// the known local digest differs, the file is hashed again with the
// algorithm of the remote digest.
func (c *Client) IsEqualDigests(localDigest, remoteDigest, path string) bool {
	if localDigest != "" && strings.EqualFold(localDigest, remoteDigest) {
		return true
	}
	algorithm := model.DigestAlgorithm(remoteDigest)
	if algorithm == "" {
		return false
	}
	digest, err := c.ComputeDigest(context.Background(), path, algorithm)
	if err != nil {
		c.logger.WithError(err).Debugf("Cannot hash %s", path)
		return false
	}
	return strings.EqualFold(digest, remoteDigest)
}
