// Package local gives the synchronization engine access to the local copy of
// a synchronized folder. Every path handled by the client is relative to the
// engine root, slash separated and rooted at "/".
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// PartialsDir is the folder below the root that receives downloads in
// progress. Its name is ignored by the watchers.
const PartialsDir = ".docsync_partials"

// Options configures a Client
type Options struct {
	// Fs defaults to the OS filesystem
	Fs afero.Fs

	// Root is the absolute path of the synchronized folder
	Root string

	// Attrs defaults to extended attributes on the OS filesystem and to an
	// in-memory store otherwise
	Attrs AttrStore

	// Trash defaults to the freedesktop.org home trash
	Trash    Trash
	UseTrash bool

	// CaseInsensitive makes names differing only by case collide
	CaseInsensitive bool

	// DigestAlgorithm is used for local digests, md5 by default
	DigestAlgorithm string

	Logger *logging.Logger
}

// Client reads and writes the local side of an engine
type Client struct {
	fs              afero.Fs
	root            string
	attrs           AttrStore
	trash           Trash
	useTrash        bool
	caseInsensitive bool
	algorithm       string
	logger          *logging.Logger
}

// New creates a client rooted at opts.Root
func New(opts Options) (*Client, error) {
	if opts.Root == "" {
		return nil, errors.New("root cannot be empty")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Attrs == nil {
		if _, ok := opts.Fs.(*afero.OsFs); ok {
			opts.Attrs = NewXattrStore()
		} else {
			opts.Attrs = NewMemoryAttrStore()
		}
	}
	if opts.Trash == nil && opts.UseTrash {
		trash, err := NewFreeDesktopTrash(opts.Fs, "")
		if err != nil {
			return nil, err
		}
		opts.Trash = trash
	}
	if opts.DigestAlgorithm == "" {
		opts.DigestAlgorithm = "md5"
	}
	if model.NewHash(opts.DigestAlgorithm) == nil {
		return nil, fmt.Errorf("unsupported digest algorithm %q", opts.DigestAlgorithm)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	return &Client{
		fs:              opts.Fs,
		root:            filepath.Clean(opts.Root),
		attrs:           opts.Attrs,
		trash:           opts.Trash,
		useTrash:        opts.UseTrash,
		caseInsensitive: opts.CaseInsensitive,
		algorithm:       opts.DigestAlgorithm,
		logger:          opts.Logger.WithComponent("local"),
	}, nil
}

// Root returns the absolute path of the synchronized folder
func (c *Client) Root() string { return c.root }

// Fs returns the underlying filesystem
func (c *Client) Fs() afero.Fs { return c.fs }

// DigestAlgorithm returns the algorithm of the local digests
func (c *Client) DigestAlgorithm() string { return c.algorithm }

// AbsPath converts a state store path to an absolute filesystem path
func (c *Client) AbsPath(ref string) string {
	if ref == "" || ref == model.RootPath {
		return c.root
	}
	return filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(ref, "/")))
}

// GetPath converts an absolute filesystem path back to a state store path.
// It returns an empty string for paths outside of the root.
func (c *Client) GetPath(abs string) string {
	rel, err := filepath.Rel(c.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	if rel == "." {
		return model.RootPath
	}
	return model.RootPath + filepath.ToSlash(rel)
}

// Exists reports whether something exists at ref
func (c *Client) Exists(ref string) bool {
	_, err := c.fs.Stat(c.AbsPath(ref))
	return err == nil
}

// GetInfo describes the item at ref. Missing items give ErrNotFound.
func (c *Client) GetInfo(ref string) (*model.LocalInfo, error) {
	abs := c.AbsPath(ref)
	st, err := c.fs.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", ref, notFound(ref, err))
	}
	return c.infoFromStat(ref, st), nil
}

// TryGetInfo is GetInfo returning nil for missing items
func (c *Client) TryGetInfo(ref string) (*model.LocalInfo, error) {
	info, err := c.GetInfo(ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return info, err
}

func (c *Client) infoFromStat(ref string, st os.FileInfo) *model.LocalInfo {
	name := path.Base(ref)
	if ref == model.RootPath {
		name = filepath.Base(c.root)
	}
	folderish := st.IsDir()
	var size int64
	if !folderish {
		size = st.Size()
	}

	info := model.NewLocalInfo(ref, name, folderish, size, st.ModTime().UTC(), func() (string, error) {
		return c.ComputeDigest(context.Background(), ref, c.algorithm)
	})
	info.CreationTime = st.ModTime().UTC()
	if remoteID, err := c.GetRemoteID(ref); err == nil {
		info.RemoteRef = remoteID
	}
	return info
}

// GetChildrenInfo lists the children of the folder at ref, leaving out the
// ignored names. The result is sorted by name.
func (c *Client) GetChildrenInfo(ref string) ([]*model.LocalInfo, error) {
	entries, err := afero.ReadDir(c.fs, c.AbsPath(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", ref, notFound(ref, err))
	}

	children := make([]*model.LocalInfo, 0, len(entries))
	for _, entry := range entries {
		if IsIgnored(entry.Name()) {
			continue
		}
		children = append(children, c.infoFromStat(model.JoinPath(ref, entry.Name()), entry))
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

// IsIgnoredPath reports whether any component of ref is ignored
func (c *Client) IsIgnoredPath(ref string) bool {
	for _, part := range strings.Split(strings.Trim(ref, "/"), "/") {
		if part != "" && IsIgnored(part) {
			return true
		}
	}
	return false
}

// GetNewFile returns a free child name of parent, derived from name. It
// fails with a *DuplicateFileError on case insensitive volumes when a
// child only differs from name by its case.
func (c *Client) GetNewFile(parent, name string) (string, error) {
	name = SafeFilename(name)
	existing, err := c.childNames(parent)
	if err != nil {
		return "", err
	}

	taken := func(candidate string) bool {
		for _, other := range existing {
			if other == candidate || (c.caseInsensitive && strings.EqualFold(other, candidate)) {
				return true
			}
		}
		return false
	}

	if c.caseInsensitive {
		for _, other := range existing {
			if other != name && strings.EqualFold(other, name) {
				return "", &DuplicateFileError{
					Path:     model.JoinPath(parent, name),
					Existing: model.JoinPath(parent, other),
				}
			}
		}
	}

	candidate := name
	for n := 1; taken(candidate); n++ {
		candidate = dedupName(name, n)
	}
	return candidate, nil
}

func (c *Client) childNames(parent string) ([]string, error) {
	f, err := c.fs.Open(c.AbsPath(parent))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", parent, notFound(parent, err))
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parent, err)
	}
	return names, nil
}

// CheckXattrSupport probes the attribute store on the root folder
func (c *Client) CheckXattrSupport() error {
	if err := c.attrs.Set(c.root, probeAttr, []byte("1")); err != nil {
		if errors.Is(err, ErrMissingXattrSupport) {
			return err
		}
		return fmt.Errorf("failed to probe extended attributes: %w", err)
	}
	return c.attrs.Remove(c.root, probeAttr)
}

// CanUseTrash reports whether Delete moves items to the trash
func (c *Client) CanUseTrash() bool {
	return c.useTrash && c.trash != nil && c.trash.Available()
}

// SetRemoteID tags the item at ref with its remote reference
func (c *Client) SetRemoteID(ref, remoteID string) error {
	return c.setAttr(ref, RemoteIDAttr, remoteID)
}

// GetRemoteID returns the remote reference of the item at ref, empty when none
func (c *Client) GetRemoteID(ref string) (string, error) {
	return c.getAttr(ref, RemoteIDAttr)
}

// RemoveRemoteID drops the remote reference of the item at ref
func (c *Client) RemoveRemoteID(ref string) error {
	if err := c.attrs.Remove(c.AbsPath(ref), RemoteIDAttr); err != nil {
		return fmt.Errorf("failed to remove remote id of %s: %w", ref, err)
	}
	return nil
}

// SetRootID writes the binding marker on the root folder
func (c *Client) SetRootID(value string) error {
	return c.setAttr(model.RootPath, RootIDAttr, value)
}

// GetRootID returns the binding marker of the root folder, empty when unbound
func (c *Client) GetRootID() (string, error) {
	return c.getAttr(model.RootPath, RootIDAttr)
}

// RemoveRootID removes the binding marker
func (c *Client) RemoveRootID() error {
	return c.attrs.Remove(c.root, RootIDAttr)
}

// FindMovedRoot returns the absolute path of a folder next to the root
// carrying the binding marker, the root renamed in place. It returns an
// empty string when there is none.
func (c *Client) FindMovedRoot(marker string) string {
	parent := filepath.Dir(c.root)
	entries, err := afero.ReadDir(c.fs, parent)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(parent, entry.Name())
		if value, err := c.attrs.Get(candidate, RootIDAttr); err == nil && string(value) == marker {
			return candidate
		}
	}
	return ""
}

func (c *Client) setAttr(ref, name, value string) error {
	abs := c.AbsPath(ref)
	locked := c.UnlockRef(ref, false)
	defer c.LockRef(ref, locked)
	if err := c.attrs.Set(abs, name, []byte(value)); err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", name, ref, err)
	}
	return nil
}

func (c *Client) getAttr(ref, name string) (string, error) {
	value, err := c.attrs.Get(c.AbsPath(ref), name)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// ChangeFileDate sets the modification time of the item at ref
func (c *Client) ChangeFileDate(ref string, mtime time.Time) error {
	if err := c.fs.Chtimes(c.AbsPath(ref), mtime, mtime); err != nil {
		return fmt.Errorf("failed to change date of %s: %w", ref, notFound(ref, err))
	}
	return nil
}
