package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// Bits returned by UnlockRef, to be handed back to LockRef
const (
	lockedPath   = 1
	lockedParent = 2
)

type attrForgetter interface {
	Forget(path string)
}

// MakeFolder creates the folder name below parent and returns its path. An
// existing name is deduplicated.
func (c *Client) MakeFolder(parent, name string) (string, error) {
	locked := c.UnlockRef(parent, false)
	defer c.LockRef(parent, locked)

	name, err := c.GetNewFile(parent, name)
	if err != nil {
		return "", err
	}
	ref := model.JoinPath(parent, name)
	if err := c.fs.Mkdir(c.AbsPath(ref), 0o755); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", ref, notFound(ref, err))
	}
	return ref, nil
}

// MakeFile creates the file name below parent with the given content and
// returns its path. An existing name is deduplicated.
func (c *Client) MakeFile(parent, name string, content []byte) (string, error) {
	locked := c.UnlockRef(parent, false)
	defer c.LockRef(parent, locked)

	name, err := c.GetNewFile(parent, name)
	if err != nil {
		return "", err
	}
	ref := model.JoinPath(parent, name)
	f, err := c.fs.OpenFile(c.AbsPath(ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", ref, notFound(ref, err))
	}
	_, werr := f.Write(content)
	if err := errors.Join(werr, f.Close()); err != nil {
		return "", fmt.Errorf("failed to write file %s: %w", ref, err)
	}
	return ref, nil
}

// UpdateContent replaces the content of the file at ref. The new content is
// written next to it and renamed over it, the remote id is carried over.
func (c *Client) UpdateContent(ref string, content []byte) error {
	remoteID, _ := c.GetRemoteID(ref)
	abs := c.AbsPath(ref)
	tmp := filepath.Join(filepath.Dir(abs), "."+filepath.Base(abs)+".docsync-tmp")

	if err := c.writeFile(tmp, content); err != nil {
		return fmt.Errorf("failed to update %s: %w", ref, err)
	}
	if err := c.replace(tmp, ref); err != nil {
		c.fs.Remove(tmp)
		return err
	}
	if remoteID != "" {
		return c.SetRemoteID(ref, remoteID)
	}
	return nil
}

func (c *Client) writeFile(abs string, content []byte) error {
	f, err := c.fs.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(content)
	return errors.Join(werr, f.Close())
}

// ReplaceWith moves the file at the absolute path src over the item at ref,
// creating it when needed. Downloads are installed this way.
func (c *Client) ReplaceWith(src, ref string) error {
	return c.replace(src, ref)
}

func (c *Client) replace(src, ref string) error {
	abs := c.AbsPath(ref)
	parent := model.ParentPath(ref)
	lockedP := c.UnlockRef(parent, false)
	defer c.LockRef(parent, lockedP)
	locked := c.UnlockRef(ref, false)

	if err := c.fs.Rename(src, abs); err != nil {
		c.LockRef(ref, locked)
		return fmt.Errorf("failed to install %s: %w", ref, notFound(ref, err))
	}
	if r, ok := c.attrs.(attrRenamer); ok {
		r.Rename(src, abs)
	}
	c.LockRef(ref, locked)
	return nil
}

// CopyFile copies the content of the file at ref to the absolute path dst,
// without its attributes
func (c *Client) CopyFile(ref, dst string) error {
	in, err := c.fs.Open(c.AbsPath(ref))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ref, notFound(ref, err))
	}
	defer in.Close()

	if st, err := in.Stat(); err == nil && st.IsDir() {
		return fmt.Errorf("%s is a folder", ref)
	}

	out, err := c.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	_, cerr := io.Copy(out, in)
	if err := errors.Join(cerr, out.Close()); err != nil {
		return fmt.Errorf("failed to copy %s: %w", ref, err)
	}
	return nil
}

// PartialPath returns the absolute path a download of the document remoteRef
// named name is written to, creating its folder
func (c *Client) PartialPath(remoteRef, name string) (string, error) {
	dir := filepath.Join(c.root, PartialsDir, model.DocUID(remoteRef))
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download folder: %w", err)
	}
	return filepath.Join(dir, SafeFilename(name)+".part"), nil
}

// CleanPartials removes the download folder of remoteRef
func (c *Client) CleanPartials(remoteRef string) error {
	return c.fs.RemoveAll(filepath.Join(c.root, PartialsDir, model.DocUID(remoteRef)))
}

// Delete moves the item at ref to the trash, or deletes it for good when
// the trash cannot be used
func (c *Client) Delete(ref string) error {
	if !c.CanUseTrash() {
		return c.DeleteFinal(ref)
	}

	abs := c.AbsPath(ref)
	parent := model.ParentPath(ref)
	locked := c.UnlockRef(parent, false)
	defer c.LockRef(parent, locked)

	err := c.trash.Put(abs)
	if errors.Is(err, ErrTrashUnavailable) {
		c.logger.WithError(err).Infof("Deleting %s for good", ref)
		return c.DeleteFinal(ref)
	}
	if err != nil {
		return fmt.Errorf("failed to trash %s: %w", ref, err)
	}
	if f, ok := c.attrs.(attrForgetter); ok {
		f.Forget(abs)
	}
	return nil
}

// DeleteFinal removes the item at ref and everything below it
func (c *Client) DeleteFinal(ref string) error {
	abs := c.AbsPath(ref)
	if _, err := c.fs.Stat(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, notFound(ref, err))
	}

	parent := model.ParentPath(ref)
	locked := c.UnlockRef(parent, false)
	defer c.LockRef(parent, locked)

	// readonly folders would refuse the removal of their children
	c.walkWritable(abs)
	if err := c.fs.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	if f, ok := c.attrs.(attrForgetter); ok {
		f.Forget(abs)
	}
	return nil
}

func (c *Client) walkWritable(abs string) {
	st, err := c.fs.Stat(abs)
	if err != nil {
		return
	}
	c.fs.Chmod(abs, st.Mode().Perm()|0o200)
	if !st.IsDir() {
		return
	}
	f, err := c.fs.Open(abs)
	if err != nil {
		return
	}
	names, _ := f.Readdirnames(-1)
	f.Close()
	for _, name := range names {
		c.walkWritable(filepath.Join(abs, name))
	}
}

// Rename gives a new name to the item at ref. The name is sanitized and
// deduplicated, a case only change is applied as is.
func (c *Client) Rename(ref, newName string) (*model.LocalInfo, error) {
	parent := model.ParentPath(ref)
	oldName := path.Base(ref)
	newName = SafeFilename(newName)
	if newName == oldName {
		return c.GetInfo(ref)
	}

	if !c.caseOnlyChange(oldName, newName) {
		var err error
		if newName, err = c.GetNewFile(parent, newName); err != nil {
			return nil, err
		}
	}
	return c.move(ref, parent, newName)
}

// Move moves the item at ref below newParent. An empty name keeps the
// current one.
func (c *Client) Move(ref, newParent, name string) (*model.LocalInfo, error) {
	if name == "" {
		name = path.Base(ref)
	}
	if newParent == model.ParentPath(ref) && name == path.Base(ref) {
		return c.GetInfo(ref)
	}
	name, err := c.GetNewFile(newParent, name)
	if err != nil {
		return nil, err
	}
	return c.move(ref, newParent, name)
}

func (c *Client) caseOnlyChange(oldName, newName string) bool {
	return c.caseInsensitive && oldName != newName && strings.EqualFold(oldName, newName)
}

func (c *Client) move(ref, newParent, name string) (*model.LocalInfo, error) {
	oldParent := model.ParentPath(ref)
	target := model.JoinPath(newParent, name)

	lockedOld := c.UnlockRef(oldParent, false)
	defer c.LockRef(oldParent, lockedOld)
	if newParent != oldParent {
		lockedNew := c.UnlockRef(newParent, false)
		defer c.LockRef(newParent, lockedNew)
	}

	src, dst := c.AbsPath(ref), c.AbsPath(target)
	if err := c.fs.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("failed to move %s to %s: %w", ref, target, notFound(ref, err))
	}
	if r, ok := c.attrs.(attrRenamer); ok {
		r.Rename(src, dst)
	}
	return c.GetInfo(target)
}

// SetReadonly removes the write permission of the item at ref
func (c *Client) SetReadonly(ref string) error {
	return c.chmod(ref, func(mode os.FileMode) os.FileMode { return mode &^ 0o222 })
}

// UnsetReadonly gives the owner back the write permission on the item at ref
func (c *Client) UnsetReadonly(ref string) error {
	return c.chmod(ref, func(mode os.FileMode) os.FileMode { return mode | 0o200 })
}

func (c *Client) chmod(ref string, change func(os.FileMode) os.FileMode) error {
	abs := c.AbsPath(ref)
	st, err := c.fs.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", ref, notFound(ref, err))
	}
	if err := c.fs.Chmod(abs, change(st.Mode().Perm())); err != nil {
		return fmt.Errorf("failed to change mode of %s: %w", ref, err)
	}
	return nil
}

// IsReadonly reports whether the owner cannot write the item at ref
func (c *Client) IsReadonly(ref string) bool {
	st, err := c.fs.Stat(c.AbsPath(ref))
	return err == nil && st.Mode().Perm()&0o200 == 0
}

// UnlockRef makes ref, and its parent when unlockParent is set, writable.
// The returned bits tell LockRef what to restore.
func (c *Client) UnlockRef(ref string, unlockParent bool) int {
	if ref == "" {
		return 0
	}
	locked := 0
	if unlockParent {
		if parent := model.ParentPath(ref); parent != "" && c.IsReadonly(parent) {
			if c.UnsetReadonly(parent) == nil {
				locked |= lockedParent
			}
		}
	}
	if c.IsReadonly(ref) && c.UnsetReadonly(ref) == nil {
		locked |= lockedPath
	}
	return locked
}

// LockRef restores what UnlockRef unlocked
func (c *Client) LockRef(ref string, locked int) {
	if locked&lockedPath != 0 {
		if err := c.SetReadonly(ref); err != nil {
			c.logger.WithError(err).Debugf("Cannot lock %s again", ref)
		}
	}
	if locked&lockedParent != 0 {
		if err := c.SetReadonly(model.ParentPath(ref)); err != nil {
			c.logger.WithError(err).Debugf("Cannot lock the parent of %s again", ref)
		}
	}
}

// SetFolderIcon points the file managers following the desktop entry
// convention to iconPath for the folder at ref
func (c *Client) SetFolderIcon(ref, iconPath string) error {
	content := fmt.Sprintf("[Desktop Entry]\nIcon=%s\n", iconPath)
	locked := c.UnlockRef(ref, false)
	defer c.LockRef(ref, locked)
	if err := c.writeFile(filepath.Join(c.AbsPath(ref), ".directory"), []byte(content)); err != nil {
		return fmt.Errorf("failed to set icon of %s: %w", ref, err)
	}
	return nil
}
