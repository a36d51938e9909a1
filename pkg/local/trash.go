package local

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

// Trash moves deleted items somewhere the user can restore them from
type Trash interface {
	// Put moves the item at the absolute path into the trash
	Put(absPath string) error

	// Available reports whether Put can be used
	Available() bool
}

// FreeDesktopTrash implements the freedesktop.org trash specification in the
// user home trash: items go to files/, their origin to info/<name>.trashinfo
type FreeDesktopTrash struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewFreeDesktopTrash creates a trash rooted at dir, $XDG_DATA_HOME/Trash
// when dir is empty
func NewFreeDesktopTrash(fs afero.Fs, dir string) (*FreeDesktopTrash, error) {
	if dir == "" {
		data := os.Getenv("XDG_DATA_HOME")
		if data == "" {
			home, err := homedir.Dir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate trash: %w", err)
			}
			data = filepath.Join(home, ".local", "share")
		}
		dir = filepath.Join(data, "Trash")
	}
	return &FreeDesktopTrash{fs: fs, dir: dir, now: time.Now}, nil
}

// Dir returns the trash folder
func (t *FreeDesktopTrash) Dir() string {
	return t.dir
}

// Available reports whether the trash folders exist or can be created
func (t *FreeDesktopTrash) Available() bool {
	for _, sub := range []string{"files", "info"} {
		if err := t.fs.MkdirAll(filepath.Join(t.dir, sub), 0o700); err != nil {
			return false
		}
	}
	return true
}

// Put moves absPath into the trash under a free name
func (t *FreeDesktopTrash) Put(absPath string) error {
	if !t.Available() {
		return ErrTrashUnavailable
	}

	base := filepath.Base(absPath)
	name := base
	var info afero.File
	for i := 1; ; i++ {
		f, err := t.fs.OpenFile(filepath.Join(t.dir, "info", name+".trashinfo"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info = f
			break
		}
		if !errors.Is(err, os.ErrExist) || i > 1000 {
			return fmt.Errorf("failed to reserve trash entry for %s: %w", absPath, err)
		}
		name = base + "." + strconv.Itoa(i)
	}

	content := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		(&url.URL{Path: absPath}).EscapedPath(), t.now().Format("2006-01-02T15:04:05"))
	_, werr := info.WriteString(content)
	cerr := info.Close()
	infoPath := filepath.Join(t.dir, "info", name+".trashinfo")
	if werr != nil || cerr != nil {
		t.fs.Remove(infoPath)
		return fmt.Errorf("failed to write trash info for %s: %w", absPath, errors.Join(werr, cerr))
	}

	if err := t.fs.Rename(absPath, filepath.Join(t.dir, "files", name)); err != nil {
		t.fs.Remove(infoPath)
		if isErrno(err, errCrossDevice) {
			return fmt.Errorf("%s is on another device: %w", absPath, ErrTrashUnavailable)
		}
		return fmt.Errorf("failed to move %s to trash: %w", absPath, notFound(absPath, err))
	}
	return nil
}
