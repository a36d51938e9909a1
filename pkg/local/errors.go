package local

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound is returned when the path does not exist on disk
	ErrNotFound = errors.New("local path not found")

	// ErrMissingXattrSupport is returned when the filesystem cannot store
	// extended attributes
	ErrMissingXattrSupport = errors.New("filesystem does not support extended attributes")

	// ErrTrashUnavailable is returned when a file cannot be moved to the trash
	ErrTrashUnavailable = errors.New("trash is not available")
)

// DuplicateFileError is returned when creating an item whose name only
// differs by case from an existing one on a case insensitive volume
type DuplicateFileError struct {
	Path     string
	Existing string
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("%s already exists as %s", e.Path, e.Existing)
}

func notFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return err
}

// IsNoSpaceLeft reports whether err comes from a full disk
func IsNoSpaceLeft(err error) bool {
	return isErrno(err, errNoSpace)
}

// IsLongPath reports whether err comes from a path or name too long for the filesystem
func IsLongPath(err error) bool {
	return isErrno(err, errNameTooLong)
}

// IsFileInUse reports whether err comes from another process holding the file
func IsFileInUse(err error) bool {
	return errors.Is(err, fs.ErrPermission) || isErrno(err, errBusy)
}

// ErrDuplicateFile matches every *DuplicateFileError
var ErrDuplicateFile = errors.New("duplicate file")

func (e *DuplicateFileError) Is(target error) bool {
	return target == ErrDuplicateFile
}
