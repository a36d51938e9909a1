//go:build linux || darwin

package local

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// XattrStore stores attributes as extended attributes of the items, they
// follow the items through renames and moves
type XattrStore struct{}

// NewXattrStore returns the extended attribute backend
func NewXattrStore() AttrStore {
	return XattrStore{}
}

func (XattrStore) Get(path, name string) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Getxattr(path, name, buf)
		switch {
		case errors.Is(err, errNoAttr):
			return nil, nil
		case errors.Is(err, unix.ERANGE):
			buf = make([]byte, len(buf)*4)
			continue
		case errors.Is(err, unix.ENOTSUP):
			return nil, ErrMissingXattrSupport
		case err != nil:
			return nil, fmt.Errorf("failed to read %s on %s: %w", name, path, notFound(path, err))
		}
		return buf[:n], nil
	}
}

func (XattrStore) Set(path, name string, value []byte) error {
	err := unix.Setxattr(path, name, value, 0)
	if errors.Is(err, unix.ENOTSUP) {
		return ErrMissingXattrSupport
	}
	if err != nil {
		return fmt.Errorf("failed to write %s on %s: %w", name, path, notFound(path, err))
	}
	return nil
}

func (XattrStore) Remove(path, name string) error {
	err := unix.Removexattr(path, name)
	if err == nil || errors.Is(err, errNoAttr) {
		return nil
	}
	if errors.Is(err, unix.ENOTSUP) {
		return ErrMissingXattrSupport
	}
	return fmt.Errorf("failed to remove %s on %s: %w", name, path, notFound(path, err))
}
