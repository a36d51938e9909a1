//go:build unix

package local

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	errNoSpace     = unix.ENOSPC
	errNameTooLong = unix.ENAMETOOLONG
	errBusy        = unix.ETXTBSY
	errCrossDevice = unix.EXDEV
)

func isErrno(err error, errno unix.Errno) bool {
	return err != nil && errors.Is(err, errno)
}
