//go:build !unix

package local

import (
	"errors"
	"syscall"
)

var (
	errNoSpace     = syscall.ENOSPC
	errNameTooLong = syscall.ENAMETOOLONG
	errBusy        = syscall.EBUSY
	errCrossDevice = syscall.EXDEV
)

func isErrno(err error, errno syscall.Errno) bool {
	return err != nil && errors.Is(err, errno)
}
