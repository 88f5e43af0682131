//go:build windows

package errors

import (
	stderrors "errors"
	"syscall"
)

const (
	errorHandleDiskFull syscall.Errno = 39
	errorDiskFull       syscall.Errno = 112
)

func isNoSpace(err error) bool {
	return stderrors.Is(err, syscall.ENOSPC) ||
		stderrors.Is(err, errorHandleDiskFull) ||
		stderrors.Is(err, errorDiskFull)
}
