//go:build !windows

package errors

import (
	stderrors "errors"
	"syscall"
)

func isNoSpace(err error) bool {
	return stderrors.Is(err, syscall.ENOSPC) || stderrors.Is(err, syscall.EDQUOT)
}
