//go:build !linux

package activate

import (
	"syscall"

	"github.com/releasekit/installer/pkg/errors"
)

func exchange(a, b string) error {
	return errExchangeUnsupported
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
