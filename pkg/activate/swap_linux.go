//go:build linux

package activate

import (
	"golang.org/x/sys/unix"

	"github.com/releasekit/installer/pkg/errors"
)

// exchange atomically swaps two directory entries with renameat2.
func exchange(a, b string) error {
	err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EXDEV):
		return errors.Wrap(errExchangeUnsupported, err.Error())
	default:
		return err
	}
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
