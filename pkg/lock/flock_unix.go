//go:build unix

package lock

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/releasekit/installer/pkg/errors"
)

func acquireFile(ctx context.Context, path string) (*os.File, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	logged := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return nil, errors.Classify(errors.Wrap(err, "failed to lock"), path)
		}
		if !logged {
			slog.Info("install_lock_contended", "lock_file", path)
			logged = true
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, &errors.CancelledError{Stage: "waiting for install lock", Err: ctx.Err()}
		case <-time.After(PollInterval):
		}
	}
}

func releaseFile(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
