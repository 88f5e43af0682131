//go:build !unix

package lock

import (
	"context"
	"os"
)

// Without flock the file only marks the directory; exclusion is in-process.
func acquireFile(ctx context.Context, path string) (*os.File, error) {
	return openLockFile(path)
}

func releaseFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}
