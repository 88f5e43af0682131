// Package fsutil holds filesystem helpers shared by the pipeline stages.
package fsutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/releasekit/installer/pkg/errors"
)

// existingAncestor walks up from path until it finds something that exists.
// Free space is a property of the filesystem, and the target may not have been
// created yet.
func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// FreeBytes reports the bytes available to unprivileged users on the
// filesystem holding path.
func FreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, existingAncestor(path))
	if err != nil {
		return 0, errors.Wrap(err, "failed to read filesystem usage")
	}
	return usage.Free, nil
}

// EnsureFree returns a DiskSpaceError when fewer than required bytes are
// available at path. A failure to measure is logged and ignored: the write
// itself will still surface ENOSPC.
func EnsureFree(ctx context.Context, path string, required uint64) error {
	if required == 0 {
		return nil
	}
	free, err := FreeBytes(ctx, path)
	if err != nil {
		slog.Warn("disk_space_check_skipped", "path", path, "error", err)
		return nil
	}
	if free < required {
		slog.Error("disk_space_insufficient",
			"path", path,
			"required", humanize.IBytes(required),
			"available", humanize.IBytes(free))
		return &errors.DiskSpaceError{Path: path, Required: required, Available: free}
	}
	return nil
}
