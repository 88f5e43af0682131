package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/releasekit/installer/pkg/errors"
)

// WriteFileAtomic writes data to a temporary sibling, syncs it, renames it
// over path and syncs the parent directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create temp file"), dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Classify(errors.Wrap(err, "failed to write temp file"), tmpName)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errors.Classify(errors.Wrap(err, "failed to chmod temp file"), tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Classify(errors.Wrap(err, "failed to sync temp file"), tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to close temp file"), tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to rename temp file"), path)
	}
	return SyncDir(dir)
}

// SyncDir flushes directory entries so a preceding rename survives a crash.
// Platforms that cannot open directories for sync are ignored.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// Exists reports whether path exists without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CopyDir copies the tree at src to dst, preserving modes and symlinks.
// dst must not exist.
func CopyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode().Perm()|0o700)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, dstPath)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
		if err != nil {
			return err
		}

		if _, err := io.Copy(dstFile, srcFile); err != nil {
			dstFile.Close()
			return err
		}
		if err := dstFile.Sync(); err != nil {
			dstFile.Close()
			return err
		}
		return dstFile.Close()
	})
}
