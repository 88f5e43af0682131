package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/releasekit/installer/pkg/errors"
)

// maxLinkTarget bounds how much of a zip symlink entry is read as its target.
const maxLinkTarget = 4096

func (w *writer) extractZip(ctx context.Context) error {
	zr, err := zip.OpenReader(w.archive)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return w.corrupt("", err)
	}
	defer zr.Close()

	// The central directory declares every size up front, so an obvious bomb
	// is rejected before anything is written.
	var declared uint64
	for _, f := range zr.File {
		declared += f.UncompressedSize64
	}
	if w.result.Archive > 0 && declared > 0 {
		if err := w.validator.ValidateCompressionRatio(w.result.Archive, int64(declared)); err != nil {
			return w.corrupt("", err)
		}
	}

	for _, f := range zr.File {
		if err := w.checkCancelled(ctx); err != nil {
			return err
		}

		rel, err := w.validator.ValidatePath(f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			target, err := readZipLink(f)
			if err != nil {
				return w.corrupt(f.Name, err)
			}
			err = w.symlink(rel, target)
			if err != nil {
				return err
			}
		case f.FileInfo().IsDir():
			if err := w.dir(rel, mode); err != nil {
				return err
			}
		case mode.IsRegular():
			if err := w.zipFile(rel, f); err != nil {
				return err
			}
		default:
			w.skip(f.Name, mode)
		}
		w.advance()
	}
	return nil
}

func (w *writer) zipFile(rel string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return w.corrupt(f.Name, err)
	}
	defer rc.Close()
	return w.file(rel, f.Mode(), int64(f.UncompressedSize64), rc)
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxLinkTarget {
		return "", fmt.Errorf("symlink target longer than %d bytes", maxLinkTarget)
	}
	return string(b), nil
}
