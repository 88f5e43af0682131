package extract

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"

	"github.com/releasekit/installer/pkg/errors"
)

func (w *writer) extractTar(ctx context.Context, gzipped bool) error {
	f, err := os.Open(w.archive)
	if err != nil {
		return errors.Classify(errors.Wrap(err, "failed to open tar"), w.archive)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return w.corrupt("", err)
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)

	for {
		if err := w.checkCancelled(ctx); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && header != nil) {
			return w.corrupt("", err)
		}

		rel, err := w.validator.ValidatePath(header.Name)
		if err != nil {
			return err
		}

		info := header.FileInfo()
		switch header.Typeflag {
		case tar.TypeDir:
			err = w.dir(rel, info.Mode())
		case tar.TypeReg:
			err = w.file(rel, info.Mode(), header.Size, tarReader)
		case tar.TypeSymlink:
			err = w.symlink(rel, header.Linkname)
		case tar.TypeLink:
			err = w.hardlink(rel, header.Linkname)
		case tar.TypeXGlobalHeader:
			continue
		default:
			w.skip(header.Name, info.Mode())
		}
		if err != nil {
			return err
		}
		w.advance()
	}
	return nil
}
