// Package extract unpacks a verified archive into an empty staging directory.
// Every entry is validated before anything is written; a single unsafe entry
// aborts the whole extraction.
package extract

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/security"
)

const copyBufferSize = 128 * 1024

// Options tune a single extraction.
type Options struct {
	Format Format
	// Progress is called after every entry with the running totals.
	Progress func(entries int, bytes int64)
}

// Result summarises what was written to the staging directory.
type Result struct {
	Format  Format
	Entries int
	Files   int
	Dirs    int
	Links   int
	Skipped int
	Bytes   int64
	Archive int64
	Staging string
}

// Extractor holds the limits applied to every extraction it performs.
type Extractor struct {
	limits security.Limits
}

// New creates an extractor.
func New(limits security.Limits) *Extractor {
	return &Extractor{limits: limits}
}

// Extract unpacks archivePath into stagingDir, which must be empty or absent.
// Cancellation is honored between entries. An entry whose path passes through
// a symbolic link created by an earlier entry is rejected, even when the link
// points inside stagingDir.
func (e *Extractor) Extract(ctx context.Context, archivePath, stagingDir string, opts Options) (*Result, error) {
	if err := prepareStaging(stagingDir); err != nil {
		return nil, err
	}

	format := opts.Format
	if format == FormatAuto {
		var err error
		if format, err = DetectFormat(archivePath); err != nil {
			return nil, err
		}
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to stat archive"), archivePath)
	}

	w := &writer{
		root:      filepath.Clean(stagingDir),
		archive:   archivePath,
		validator: security.NewValidator(e.limits),
		maxFile:   e.limits.MaxFileSize,
		progress:  opts.Progress,
		result:    &Result{Format: format, Archive: fi.Size(), Staging: stagingDir},
	}

	slog.Info("extract_started", "archive", archivePath, "staging", stagingDir, "format", format)

	switch format {
	case FormatZip:
		err = w.extractZip(ctx)
	case FormatTar, FormatTarGz:
		err = w.extractTar(ctx, format == FormatTarGz)
	default:
		err = fmt.Errorf("unsupported archive format %q", format)
	}
	if err != nil {
		slog.Error("extract_failed", "archive", archivePath, "entries", w.result.Entries, "error", err)
		return nil, err
	}

	if w.result.Bytes > 0 {
		if err := w.validator.ValidateCompressionRatio(fi.Size(), w.validator.CurrentTotalSize()); err != nil {
			return nil, &errors.CorruptArchiveError{Path: archivePath, Err: err}
		}
	}

	slog.Info("extract_complete",
		"archive", archivePath,
		"entries", w.result.Entries,
		"files", w.result.Files,
		"bytes", w.result.Bytes)
	return w.result, nil
}

func prepareStaging(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Classify(errors.Wrap(err, "failed to create staging directory"), dir)
		}
		return nil
	}
	if err != nil {
		return errors.Classify(errors.Wrap(err, "failed to stat staging directory"), dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("staging path %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Classify(errors.Wrap(err, "failed to read staging directory"), dir)
	}
	if len(entries) > 0 {
		return fmt.Errorf("staging directory %s is not empty", dir)
	}
	return nil
}

// writer materialises validated entries under root.
type writer struct {
	root      string
	archive   string
	validator *security.Validator
	maxFile   int64
	progress  func(int, int64)
	result    *Result
}

func (w *writer) corrupt(entry string, err error) error {
	return &errors.CorruptArchiveError{Path: w.archive, Entry: entry, Err: err}
}

func (w *writer) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &errors.CancelledError{Stage: "extracting", Err: err}
	}
	return nil
}

func (w *writer) advance() {
	w.result.Entries++
	if w.progress != nil {
		w.progress(w.result.Entries, w.result.Bytes)
	}
}

// resolve returns the on-disk path for rel. The lexical join must agree with
// a symlink-aware join of its parent, otherwise an earlier link entry would
// redirect the write.
func (w *writer) resolve(rel string) (string, error) {
	target := filepath.Join(w.root, filepath.FromSlash(rel))
	parent := filepath.Dir(target)

	secure, err := securejoin.SecureJoin(w.root, filepath.Dir(filepath.FromSlash(rel)))
	if err != nil {
		return "", &errors.UnsafePathError{Entry: rel, Reason: err.Error()}
	}
	if filepath.Clean(secure) != parent {
		slog.Error("extract_entry_through_symlink", "entry", rel, "resolved", secure)
		return "", &errors.UnsafePathError{Entry: rel, Reason: "entry traverses a symbolic link"}
	}
	return target, nil
}

func (w *writer) dir(rel string, mode fs.FileMode) error {
	if rel == "" {
		return nil
	}
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if fi, err := os.Lstat(target); err == nil {
		if fi.IsDir() {
			return nil
		}
		return w.corrupt(rel, fmt.Errorf("directory collides with existing entry"))
	}
	perm := mode.Perm() | 0o700
	if mode.Perm() == 0 {
		perm = 0o755
	}
	if err := os.MkdirAll(target, perm); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create directory"), target)
	}
	w.result.Dirs++
	return nil
}

func (w *writer) file(rel string, mode fs.FileMode, declared int64, r io.Reader) error {
	if rel == "" {
		return w.corrupt(rel, fmt.Errorf("file entry names the archive root"))
	}
	if err := w.validator.ValidateFileSize(declared); err != nil {
		return w.corrupt(rel, err)
	}
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create parent dir"), target)
	}

	perm := mode.Perm() | 0o600
	if mode.Perm() == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return w.corrupt(rel, fmt.Errorf("duplicate entry"))
	}
	if err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create file"), target)
	}

	n, err := w.copy(out, io.LimitReader(r, w.maxFile+1), rel, target)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.Classify(errors.Wrap(cerr, "failed to close file"), target)
	}
	if err != nil {
		return err
	}
	if n > w.maxFile {
		return w.corrupt(rel, fmt.Errorf("%w: entry larger than %d bytes", security.ErrLimitExceeded, w.maxFile))
	}
	if err := w.validator.AddExtractedSize(n); err != nil {
		return w.corrupt(rel, err)
	}

	w.result.Files++
	w.result.Bytes += n
	return nil
}

// copy separates read failures (a damaged archive) from write failures (the
// local filesystem).
func (w *writer) copy(dst io.Writer, src io.Reader, rel, target string) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, errors.Classify(errors.Wrap(werr, "failed to write file"), target)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, w.corrupt(rel, rerr)
		}
	}
}

func (w *writer) symlink(rel, linkTarget string) error {
	if rel == "" {
		return w.corrupt(rel, fmt.Errorf("symlink entry names the archive root"))
	}
	if err := w.validator.ValidateSymlink(rel, linkTarget); err != nil {
		return err
	}
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create parent dir"), target)
	}
	if err := os.Symlink(linkTarget, target); err != nil {
		if os.IsExist(err) {
			return w.corrupt(rel, fmt.Errorf("duplicate entry"))
		}
		return errors.Classify(errors.Wrap(err, "failed to create symlink"), target)
	}
	w.result.Links++
	return nil
}

func (w *writer) hardlink(rel, linkTarget string) error {
	if rel == "" {
		return w.corrupt(rel, fmt.Errorf("hard link entry names the archive root"))
	}
	src, err := w.validator.ValidateHardlink(rel, linkTarget)
	if err != nil {
		return err
	}
	srcPath, err := w.resolve(src)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(srcPath)
	if err != nil || !fi.Mode().IsRegular() {
		return &errors.UnsafePathError{Entry: rel, Target: linkTarget, Reason: "hard link target is not an extracted regular file"}
	}
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to create parent dir"), target)
	}
	if err := os.Link(srcPath, target); err != nil {
		if os.IsExist(err) {
			return w.corrupt(rel, fmt.Errorf("duplicate entry"))
		}
		return errors.Classify(errors.Wrap(err, "failed to create hard link"), target)
	}
	w.result.Links++
	return nil
}

func (w *writer) skip(name string, mode fs.FileMode) {
	slog.Warn("extract_entry_skipped", "entry", name, "mode", mode.String())
	w.result.Skipped++
}
