// Package fetch downloads release archives to a local path, resuming from a
// partial file when the source supports ranged reads.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/releasekit/installer/pkg/errors"
)

const DefaultChunkSize = 256 * 1024

var errStalled = errors.New("fetch: no data received within the stall timeout")

// Options configure a Fetcher.
type Options struct {
	ChunkSize int
	// StallTimeout fails an attempt that receives no bytes for this long.
	StallTimeout time.Duration
}

// Progress receives bytes written so far and the expected total (-1 when
// unknown) after every chunk.
type Progress func(done, total int64)

// Result describes a completed fetch.
type Result struct {
	Path string
	Size int64
	// StartOffset is the offset the final attempt resumed from.
	StartOffset int64
	// Restarted is set when the source ignored the resume offset.
	Restarted bool
}

// Fetcher streams archives from registered sources.
type Fetcher struct {
	opts    Options
	sources map[string]Source
}

// New creates a fetcher with no sources registered.
func New(opts Options) *Fetcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Fetcher{opts: opts, sources: make(map[string]Source)}
}

// Register serves URLs of the given scheme with src.
func (f *Fetcher) Register(scheme string, src Source) {
	f.sources[strings.ToLower(scheme)] = src
}

// Supports reports whether a source is registered for the URL's scheme.
func (f *Fetcher) Supports(rawURL string) bool {
	_, err := f.source(rawURL)
	return err == nil
}

func (f *Fetcher) source(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &errors.NetworkError{Op: "parse", URL: rawURL, Permanent: true, Err: err}
	}
	src, ok := f.sources[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &errors.NetworkError{Op: "parse", URL: rawURL, Permanent: true,
			Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return src, nil
}

// Fetch makes one attempt to bring destPath to the full archive, keeping the
// first resumeFrom bytes already on disk. expectedSize <= 0 means unknown.
// On failure the bytes written so far stay on disk for the next attempt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destPath string, expectedSize, resumeFrom int64, progress Progress) (*Result, error) {
	src, err := f.source(rawURL)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to create download dir"), destPath)
	}
	file, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to open download file"), destPath)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to stat download file"), destPath)
	}

	offset := max(resumeFrom, 0)
	offset = min(offset, fi.Size())
	if expectedSize > 0 && offset > expectedSize {
		slog.Warn("fetch_partial_oversized", "path", destPath, "partial", offset, "expected", expectedSize)
		offset = 0
	}
	if offset != fi.Size() {
		if err := file.Truncate(offset); err != nil {
			return nil, errors.Classify(errors.Wrap(err, "failed to truncate partial download"), destPath)
		}
	}
	if expectedSize > 0 && offset == expectedSize {
		slog.Info("fetch_already_complete", "url", rawURL, "path", destPath, "size", offset)
		progress(offset, expectedSize)
		return &Result{Path: destPath, Size: offset, StartOffset: offset}, nil
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var stall *time.Timer
	if f.opts.StallTimeout > 0 {
		stall = time.AfterFunc(f.opts.StallTimeout, func() { cancel(errStalled) })
		defer stall.Stop()
	}

	slog.Info("fetch_started", "url", rawURL, "path", destPath, "offset", offset, "expected_size", expectedSize)

	resp, err := src.Open(attemptCtx, rawURL, offset)
	if err != nil {
		return nil, f.attemptError(ctx, attemptCtx, rawURL, err)
	}
	defer resp.Body.Close()

	result := &Result{Path: destPath, StartOffset: offset}
	if resp.Offset != offset {
		if err := file.Truncate(0); err != nil {
			return nil, errors.Classify(errors.Wrap(err, "failed to truncate partial download"), destPath)
		}
		offset = 0
		result.StartOffset = 0
		result.Restarted = true
	}

	if expectedSize > 0 && resp.Total >= 0 && resp.Total != expectedSize {
		slog.Error("fetch_size_mismatch", "url", rawURL, "expected", expectedSize, "advertised", resp.Total)
		return nil, &errors.SizeMismatchError{Path: rawURL, Expected: expectedSize, Actual: resp.Total}
	}
	total := expectedSize
	if total <= 0 {
		total = resp.Total
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to seek download file"), destPath)
	}

	written := offset
	buf := make([]byte, f.opts.ChunkSize)
	for {
		if ctx.Err() != nil {
			file.Sync()
			slog.Info("fetch_cancelled", "url", rawURL, "bytes", written)
			return nil, &errors.CancelledError{Stage: "fetching", Err: ctx.Err()}
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if expectedSize > 0 && written+int64(n) > expectedSize {
				file.Sync()
				return nil, &errors.SizeMismatchError{Path: rawURL, Expected: expectedSize, Actual: written + int64(n)}
			}
			if _, werr := file.Write(buf[:n]); werr != nil {
				return nil, errors.Classify(errors.Wrap(werr, "failed to write download file"), destPath)
			}
			written += int64(n)
			if stall != nil {
				stall.Reset(f.opts.StallTimeout)
			}
			progress(written, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			file.Sync()
			slog.Warn("fetch_interrupted", "url", rawURL, "bytes", written, "error", rerr)
			return nil, f.attemptError(ctx, attemptCtx, rawURL, rerr)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to sync download file"), destPath)
	}

	if resp.Total >= 0 && written < resp.Total {
		return nil, &errors.NetworkError{Op: "read", URL: rawURL,
			Err: fmt.Errorf("stream ended at %d of %d bytes", written, resp.Total)}
	}
	if expectedSize > 0 && written != expectedSize {
		return nil, &errors.SizeMismatchError{Path: rawURL, Expected: expectedSize, Actual: written}
	}

	result.Size = written
	slog.Info("fetch_complete", "url", rawURL, "path", destPath, "size", written, "resumed_from", result.StartOffset)
	return result, nil
}

func (f *Fetcher) attemptError(ctx, attemptCtx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return &errors.CancelledError{Stage: "fetching", Err: ctx.Err()}
	}
	if context.Cause(attemptCtx) == errStalled {
		return &errors.NetworkError{Op: "read", URL: rawURL, Err: errStalled}
	}
	if errors.KindOf(err) != errors.KindUnknown {
		return err
	}
	return &errors.NetworkError{Op: "read", URL: rawURL, Err: err}
}
