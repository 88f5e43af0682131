package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-multierror"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/extract"
	"github.com/releasekit/installer/pkg/fetch"
	"github.com/releasekit/installer/pkg/fsutil"
	"github.com/releasekit/installer/pkg/security"
	"github.com/releasekit/installer/pkg/verify"
)

// execute runs the pipeline for r and returns its terminal result. The
// directory lock is held from before the idempotence check until the run is
// terminal.
func (c *Coordinator) execute(ctx context.Context, r *Run) Result {
	req := r.req
	r.transition(StagePending, "")

	if err := req.Validate(); err != nil {
		return c.terminate(ctx, r, err, nil)
	}
	if !c.fetcher.Supports(req.URL) {
		return c.terminate(ctx, r, invalid("url", "no source configured for this scheme"), nil)
	}
	if req.SignatureURL != "" {
		if !c.fetcher.Supports(req.SignatureURL) {
			return c.terminate(ctx, r, invalid("signature_url", "no source configured for this scheme"), nil)
		}
		if !c.verifier.HasKeyring() {
			return c.terminate(ctx, r, invalid("signature_url", "no trusted keyring configured"), nil)
		}
	}

	held, err := c.lock(ctx, req.TargetDir)
	if err != nil {
		return c.terminate(ctx, r, err, nil)
	}
	defer held.Unlock()

	paths := c.scratchFor(req)
	s := r.update(func(s *PipelineState) {
		s.ArchivePath = paths.archive
		s.StagingDir = paths.staging
	})
	c.record(ctx, r, s)

	if action, err := c.activator.Recover(req.TargetDir); err != nil {
		return c.terminate(ctx, r, err, &paths)
	} else if action != activate.ActionNone {
		slog.Warn("pipeline_recovered_activation", "run_id", req.ID, "install_dir", req.TargetDir, "action", action)
	}

	current, err := activate.ReadRecord(req.TargetDir)
	if err != nil {
		return c.terminate(ctx, r, err, &paths)
	}
	if alreadyInstalled(current, req) {
		slog.Info("pipeline_already_installed", "run_id", req.ID, "install_dir", req.TargetDir, "version", req.Version)
		c.cleanup(paths, true)
		c.transition(ctx, r, StageComplete, "already installed")
		res := c.result(r, StageComplete, nil)
		res.Record = current
		res.ShortCircuit = true
		c.metrics.runFinished(StageComplete, "")
		return res
	}

	if err := os.MkdirAll(c.opts.ScratchDir, 0o755); err != nil {
		return c.terminate(ctx, r, errors.Classify(errors.Wrap(err, "failed to create scratch dir"), c.opts.ScratchDir), &paths)
	}
	c.resume(ctx, r, paths)

	vres, err := c.acquire(ctx, r, paths)
	if err != nil {
		return c.terminate(ctx, r, err, &paths)
	}

	// Last cancellation point. Once ACTIVATING starts the run completes.
	if err := ctx.Err(); err != nil {
		return c.terminate(ctx, r, &errors.CancelledError{Stage: "activating", Err: err}, &paths)
	}
	c.transition(ctx, r, StageActivating, "")
	ctx = context.WithoutCancel(ctx)

	ares, err := c.activator.Activate(paths.staging, req.TargetDir, activate.InstallRecord{
		Version:     req.Version,
		Checksum:    vres.Checksum.String(),
		ArchiveSize: vres.Size,
		SourceURL:   req.URL,
		Trust:       string(vres.Trust),
		RunID:       req.ID,
	})
	if err != nil {
		return c.terminate(ctx, r, err, &paths)
	}

	change := classifyChange(current, req.Version)
	c.appendHistory(ctx, ares.Record, db.ActionInstall)
	c.cleanup(paths, true)
	c.transition(ctx, r, StageComplete, change+" "+req.Version)

	res := c.result(r, StageComplete, nil)
	res.Record = ares.Record
	res.Change = change
	c.metrics.runFinished(StageComplete, "")
	slog.Info("pipeline_complete",
		"run_id", req.ID,
		"install_dir", req.TargetDir,
		"version", req.Version,
		"change", change,
		"strategy", ares.Strategy,
		"attempts", res.Attempts,
		"duration", res.Duration)
	return res
}

// resume picks up where an earlier run with the same ID stopped. The partial
// archive on disk is the source of truth for the offset; the staging
// directory is always rebuilt.
func (c *Coordinator) resume(ctx context.Context, r *Run, paths scratch) {
	if err := os.RemoveAll(paths.staging); err != nil {
		slog.Warn("pipeline_stale_staging", "path", paths.staging, "error", err)
	}

	offset := fileSize(paths.archive)
	var prior *db.Run
	if c.journal != nil {
		var err error
		if prior, err = c.journal.GetRun(ctx, r.req.ID); err != nil {
			slog.Warn("pipeline_journal_read_failed", "run_id", r.req.ID, "error", err)
		}
	}
	if prior == nil && offset == 0 {
		return
	}

	s := r.update(func(s *PipelineState) {
		s.BytesFetched = offset
		if prior != nil {
			s.Attempts = prior.Attempts
		}
	})
	attrs := []any{"run_id", s.RunID, "offset", offset}
	if prior != nil {
		attrs = append(attrs, "journal_stage", prior.Stage, "journal_bytes", prior.BytesFetched)
	}
	slog.Info("pipeline_resume", attrs...)
}

// acquire produces a verified archive extracted into staging. Integrity
// failures discard the archive and start over from offset zero, bounded by
// MaxRefetches.
func (c *Coordinator) acquire(ctx context.Context, r *Run, paths scratch) (*verify.Result, error) {
	msg := ""
	for {
		vres, err := c.fetchAndVerify(ctx, r, paths, msg)
		if err == nil {
			if err = c.unpack(ctx, r, paths); err == nil {
				return vres, nil
			}
		}
		if !errors.ForcesRefetch(err) {
			return nil, err
		}

		s := r.State()
		if s.Refetches >= c.opts.MaxRefetches {
			slog.Error("pipeline_refetch_exhausted", "run_id", s.RunID, "refetches", s.Refetches, "error", err)
			return nil, err
		}
		c.cleanup(paths, true)
		s = r.update(func(s *PipelineState) {
			s.Refetches++
			s.BytesFetched = 0
			s.Err = err
		})
		c.metrics.refetched()
		slog.Warn("pipeline_refetch", "run_id", s.RunID, "refetch", s.Refetches, "kind", errors.KindOf(err), "error", err)
		msg = fmt.Sprintf("refetching after %s", errors.KindOf(err))
	}
}

func (c *Coordinator) fetchAndVerify(ctx context.Context, r *Run, paths scratch, msg string) (*verify.Result, error) {
	req := r.req
	c.transition(ctx, r, StageFetching, msg)

	if req.ExpectedSize > 0 {
		need := req.ExpectedSize - fileSize(paths.archive)
		if need > 0 {
			if err := fsutil.EnsureFree(ctx, c.opts.ScratchDir, uint64(need)); err != nil {
				return nil, err
			}
		}
	}
	if err := c.fetchWithRetry(ctx, r, req.URL, paths.archive, req.ExpectedSize, true); err != nil {
		return nil, err
	}
	if req.SignatureURL != "" {
		os.Remove(paths.signature)
		if err := c.fetchWithRetry(ctx, r, req.SignatureURL, paths.signature, 0, false); err != nil {
			return nil, err
		}
	}

	c.transition(ctx, r, StageVerifying, "")
	sigPath := ""
	if req.SignatureURL != "" {
		sigPath = paths.signature
	}
	vres, err := c.verifier.Verify(ctx, paths.archive, req.ExpectedSize, req.checksum(), sigPath)
	if err != nil {
		return nil, err
	}
	if vres.Trust == verify.TrustDegraded {
		s := r.update(func(s *PipelineState) { s.Degraded = true })
		r.emit(s, "archive accepted without checksum or signature", false)
	}
	return vres, nil
}

// fetchWithRetry retries transient network failures with exponential
// backoff, resuming from whatever is already on disk each time.
func (c *Coordinator) fetchWithRetry(ctx context.Context, r *Run, url, dest string, expectedSize int64, report bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.opts.MaxFetchAttempts-1)), ctx)

	var progress fetch.Progress
	if report {
		progress = func(done, total int64) {
			s := r.update(func(s *PipelineState) {
				s.BytesFetched = done
				s.BytesTotal = total
			})
			r.emit(s, "", true)
		}
	}

	op := func() error {
		r.update(func(s *PipelineState) { s.Attempts++ })
		offset := fileSize(dest)
		res, err := c.fetcher.Fetch(ctx, url, dest, expectedSize, offset, progress)
		c.metrics.fetched(fileSize(dest) - offset)
		if err == nil {
			if res.Restarted {
				slog.Warn("pipeline_fetch_restarted", "run_id", r.req.ID, "url", url, "discarded", offset)
			}
			return nil
		}
		if errors.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.retried()
		s := r.update(func(s *PipelineState) { s.Err = err })
		slog.Warn("pipeline_fetch_retry", "run_id", s.RunID, "attempt", s.Attempts, "wait", wait, "error", err)
		r.emit(s, fmt.Sprintf("retrying in %s: %v", wait.Round(time.Millisecond), err), false)
		c.record(ctx, r, s)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && ctx.Err() != nil && errors.KindOf(err) != errors.KindCancelled {
		return &errors.CancelledError{Stage: "fetching", Err: ctx.Err()}
	}
	if err == nil {
		r.update(func(s *PipelineState) { s.Err = nil })
	}
	return err
}

// unpack extracts the verified archive into a fresh staging directory and
// adds the requested empty directories.
func (c *Coordinator) unpack(ctx context.Context, r *Run, paths scratch) error {
	req := r.req
	c.transition(ctx, r, StageExtracting, "")

	format := req.format()
	if format == extract.FormatAuto {
		f, err := extract.DetectFormat(paths.archive)
		if err != nil {
			return err
		}
		format = f
	}
	total := int64(-1)
	if size, err := extract.UncompressedSize(paths.archive, format); err == nil && size > 0 {
		total = size
		if err := fsutil.EnsureFree(ctx, c.opts.ScratchDir, uint64(size)); err != nil {
			return err
		}
	}

	_, err := c.extractor.Extract(ctx, paths.archive, paths.staging, extract.Options{
		Format: format,
		Progress: func(entries int, bytes int64) {
			r.events.push(ProgressEvent{
				RunID:      req.ID,
				Stage:      StageExtracting,
				BytesDone:  bytes,
				BytesTotal: total,
				Message:    fmt.Sprintf("%d entries", entries),
				Time:       time.Now(),
			}, true)
		},
	})
	if err != nil {
		os.RemoveAll(paths.staging)
		return err
	}

	v := security.NewValidator(c.opts.Limits)
	for _, d := range req.EnsureDirs {
		rel, err := v.ValidatePath(d)
		if err != nil {
			return err
		}
		dir, err := securejoin.SecureJoin(paths.staging, rel)
		if err != nil {
			return &errors.UnsafePathError{Entry: d, Target: paths.staging, Reason: err.Error()}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Classify(errors.Wrap(err, "failed to create directory"), dir)
		}
	}
	return nil
}

// terminate moves r to FAILED or CANCELLED. paths is nil when the run never
// took ownership of scratch files. Cancelled runs and runs that ran out of
// network retries keep their partial archive for a later resume.
func (c *Coordinator) terminate(ctx context.Context, r *Run, err error, paths *scratch) Result {
	kind := errors.KindOf(err)
	stage := StageFailed
	if kind == errors.KindCancelled {
		stage = StageCancelled
	}

	s := r.update(func(s *PipelineState) { s.Err = err })
	if paths != nil {
		keep := stage == StageCancelled || kind == errors.KindNetwork
		c.cleanup(*paths, !keep)
		c.transition(ctx, r, stage, describe(err))
	} else {
		r.transition(stage, describe(err))
	}

	res := c.result(r, stage, err)
	c.metrics.runFinished(stage, string(res.Family))
	if stage == StageCancelled {
		slog.Info("pipeline_cancelled", "run_id", s.RunID, "install_dir", r.req.TargetDir, "error", err)
	} else {
		slog.Error("pipeline_failed",
			"run_id", s.RunID,
			"install_dir", r.req.TargetDir,
			"kind", kind,
			"family", res.Family,
			"error", err)
	}
	return res
}

func (c *Coordinator) result(r *Run, stage Stage, err error) Result {
	s := r.State()
	res := Result{
		RunID:     s.RunID,
		State:     stage,
		Err:       err,
		Attempts:  s.Attempts,
		Refetches: s.Refetches,
		Degraded:  s.Degraded,
		Duration:  time.Since(r.start),
	}
	if err != nil {
		res.Kind = errors.KindOf(err)
		res.Family = res.Kind.Family()
	}
	return res
}

// cleanup removes the run's staging directory and signature, and the
// archive when removeArchive is set.
func (c *Coordinator) cleanup(paths scratch, removeArchive bool) {
	targets := []string{paths.staging, paths.signature}
	if removeArchive {
		targets = append(targets, paths.archive)
	}

	var result *multierror.Error
	for _, p := range targets {
		if err := os.RemoveAll(p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("pipeline_cleanup_failed", "error", err)
	}
}
