// Package pipeline drives one install or update through fetch, verify,
// extract and activate, as a cancellable run that reports progress on a
// channel. It is the only entry point callers use.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/extract"
	"github.com/releasekit/installer/pkg/fetch"
	"github.com/releasekit/installer/pkg/lock"
	"github.com/releasekit/installer/pkg/security"
	"github.com/releasekit/installer/pkg/verify"
)

// Journal persists run snapshots and install history. Write failures are
// logged and do not fail a run.
type Journal interface {
	UpsertRun(ctx context.Context, run *db.Run) error
	GetRun(ctx context.Context, id string) (*db.Run, error)
	AppendInstall(ctx context.Context, in *db.Install) error
}

// Options configure a Coordinator.
type Options struct {
	// ScratchDir holds per-run archives and staging directories.
	ScratchDir string
	// MaxFetchAttempts bounds attempts per fetch, counting the first.
	MaxFetchAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// MaxRefetches bounds how often an archive failing integrity checks is
	// discarded and fetched again.
	MaxRefetches   int
	RetainPrevious bool
	Limits         security.Limits
	// LockTimeout bounds the wait for another run on the same directory.
	// Zero waits until the run's context is done.
	LockTimeout time.Duration
}

// Deps are the stage implementations. Nil fields get defaults.
type Deps struct {
	Fetcher   *fetch.Fetcher
	Verifier  *verify.Verifier
	Extractor *extract.Extractor
	Activator *activate.Activator
	Locks     *lock.Locker
	Journal   Journal
	Metrics   *Metrics
}

// Coordinator starts and tracks runs.
type Coordinator struct {
	opts      Options
	fetcher   *fetch.Fetcher
	verifier  *verify.Verifier
	extractor *extract.Extractor
	activator *activate.Activator
	locks     *lock.Locker
	journal   Journal
	metrics   *Metrics

	mu     sync.Mutex
	active map[string]*Run
}

func New(opts Options, deps Deps) *Coordinator {
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "installer")
	}
	if opts.MaxFetchAttempts <= 0 {
		opts.MaxFetchAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxRefetches < 0 {
		opts.MaxRefetches = 0
	}
	if opts.Limits == (security.Limits{}) {
		opts.Limits = security.DefaultLimits
	}

	c := &Coordinator{
		opts:      opts,
		fetcher:   deps.Fetcher,
		verifier:  deps.Verifier,
		extractor: deps.Extractor,
		activator: deps.Activator,
		locks:     deps.Locks,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		active:    make(map[string]*Run),
	}
	if c.fetcher == nil {
		c.fetcher = fetch.New(fetch.Options{})
		src := fetch.NewHTTPSource(nil, "")
		c.fetcher.Register("http", src)
		c.fetcher.Register("https", src)
	}
	if c.verifier == nil {
		c.verifier = verify.New(nil)
	}
	if c.extractor == nil {
		c.extractor = extract.New(opts.Limits)
	}
	if c.activator == nil {
		c.activator = activate.New(activate.Options{RetainPrevious: opts.RetainPrevious})
	}
	if c.locks == nil {
		c.locks = lock.New()
	}
	return c
}

// Start begins a run in the background. Invalid requests still produce a
// run, which fails immediately with a request-family error.
func (c *Coordinator) Start(ctx context.Context, req InstallRequest) *Run {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := newRun(req, cancel)
	r.onStageDone = func(s Stage, d time.Duration) { c.metrics.stageDone(s, d.Seconds()) }

	c.mu.Lock()
	_, dup := c.active[req.ID]
	if !dup {
		c.active[req.ID] = r
	}
	c.mu.Unlock()

	go func() {
		defer cancel()
		var res Result
		if dup {
			res = c.terminate(ctx, r, invalid("id", "a run with this id is already active"), nil)
		} else {
			c.metrics.active(1)
			res = c.execute(ctx, r)
			c.metrics.active(-1)
			c.mu.Lock()
			delete(c.active, req.ID)
			c.mu.Unlock()
		}
		r.finish(res)
	}()
	return r
}

// Install runs req to completion, discarding progress events. A run that
// fails on the network or is cancelled keeps its partial archive under a
// name derived from req.ID; only a later request with the same ID resumes
// it, and SweepScratch removes it otherwise.
func (c *Coordinator) Install(ctx context.Context, req InstallRequest) Result {
	r := c.Start(ctx, req)
	for range r.Events() {
	}
	return r.Wait()
}

// Recover finishes or undoes an interrupted activation of installDir.
func (c *Coordinator) Recover(ctx context.Context, installDir string) (activate.Action, error) {
	held, err := c.lock(ctx, installDir)
	if err != nil {
		return activate.ActionNone, err
	}
	defer held.Unlock()
	return c.activator.Recover(installDir)
}

// Rollback makes the retained previous install of installDir live again.
func (c *Coordinator) Rollback(ctx context.Context, installDir string) (*activate.InstallRecord, error) {
	held, err := c.lock(ctx, installDir)
	if err != nil {
		return nil, err
	}
	defer held.Unlock()

	if _, err := c.activator.Recover(installDir); err != nil {
		return nil, err
	}
	res, err := c.activator.Rollback(installDir, "rollback-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	c.appendHistory(context.WithoutCancel(ctx), res.Record, db.ActionRollback)
	return res.Record, nil
}

func (c *Coordinator) lock(ctx context.Context, dir string) (*lock.Held, error) {
	if c.opts.LockTimeout <= 0 {
		return c.locks.Lock(ctx, dir)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.LockTimeout)
	defer cancel()
	return c.locks.Lock(ctx, dir)
}

// Status returns the current install record of installDir, nil when nothing
// is installed.
func (c *Coordinator) Status(installDir string) (*activate.InstallRecord, error) {
	return activate.ReadRecord(installDir)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type scratch struct {
	archive   string
	staging   string
	signature string
}

// scratchFor names a run's files. Names depend only on version and run ID so
// a resumed run finds its partial archive.
func (c *Coordinator) scratchFor(req InstallRequest) scratch {
	base := filepath.Join(c.opts.ScratchDir, ScratchName(req.Version, req.ID))
	return scratch{
		archive:   base + ".archive",
		staging:   base + ".staging",
		signature: base + ".sig",
	}
}

// ScratchName is the base name shared by a run's scratch files.
func ScratchName(version, runID string) string {
	return unsafeName.ReplaceAllString(version, "_") + "-" + runID
}

func (c *Coordinator) record(ctx context.Context, r *Run, s PipelineState) {
	if c.journal == nil {
		return
	}
	if err := c.journal.UpsertRun(context.WithoutCancel(ctx), s.journalRow(r.req)); err != nil {
		slog.Warn("pipeline_journal_failed", "run_id", s.RunID, "stage", s.Stage, "error", err)
	}
}

func (c *Coordinator) transition(ctx context.Context, r *Run, stage Stage, msg string) {
	s := r.transition(stage, msg)
	slog.Info("pipeline_stage", "run_id", s.RunID, "stage", stage, "install_dir", r.req.TargetDir)
	c.record(ctx, r, s)
}

func (c *Coordinator) appendHistory(ctx context.Context, rec *activate.InstallRecord, action string) {
	if c.journal == nil || rec == nil {
		return
	}
	err := c.journal.AppendInstall(ctx, &db.Install{
		InstallDir:  rec.InstallDir,
		Version:     rec.Version,
		Checksum:    rec.Checksum,
		ArchiveSize: rec.ArchiveSize,
		Trust:       rec.Trust,
		RunID:       rec.RunID,
		Action:      action,
		InstalledAt: rec.InstalledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn("pipeline_history_failed", "install_dir", rec.InstallDir, "error", err)
	}
}

// classifyChange describes moving from prev to next.
func classifyChange(prev *activate.InstallRecord, next string) string {
	if prev == nil {
		return "install"
	}
	pv, perr := version.NewVersion(prev.Version)
	nv, nerr := version.NewVersion(next)
	if perr != nil || nerr != nil {
		if prev.Version == next {
			return "reinstall"
		}
		return "update"
	}
	switch {
	case nv.GreaterThan(pv):
		return "upgrade"
	case nv.LessThan(pv):
		return "downgrade"
	default:
		return "reinstall"
	}
}

// alreadyInstalled is the idempotence check. Without an expected checksum
// the version alone decides.
func alreadyInstalled(rec *activate.InstallRecord, req InstallRequest) bool {
	if rec == nil || rec.Version != req.Version {
		return false
	}
	want := req.checksum()
	if want.IsZero() {
		return true
	}
	have, err := verify.ParseChecksum(rec.Checksum)
	return err == nil && have.Equal(want)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", errors.KindOf(err), err)
}
