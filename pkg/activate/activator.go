package activate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/fsutil"
)

// Steps reported to the test hook, in order.
const (
	stepMoved     = "moved"
	stepStaged    = "staged"
	stepAside     = "aside"
	stepExchanged = "exchanged"
	stepSwapped   = "swapped"
	stepRecorded  = "recorded"
)

var (
	errExchangeUnsupported = errors.New("atomic directory exchange not supported")
	errInterrupted         = errors.New("activation interrupted")
)

// Strategy is how the staged tree replaced the install directory.
type Strategy string

const (
	StrategyRename   Strategy = "rename"
	StrategyExchange Strategy = "exchange"
	StrategyTwoStep  Strategy = "two-step"
)

// Options configure an Activator.
type Options struct {
	// RetainPrevious keeps the superseded install next to the live one so it
	// can be restored with Rollback.
	RetainPrevious bool
}

// Result describes a finished activation.
type Result struct {
	Record   *InstallRecord
	Strategy Strategy
	// Previous is the retained previous install, empty when none was kept.
	Previous string
}

// Activator makes staged trees live. Callers serialize calls per install
// directory.
type Activator struct {
	opts     Options
	exchange func(a, b string) error
	hook     func(step string) error
}

func New(opts Options) *Activator {
	return &Activator{opts: opts, exchange: exchange}
}

func (a *Activator) step(name string) error {
	if a.hook == nil {
		return nil
	}
	if err := a.hook(name); err != nil {
		return fmt.Errorf("%w at %s: %w", errInterrupted, name, err)
	}
	return nil
}

// Activate replaces installDir with stagingDir and then writes record. It is
// not cancellable. At every point before the record is written a crash
// leaves either the old tree or the new tree at installDir, and Recover
// finishes or undoes the work.
func (a *Activator) Activate(stagingDir, installDir string, record InstallRecord) (*Result, error) {
	return a.activate(stagingDir, installDir, record, "")
}

func (a *Activator) activate(stagingDir, installDir string, record InstallRecord, source string) (*Result, error) {
	if record.RunID == "" {
		return nil, fmt.Errorf("activate: record has no run id")
	}
	l := layoutFor(installDir)
	record.InstallDir = l.install
	if record.InstalledAt.IsZero() {
		record.InstalledAt = time.Now().UTC()
	}

	slog.Info("activate_started", "install_dir", l.install, "version", record.Version, "run_id", record.RunID)

	if err := os.MkdirAll(l.parent, 0o755); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to create install parent"), l.parent)
	}
	if err := os.RemoveAll(l.staged()); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to clear stale staged tree"), l.staged())
	}

	in := &intent{
		RunID:     record.RunID,
		Record:    record,
		Source:    source,
		Retain:    a.opts.RetainPrevious,
		StartedAt: time.Now().UTC(),
	}
	if err := writeIntent(l, in); err != nil {
		return nil, err
	}
	if err := moveTree(stagingDir, l.staged()); err != nil {
		removeIntent(l)
		return nil, err
	}
	if err := a.step(stepMoved); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.staged(), markerFile), []byte(record.RunID), 0o644); err != nil {
		abandon(l, in)
		return nil, err
	}
	if err := a.step(stepStaged); err != nil {
		return nil, err
	}

	strategy, err := a.swap(l)
	if err != nil {
		if errors.Is(err, errInterrupted) {
			return nil, err
		}
		abandon(l, in)
		slog.Error("activate_swap_failed", "install_dir", l.install, "error", err)
		return nil, err
	}
	if err := a.step(stepSwapped); err != nil {
		return nil, err
	}

	return a.commit(l, in, strategy)
}

// abandon undoes an activation that failed before the swap.
func abandon(l layout, in *intent) {
	if err := restoreSource(l, in); err != nil {
		slog.Error("activate_restore_previous_failed", "install_dir", l.install, "error", err)
		return
	}
	os.RemoveAll(l.staged())
	removeIntent(l)
}

// swap puts the staged tree at the install path. On failure the install path
// holds what it held before.
func (a *Activator) swap(l layout) (Strategy, error) {
	if !fsutil.Exists(l.install) {
		if err := os.Rename(l.staged(), l.install); err != nil {
			return "", errors.Classify(errors.Wrap(err, "failed to move staged tree into place"), l.install)
		}
		fsutil.SyncDir(l.parent)
		return StrategyRename, nil
	}

	if err := os.RemoveAll(l.backup()); err != nil {
		return "", errors.Classify(errors.Wrap(err, "failed to clear stale backup"), l.backup())
	}

	err := a.exchange(l.staged(), l.install)
	if err == nil {
		fsutil.SyncDir(l.parent)
		if err := a.step(stepExchanged); err != nil {
			return "", err
		}
		// The staged path now holds the old tree.
		if err := os.Rename(l.staged(), l.backup()); err != nil {
			slog.Warn("activate_backup_rename_failed", "path", l.staged(), "error", err)
		}
		return StrategyExchange, nil
	}
	if !errors.Is(err, errExchangeUnsupported) {
		return "", errors.Classify(errors.Wrap(err, "failed to exchange install directories"), l.install)
	}

	if err := os.Rename(l.install, l.backup()); err != nil {
		return "", errors.Classify(errors.Wrap(err, "failed to move old install aside"), l.install)
	}
	fsutil.SyncDir(l.parent)
	if err := a.step(stepAside); err != nil {
		return "", err
	}
	if err := os.Rename(l.staged(), l.install); err != nil {
		if rerr := os.Rename(l.backup(), l.install); rerr != nil {
			slog.Error("activate_restore_failed", "install_dir", l.install, "backup", l.backup(), "error", rerr)
		}
		return "", errors.Classify(errors.Wrap(err, "failed to move staged tree into place"), l.install)
	}
	fsutil.SyncDir(l.parent)
	return StrategyTwoStep, nil
}

// commit writes the record, clears the marker, disposes of the old tree and
// drops the intent. It is also how recovery rolls an activation forward.
func (a *Activator) commit(l layout, in *intent, strategy Strategy) (*Result, error) {
	rec := in.Record
	if err := WriteRecord(l.install, &rec); err != nil {
		slog.Error("activate_record_failed", "install_dir", l.install, "error", err)
		return nil, err
	}
	if err := a.step(stepRecorded); err != nil {
		return nil, err
	}

	if err := os.Remove(filepath.Join(l.install, markerFile)); err != nil && !os.IsNotExist(err) {
		slog.Warn("activate_marker_remove_failed", "install_dir", l.install, "error", err)
	}
	fsutil.SyncDir(l.install)

	previous := a.dispose(l, in.Retain)
	if err := removeIntent(l); err != nil {
		slog.Warn("activate_intent_remove_failed", "path", l.intent(), "error", err)
	}

	slog.Info("activate_complete",
		"install_dir", l.install,
		"version", rec.Version,
		"strategy", string(strategy),
		"previous", previous,
	)
	return &Result{Record: &rec, Strategy: strategy, Previous: previous}, nil
}

// dispose retains or deletes the superseded tree. Failures are logged: the
// new install is already live.
func (a *Activator) dispose(l layout, retain bool) string {
	old := l.backup()
	if !fsutil.Exists(old) {
		if !fsutil.Exists(l.staged()) || hasMarker(l.staged()) {
			return ""
		}
		old = l.staged()
	}

	if retain {
		var result *multierror.Error
		if err := os.RemoveAll(l.previous()); err != nil {
			result = multierror.Append(result, err)
		} else if err := os.Rename(old, l.previous()); err != nil {
			result = multierror.Append(result, err)
		} else {
			fsutil.SyncDir(l.parent)
			return l.previous()
		}
		slog.Warn("activate_retain_previous_failed", "install_dir", l.install, "error", result.ErrorOrNil())
	}

	if err := os.RemoveAll(old); err != nil {
		slog.Warn("activate_cleanup_failed", "path", old, "error", err)
	}
	return ""
}

// moveTree renames src to dst, copying when they are on different
// filesystems.
func moveTree(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return errors.Classify(errors.Wrap(err, "failed to move staging directory"), dst)
	}

	slog.Info("activate_copy_staging", "from", src, "to", dst)
	if err := fsutil.CopyDir(src, dst); err != nil {
		os.RemoveAll(dst)
		return errors.Classify(errors.Wrap(err, "failed to copy staging directory"), dst)
	}
	if err := os.RemoveAll(src); err != nil {
		slog.Warn("activate_staging_remove_failed", "path", src, "error", err)
	}
	return nil
}
