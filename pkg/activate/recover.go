package activate

import (
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/fsutil"
)

// ErrNoPrevious is returned by Rollback when no previous install is retained.
var ErrNoPrevious = errors.New("no previous install retained")

// Action is what Recover did.
type Action string

const (
	ActionNone          Action = "none"
	ActionRolledForward Action = "rolled_forward"
	ActionRolledBack    Action = "rolled_back"
	ActionDiscarded     Action = "discarded"
)

// Recover brings installDir back to a consistent state after an interrupted
// activation. The swap is finished when the new tree is already live,
// undone when the install path is empty but the old tree was set aside, and
// otherwise the staged leftovers are discarded. A staged rollback target is
// returned to the previous slot rather than discarded. Callers must hold the
// directory lock.
func (a *Activator) Recover(installDir string) (Action, error) {
	l := layoutFor(installDir)

	in, err := readIntent(l)
	if err != nil {
		return ActionNone, err
	}
	if in == nil {
		return a.sweep(l)
	}

	slog.Warn("activate_recovery_started", "install_dir", l.install, "run_id", in.RunID)

	if markerMatches(l.install, in.RunID) || recordMatches(l.install, in.RunID) {
		if _, err := a.commit(l, in, ""); err != nil {
			return ActionNone, err
		}
		slog.Warn("activate_recovered", "install_dir", l.install, "action", ActionRolledForward)
		return ActionRolledForward, nil
	}

	if !fsutil.Exists(l.install) && fsutil.Exists(l.backup()) {
		if err := os.Rename(l.backup(), l.install); err != nil {
			return ActionNone, errors.Classify(errors.Wrap(err, "failed to restore old install"), l.install)
		}
		fsutil.SyncDir(l.parent)
		if err := restoreSource(l, in); err != nil {
			return ActionNone, err
		}
		if err := discard(l); err != nil {
			return ActionNone, err
		}
		slog.Warn("activate_recovered", "install_dir", l.install, "action", ActionRolledBack)
		return ActionRolledBack, nil
	}

	if err := restoreSource(l, in); err != nil {
		return ActionNone, err
	}
	if err := discard(l); err != nil {
		return ActionNone, err
	}
	slog.Warn("activate_recovered", "install_dir", l.install, "action", ActionDiscarded)
	return ActionDiscarded, nil
}

// sweep handles leftovers with no intent on disk.
func (a *Activator) sweep(l layout) (Action, error) {
	if !fsutil.Exists(l.install) && fsutil.Exists(l.backup()) {
		if err := os.Rename(l.backup(), l.install); err != nil {
			return ActionNone, errors.Classify(errors.Wrap(err, "failed to restore old install"), l.install)
		}
		fsutil.SyncDir(l.parent)
		return ActionRolledBack, nil
	}
	if !fsutil.Exists(l.staged()) && !fsutil.Exists(l.backup()) {
		return ActionNone, nil
	}
	if err := discard(l); err != nil {
		return ActionNone, err
	}
	return ActionDiscarded, nil
}

// discard removes the staged tree, a stale backup, and the intent.
func discard(l layout) error {
	var result *multierror.Error
	if err := os.RemoveAll(l.staged()); err != nil {
		result = multierror.Append(result, err)
	}
	if fsutil.Exists(l.install) {
		if err := os.RemoveAll(l.backup()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := removeIntent(l); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "failed to discard activation leftovers")
	}
	return nil
}

func recordMatches(installDir, runID string) bool {
	rec, err := ReadRecord(installDir)
	return err == nil && rec != nil && rec.RunID == runID
}

// Rollback makes the retained previous install live again, keeping the
// current one as the new previous. runID identifies the operation in the
// rewritten record.
func (a *Activator) Rollback(installDir, runID string) (*Result, error) {
	l := layoutFor(installDir)
	if !fsutil.Exists(l.previous()) {
		return nil, ErrNoPrevious
	}
	prev, err := ReadRecord(l.previous())
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, errors.Wrap(ErrNoPrevious, "previous install has no record")
	}

	rec := *prev
	rec.RunID = runID
	rec.InstalledAt = time.Now().UTC()

	slog.Info("activate_rollback", "install_dir", l.install, "version", rec.Version)

	swapper := *a
	swapper.opts.RetainPrevious = true
	return swapper.activate(l.previous(), l.install, rec, sourcePrevious)
}

// PreviousRecord reads the record of the retained previous install, nil when
// there is none.
func PreviousRecord(installDir string) (*InstallRecord, error) {
	return ReadRecord(PreviousDir(installDir))
}
