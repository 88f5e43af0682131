package activate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/fsutil"
)

// markerFile is placed in a staged tree before the swap and removed once the
// record is written. A live marker in the install directory means the swap
// happened but the activation did not finish.
const markerFile = ".activating"

// layout names every sibling of the install directory the activator touches.
// All of them share the install directory's parent so renames stay on one
// filesystem.
type layout struct {
	install string
	parent  string
	name    string
}

func layoutFor(installDir string) layout {
	install := filepath.Clean(installDir)
	if abs, err := filepath.Abs(install); err == nil {
		install = abs
	}
	return layout{install: install, parent: filepath.Dir(install), name: filepath.Base(install)}
}

func (l layout) sibling(suffix string) string {
	return filepath.Join(l.parent, "."+l.name+"."+suffix)
}

func (l layout) staged() string   { return l.sibling("staging") }
func (l layout) backup() string   { return l.sibling("old") }
func (l layout) previous() string { return l.sibling("previous") }
func (l layout) intent() string   { return l.sibling("activation.json") }

// PreviousDir returns where a retained previous install is kept.
func PreviousDir(installDir string) string {
	return layoutFor(installDir).previous()
}

// sourcePrevious marks an activation whose staged tree was the retained
// previous install. Recovery that does not roll forward moves it back.
const sourcePrevious = "previous"

// intent is written before the first rename so recovery knows which run was
// activating and what record to write if the swap already happened.
type intent struct {
	RunID  string        `json:"run_id"`
	Record InstallRecord `json:"record"`
	Source string        `json:"source,omitempty"`
	// Retain is whether the superseded tree is kept as the previous install.
	Retain    bool      `json:"retain,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func writeIntent(l layout, in *intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode activation intent")
	}
	return fsutil.WriteFileAtomic(l.intent(), data, 0o644)
}

func readIntent(l layout) (*intent, error) {
	data, err := os.ReadFile(l.intent())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to read activation intent"), l.intent())
	}
	var in intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("activation intent %s is malformed: %w", l.intent(), err)
	}
	return &in, nil
}

func removeIntent(l layout) error {
	if err := os.Remove(l.intent()); err != nil && !os.IsNotExist(err) {
		return errors.Classify(errors.Wrap(err, "failed to remove activation intent"), l.intent())
	}
	return fsutil.SyncDir(l.parent)
}

func markerMatches(dir, runID string) bool {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	return err == nil && string(data) == runID
}

func hasMarker(dir string) bool {
	return fsutil.Exists(filepath.Join(dir, markerFile))
}

// restoreSource moves a staged rollback target back to the previous slot.
func restoreSource(l layout, in *intent) error {
	if in.Source != sourcePrevious || !fsutil.Exists(l.staged()) || fsutil.Exists(l.previous()) {
		return nil
	}
	if err := os.Remove(filepath.Join(l.staged(), markerFile)); err != nil && !os.IsNotExist(err) {
		return errors.Classify(errors.Wrap(err, "failed to clear activation marker"), l.staged())
	}
	if err := os.Rename(l.staged(), l.previous()); err != nil {
		return errors.Classify(errors.Wrap(err, "failed to restore previous install"), l.previous())
	}
	return fsutil.SyncDir(l.parent)
}
