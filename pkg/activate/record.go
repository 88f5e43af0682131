// Package activate swaps a staged install into place, keeps the install
// record, and recovers activations interrupted by a crash.
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

// RecordFile is the install record's name inside the install directory.
const RecordFile = ".install-record.json"

// InstallRecord describes what is installed in a directory. It is written
// only after a successful swap.
type InstallRecord struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
	InstallDir  string    `json:"install_dir"`
	Checksum    string    `json:"checksum,omitempty"`
	ArchiveSize int64     `json:"archive_size"`
	SourceURL   string    `json:"source_url,omitempty"`
	Trust       string    `json:"trust,omitempty"`
	RunID       string    `json:"run_id"`
}

// RecordPath returns where the record for installDir lives.
func RecordPath(installDir string) string {
	return filepath.Join(installDir, RecordFile)
}

// ReadRecord loads the record for installDir. A missing record returns nil, nil.
func ReadRecord(installDir string) (*InstallRecord, error) {
	data, err := os.ReadFile(RecordPath(installDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to read install record"), installDir)
	}

	var rec InstallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("install record %s is malformed: %w", RecordPath(installDir), err)
	}
	return &rec, nil
}

// WriteRecord replaces the record atomically; concurrent readers see either
// the old record or the new one.
func WriteRecord(installDir string, rec *InstallRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode install record")
	}
	return fsutil.WriteFileAtomic(RecordPath(installDir), append(data, '\n'), 0o644)
}
