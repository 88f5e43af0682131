package pipeline

import (
	"time"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
)

// Stage is a pipeline state. Values match the journal's stage column.
type Stage string

const (
	StagePending    Stage = db.StagePending
	StageFetching   Stage = db.StageFetching
	StageVerifying  Stage = db.StageVerifying
	StageExtracting Stage = db.StageExtracting
	StageActivating Stage = db.StageActivating
	StageComplete   Stage = db.StageComplete
	StageFailed     Stage = db.StageFailed
	StageCancelled  Stage = db.StageCancelled
)

// Terminal reports whether no further transitions can follow s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// PipelineState is a snapshot of one run.
type PipelineState struct {
	RunID        string
	Stage        Stage
	BytesFetched int64
	// BytesTotal is -1 while unknown.
	BytesTotal  int64
	ArchivePath string
	StagingDir  string
	// Attempts counts fetch attempts across re-fetches.
	Attempts  int
	Refetches int
	Degraded  bool
	Cancelled bool
	Err       error
}

// ProgressEvent is emitted on every stage transition and fetch progress
// callback. Seq strictly increases within a run.
type ProgressEvent struct {
	RunID      string
	Seq        uint64
	Stage      Stage
	BytesDone  int64
	BytesTotal int64
	Attempt    int
	// Degraded is set once the archive was accepted without a checksum.
	Degraded bool
	Message  string
	Time     time.Time
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID string
	State Stage
	// Record is the install record after COMPLETE.
	Record *activate.InstallRecord
	Err    error
	Kind   errors.Kind
	Family errors.Family
	// Attempts counts fetch attempts across re-fetches.
	Attempts  int
	Refetches int
	Degraded  bool
	// ShortCircuit is set when the requested version was already installed.
	ShortCircuit bool
	// Change is install, upgrade, downgrade, reinstall or update.
	Change   string
	Duration time.Duration
}

func (s *PipelineState) journalRow(req InstallRequest) *db.Run {
	row := &db.Run{
		ID:           s.RunID,
		InstallDir:   req.TargetDir,
		Version:      req.Version,
		SourceURL:    req.URL,
		Stage:        string(s.Stage),
		BytesFetched: s.BytesFetched,
		BytesTotal:   max(s.BytesTotal, 0),
		ArchivePath:  s.ArchivePath,
		StagingDir:   s.StagingDir,
		Attempts:     s.Attempts,
	}
	if s.Err != nil {
		row.ErrorKind = errors.KindOf(s.Err).String()
		row.ErrorMessage = s.Err.Error()
	}
	return row
}
