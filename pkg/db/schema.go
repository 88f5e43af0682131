package db

// Schema defines the SQLite journal. runs holds one PipelineState snapshot
// per run, rewritten on every stage transition so an interrupted run can be
// resumed. installs is the append-only history of activations and rollbacks.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    install_dir TEXT NOT NULL,
    version TEXT NOT NULL,
    source_url TEXT NOT NULL,
    stage TEXT NOT NULL CHECK(stage IN ('pending', 'fetching', 'verifying', 'extracting', 'activating', 'complete', 'failed', 'cancelled')),
    bytes_fetched INTEGER NOT NULL DEFAULT 0,
    bytes_total INTEGER NOT NULL DEFAULT 0,
    archive_path TEXT,
    staging_dir TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_install_dir ON runs(install_dir);
CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);

CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    install_dir TEXT NOT NULL,
    version TEXT NOT NULL,
    checksum TEXT,
    archive_size INTEGER NOT NULL DEFAULT 0,
    trust TEXT,
    run_id TEXT NOT NULL,
    action TEXT NOT NULL CHECK(action IN ('install', 'rollback')),
    installed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_installs_install_dir ON installs(install_dir);
`

// Stage values stored in runs.stage.
const (
	StagePending    = "pending"
	StageFetching   = "fetching"
	StageVerifying  = "verifying"
	StageExtracting = "extracting"
	StageActivating = "activating"
	StageComplete   = "complete"
	StageFailed     = "failed"
	StageCancelled  = "cancelled"
)

// Actions recorded in installs.action.
const (
	ActionInstall  = "install"
	ActionRollback = "rollback"
)

// Run is the persisted PipelineState of one run.
type Run struct {
	ID           string
	InstallDir   string
	Version      string
	SourceURL    string
	Stage        string
	BytesFetched int64
	BytesTotal   int64
	ArchivePath  string
	StagingDir   string
	Attempts     int
	ErrorKind    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	switch r.Stage {
	case StageComplete, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Install is one row of install history.
type Install struct {
	ID          int64
	InstallDir  string
	Version     string
	Checksum    string
	ArchiveSize int64
	Trust       string
	RunID       string
	Action      string
	InstalledAt string
}
