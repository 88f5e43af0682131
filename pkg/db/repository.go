package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/releasekit/installer/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides journal and history operations
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the journal at dbPath
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		slog.Error("database_pragma_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertRun writes the current snapshot of a run
func (r *Repository) UpsertRun(ctx context.Context, run *Run) error {
	slog.Debug("database_upsert_run", "run_id", run.ID, "stage", run.Stage, "bytes_fetched", run.BytesFetched)

	query := `
		INSERT INTO runs (id, install_dir, version, source_url, stage, bytes_fetched, bytes_total,
		                  archive_path, staging_dir, attempts, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    install_dir = excluded.install_dir,
		    version = excluded.version,
		    source_url = excluded.source_url,
		    stage = excluded.stage,
		    bytes_fetched = excluded.bytes_fetched,
		    bytes_total = excluded.bytes_total,
		    archive_path = excluded.archive_path,
		    staging_dir = excluded.staging_dir,
		    attempts = excluded.attempts,
		    error_kind = excluded.error_kind,
		    error_message = excluded.error_message,
		    updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.InstallDir, run.Version, run.SourceURL, run.Stage,
		run.BytesFetched, run.BytesTotal, run.ArchivePath, run.StagingDir,
		run.Attempts, run.ErrorKind, run.ErrorMessage)
	if err != nil {
		slog.Error("database_upsert_run_failed", "run_id", run.ID, "stage", run.Stage, "error", err)
		return errors.Wrap(err, "failed to upsert run")
	}
	return nil
}

const runColumns = `
	id, install_dir, version, source_url, stage, bytes_fetched, bytes_total,
	archive_path, staging_dir, attempts, error_kind, error_message, created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var archivePath, stagingDir, errorKind, errorMessage sql.NullString

	err := s.Scan(
		&run.ID, &run.InstallDir, &run.Version, &run.SourceURL, &run.Stage,
		&run.BytesFetched, &run.BytesTotal, &archivePath, &stagingDir,
		&run.Attempts, &errorKind, &errorMessage, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	run.ArchivePath = archivePath.String
	run.StagingDir = stagingDir.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// GetRun retrieves a run by ID. A missing run returns nil, nil.
func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		slog.Debug("database_run_not_found", "run_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns returns the most recently updated runs, newest first
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRuns(ctx, "SELECT "+runColumns+" FROM runs ORDER BY updated_at DESC, created_at DESC LIMIT ?", limit)
}

// ListActiveRuns returns runs that have not reached a terminal stage
func (r *Repository) ListActiveRuns(ctx context.Context) ([]*Run, error) {
	return r.queryRuns(ctx,
		"SELECT "+runColumns+" FROM runs WHERE stage NOT IN (?, ?, ?) ORDER BY created_at",
		StageComplete, StageFailed, StageCancelled)
}

func (r *Repository) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// DeleteRun removes a run from the journal
func (r *Repository) DeleteRun(ctx context.Context, id string) error {
	slog.Info("database_delete_run", "run_id", id)

	if _, err := r.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}

// AppendInstall records an activation or rollback in the history
func (r *Repository) AppendInstall(ctx context.Context, in *Install) error {
	slog.Info("database_append_install", "install_dir", in.InstallDir, "version", in.Version, "action", in.Action)

	query := `
		INSERT INTO installs (install_dir, version, checksum, archive_size, trust, run_id, action, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		in.InstallDir, in.Version, in.Checksum, in.ArchiveSize, in.Trust, in.RunID, in.Action, in.InstalledAt)
	if err != nil {
		slog.Error("database_insert_failed", "install_dir", in.InstallDir, "error", err)
		return errors.Wrap(err, "failed to insert install")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "install_dir", in.InstallDir, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	in.ID = id
	return nil
}

// ListInstalls returns install history, newest first. An empty installDir
// lists every directory.
func (r *Repository) ListInstalls(ctx context.Context, installDir string) ([]*Install, error) {
	query := `
		SELECT id, install_dir, version, checksum, archive_size, trust, run_id, action, installed_at
		FROM installs
	`
	var args []any
	if installDir != "" {
		query += " WHERE install_dir = ?"
		args = append(args, installDir)
	}
	query += " ORDER BY id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list installs")
	}
	defer rows.Close()

	var installs []*Install
	for rows.Next() {
		var in Install
		var checksum, trust sql.NullString
		if err := rows.Scan(&in.ID, &in.InstallDir, &in.Version, &checksum, &in.ArchiveSize,
			&trust, &in.RunID, &in.Action, &in.InstalledAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		in.Checksum = checksum.String
		in.Trust = trust.String
		installs = append(installs, &in)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}
	return installs, nil
}
