package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_UpsertAndGetRun(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	run := &Run{
		ID:          "run-1",
		InstallDir:  "/opt/game",
		Version:     "1.2.0",
		SourceURL:   "https://example.com/game.zip",
		Stage:       StagePending,
		ArchivePath: "/scratch/1.2.0-run-1.archive",
	}
	if err := repo.UpsertRun(ctx, run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	run.Stage = StageFetching
	run.BytesFetched = 4096
	run.BytesTotal = 10240
	run.Attempts = 2
	if err := repo.UpsertRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := repo.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Stage != StageFetching || got.BytesFetched != 4096 || got.Attempts != 2 {
		t.Errorf("run not updated: got %+v", got)
	}
	if got.ArchivePath != run.ArchivePath || got.StagingDir != "" {
		t.Errorf("paths mismatch: got %+v", got)
	}
	if got.Terminal() {
		t.Errorf("fetching run reported terminal")
	}
}

func TestRepository_GetRunMissing(t *testing.T) {
	repo := newRepo(t)

	got, err := repo.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil run, got %+v", got)
	}
}

func TestRepository_RejectsUnknownStage(t *testing.T) {
	repo := newRepo(t)

	err := repo.UpsertRun(context.Background(), &Run{ID: "x", InstallDir: "/d", Version: "1", SourceURL: "u", Stage: "bogus"})
	if err == nil {
		t.Fatal("expected check constraint failure")
	}
}

func TestRepository_ListActiveRuns(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for id, stage := range map[string]string{
		"a": StageFetching,
		"b": StageComplete,
		"c": StageFailed,
		"d": StageExtracting,
	} {
		if err := repo.UpsertRun(ctx, &Run{ID: id, InstallDir: "/d", Version: "1", SourceURL: "u", Stage: stage}); err != nil {
			t.Fatalf("failed to insert run %s: %v", id, err)
		}
	}

	active, err := repo.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("failed to list active runs: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active runs, got %d", len(active))
	}
	for _, r := range active {
		if r.Terminal() {
			t.Errorf("terminal run %s listed as active", r.ID)
		}
	}

	all, err := repo.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 runs, got %d", len(all))
	}

	if err := repo.DeleteRun(ctx, "a"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if got, _ := repo.GetRun(ctx, "a"); got != nil {
		t.Errorf("run not deleted")
	}
}

func TestRepository_InstallHistory(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	entries := []*Install{
		{InstallDir: "/opt/game", Version: "1.0.0", RunID: "r1", Action: ActionInstall, InstalledAt: "2026-01-01T00:00:00Z"},
		{InstallDir: "/opt/game", Version: "1.1.0", RunID: "r2", Action: ActionInstall, InstalledAt: "2026-02-01T00:00:00Z", Trust: "verified"},
		{InstallDir: "/opt/other", Version: "3.0.0", RunID: "r3", Action: ActionInstall, InstalledAt: "2026-02-02T00:00:00Z"},
		{InstallDir: "/opt/game", Version: "1.0.0", RunID: "r4", Action: ActionRollback, InstalledAt: "2026-03-01T00:00:00Z"},
	}
	for _, e := range entries {
		if err := repo.AppendInstall(ctx, e); err != nil {
			t.Fatalf("failed to append install: %v", err)
		}
		if e.ID == 0 {
			t.Errorf("install id not set")
		}
	}

	history, err := repo.ListInstalls(ctx, "/opt/game")
	if err != nil {
		t.Fatalf("failed to list installs: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[0].Action != ActionRollback || history[2].Version != "1.0.0" {
		t.Errorf("history not newest first: %+v", history)
	}
	if history[1].Trust != "verified" {
		t.Errorf("trust not stored: %+v", history[1])
	}

	all, err := repo.ListInstalls(ctx, "")
	if err != nil {
		t.Fatalf("failed to list installs: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 entries, got %d", len(all))
	}
}
