package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/pipeline"
)

// allRuns bounds the journal scan used to find orphaned artifacts.
const allRuns = 1 << 20

var cleanupOrphaned bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove partial downloads and staging directories",
	Long: `Remove scratch artifacts (partial archives, staging directories, signatures):
  (default)     everything not owned by a run that is still in progress
  --orphaned    only artifacts of runs the journal does not know about`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Only remove artifacts not tracked in the journal")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var runs []*db.Run
	if cleanupOrphaned {
		runs, err = a.repo.ListRuns(cmd.Context(), allRuns)
	} else {
		runs, err = a.repo.ListActiveRuns(cmd.Context())
	}
	if err != nil {
		return errors.Wrap(err, "list runs failed")
	}

	owned := make(map[string]bool, len(runs))
	for _, r := range runs {
		owned[pipeline.ScratchName(r.Version, r.ID)] = true
	}

	fmt.Fprintf(cmd.OutOrStdout(), "🔍 Scanning %s...\n", cfg.ScratchDir)
	removed, err := a.coord.SweepScratch(func(base string) bool { return owned[base] })
	for _, p := range removed {
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Removed %s\n", filepath.Base(p))
	}
	if err != nil {
		return errors.Wrap(err, "cleanup incomplete")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Removed %d scratch artifacts\n", len(removed))
	return nil
}
