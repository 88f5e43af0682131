package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
)

var (
	listDir   string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List install history and recent runs",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listDir, "dir", "", "Only show history for this install directory")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of recent runs to show")
}

func runList(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	// Ensure database directory exists
	if err := ensureDirectories(cfg.DBPath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	installs, err := repo.ListInstalls(cmd.Context(), listDir)
	if err != nil {
		return errors.Wrap(err, "list installs failed")
	}

	if len(installs) == 0 {
		fmt.Fprintln(w, "No installs found")
	} else {
		fmt.Fprintf(w, "%-40s %-14s %-9s %-10s %-10s %-20s\n", "DIRECTORY", "VERSION", "ACTION", "SIZE", "TRUST", "INSTALLED")
		fmt.Fprintln(w, "----------------------------------------------------------------------------------------------------------")
		for _, in := range installs {
			when := in.InstalledAt
			if t, err := time.Parse(time.RFC3339, in.InstalledAt); err == nil {
				when = humanize.Time(t)
			}
			fmt.Fprintf(w, "%-40s %-14s %-9s %-10s %-10s %-20s\n",
				in.InstallDir, in.Version, in.Action, humanize.Bytes(uint64(in.ArchiveSize)), in.Trust, when)
		}
	}

	runs, err := repo.ListRuns(cmd.Context(), listLimit)
	if err != nil {
		return errors.Wrap(err, "list runs failed")
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-36s %-14s %-11s %-20s %-8s %-20s\n", "RUN", "VERSION", "STAGE", "FETCHED", "ATTEMPTS", "ERROR")
	fmt.Fprintln(w, "----------------------------------------------------------------------------------------------------------")
	for _, r := range runs {
		fetched := humanize.Bytes(uint64(r.BytesFetched))
		if r.BytesTotal > 0 {
			fetched += " / " + humanize.Bytes(uint64(r.BytesTotal))
		}
		errKind := r.ErrorKind
		if errKind == "" {
			errKind = "-"
		}
		fmt.Fprintf(w, "%-36s %-14s %-11s %-20s %-8d %-20s\n", r.ID, r.Version, r.Stage, fetched, r.Attempts, errKind)
	}
	return nil
}
