package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/errors"
)

var statusDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed version of a directory",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusDir, "dir", "", "Install directory")
	statusCmd.MarkFlagRequired("dir")
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	rec, err := activate.ReadRecord(statusDir)
	if err != nil {
		return errors.Wrap(err, "failed to read install record")
	}
	if rec == nil {
		fmt.Fprintf(w, "Nothing installed in %s\n", statusDir)
	} else {
		printRecord(w, "Installed", rec)
	}

	prev, err := activate.PreviousRecord(statusDir)
	if err != nil {
		return errors.Wrap(err, "failed to read previous install record")
	}
	if prev != nil {
		printRecord(w, "Previous", prev)
	}
	return nil
}

func printRecord(w io.Writer, title string, rec *activate.InstallRecord) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  %-14s %s\n", "version", rec.Version)
	fmt.Fprintf(w, "  %-14s %s (%s)\n", "installed", rec.InstalledAt.Local().Format(time.RFC3339), humanize.Time(rec.InstalledAt))
	fmt.Fprintf(w, "  %-14s %s\n", "directory", rec.InstallDir)
	fmt.Fprintf(w, "  %-14s %s\n", "checksum", rec.Checksum)
	fmt.Fprintf(w, "  %-14s %s\n", "archive size", humanize.Bytes(uint64(rec.ArchiveSize)))
	fmt.Fprintf(w, "  %-14s %s\n", "source", rec.SourceURL)
	fmt.Fprintf(w, "  %-14s %s\n", "trust", rec.Trust)
}
