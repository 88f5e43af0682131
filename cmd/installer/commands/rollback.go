package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/errors"
)

var rollbackDir string

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Swap the retained previous install back into place",
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackDir, "dir", "", "Install directory")
	rollbackCmd.MarkFlagRequired("dir")
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.coord.Rollback(cmd.Context(), rollbackDir)
	if errors.Is(err, activate.ErrNoPrevious) {
		return fmt.Errorf("no previous install retained for %s", rollbackDir)
	}
	if err != nil {
		return errors.Wrap(err, "rollback failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ rolled back %s to %s\n", rollbackDir, rec.Version)
	return nil
}
