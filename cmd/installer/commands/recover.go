package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/errors"
)

var recoverDir string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finish or undo an activation interrupted by a crash",
	RunE:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().StringVar(&recoverDir, "dir", "", "Install directory")
	recoverCmd.MarkFlagRequired("dir")
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	action, err := a.coord.Recover(cmd.Context(), recoverDir)
	if err != nil {
		return errors.Wrap(err, "recovery failed")
	}

	switch action {
	case activate.ActionNone:
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is consistent, nothing to recover\n", recoverDir)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: %s\n", recoverDir, action)
	}
	return nil
}
