package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/releasekit/installer/internal/config"
	"github.com/releasekit/installer/pkg/errors"
)

var (
	cfg       *config.Config
	logOutput io.Writer = os.Stderr
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "installer",
	Short: "Install and update desktop applications from release archives",
	Long: `Fetches a release archive, verifies it, extracts it into a staging
directory and atomically swaps it into place. Interrupted downloads resume and
interrupted activations are recovered on the next run.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "config invalid")
		}
		logOutput, logCloser, err = setupLogging(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
			err = ee.err
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("scratch-dir", "", "Directory for partial downloads and staging")
	flags.String("db-path", ".artifacts/installer.db", "SQLite journal path")
	flags.String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
	flags.Duration("fetch-timeout", 0, "Fail a fetch attempt that receives no data for this long")
	flags.Int("fetch-max-attempts", 5, "Attempts per fetch, counting the first")
	flags.Int("max-refetch-attempts", 1, "Re-fetches after an integrity failure")
	flags.Int64("max-file-size", 2*1024*1024*1024, "Max extracted file size in bytes")
	flags.Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 100.0, "Max compression ratio")
	flags.String("keyring-path", "", "OpenPGP keyring trusted for release signatures")
	flags.Bool("retain-previous", true, "Keep the superseded install for rollback")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-endpoint", "", "S3 endpoint override")
	flags.String("metrics-file", "", "Write Prometheus metrics to this file on exit")

	for _, name := range []string{
		"scratch-dir", "db-path", "fsm-db-path", "log-level", "log-format", "log-file",
		"fetch-timeout", "fetch-max-attempts", "max-refetch-attempts",
		"max-file-size", "max-total-size", "max-compression-ratio",
		"keyring-path", "retain-previous", "s3-region", "s3-endpoint", "metrics-file",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
