package commands

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/releasekit/installer/internal/config"
	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/extract"
	"github.com/releasekit/installer/pkg/fetch"
	"github.com/releasekit/installer/pkg/pipeline"
	"github.com/releasekit/installer/pkg/security"
	"github.com/releasekit/installer/pkg/storage"
	"github.com/releasekit/installer/pkg/verify"
)

// setupLogging installs the default slog handler. Logs go to stderr, or to a
// size-rotated file when log-file is set.
func setupLogging(cfg *config.Config) (io.Writer, io.Closer, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create log directory")
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out, closer = rotated, rotated
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return out, closer, nil
}

// fsmLogger is the logrus logger handed to the FSM manager.
func fsmLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dbPath, fsmDBPath, scratchDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for durable installs)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create scratch directory (only needed for installs)
	if scratchDir != "" {
		if err := os.MkdirAll(scratchDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create scratch directory")
		}
	}

	return nil
}

// app is everything a command needs to drive the pipeline.
type app struct {
	repo     *db.Repository
	registry *prometheus.Registry
	coord    *pipeline.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := ensureDirectories(cfg.DBPath, "", cfg.ScratchDir); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	verifier, err := verify.Open(cfg.KeyringPath)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "failed to load keyring")
	}

	limits := security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	}
	registry := prometheus.NewRegistry()
	coord := pipeline.New(pipeline.Options{
		ScratchDir:       cfg.ScratchDir,
		MaxFetchAttempts: cfg.FetchMaxAttempts,
		InitialBackoff:   cfg.FetchInitialBackoff,
		MaxBackoff:       cfg.FetchMaxBackoff,
		MaxRefetches:     cfg.MaxRefetchAttempts,
		RetainPrevious:   cfg.RetainPrevious,
		Limits:           limits,
		LockTimeout:      cfg.LockTimeout,
	}, pipeline.Deps{
		Fetcher:   newFetcher(ctx, cfg),
		Verifier:  verifier,
		Extractor: extract.New(limits),
		Activator: activate.New(activate.Options{RetainPrevious: cfg.RetainPrevious}),
		Journal:   repo,
		Metrics:   pipeline.NewMetrics(registry),
	})

	return &app{repo: repo, registry: registry, coord: coord}, nil
}

// newFetcher registers the HTTP(S) source and, when AWS configuration loads,
// the s3:// source.
func newFetcher(ctx context.Context, cfg *config.Config) *fetch.Fetcher {
	f := fetch.New(fetch.Options{
		ChunkSize:    cfg.FetchChunkSize,
		StallTimeout: cfg.FetchTimeout,
	})
	httpSource := fetch.NewHTTPSource(&http.Client{}, cfg.UserAgent)
	f.Register("http", httpSource)
	f.Register("https", httpSource)

	client, err := storage.NewClient(ctx, storage.Options{
		Region:    cfg.S3Region,
		Anonymous: cfg.S3Anonymous,
		Endpoint:  cfg.S3Endpoint,
	})
	if err != nil {
		slog.Warn("s3_source_unavailable", "error", err)
		return f
	}
	f.Register("s3", fetch.NewS3Source(client))
	return f
}

// Close writes the metrics file and closes the journal.
func (a *app) Close() error {
	var result *multierror.Error
	if cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, a.registry); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to write metrics"))
		}
	}
	if err := a.repo.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
