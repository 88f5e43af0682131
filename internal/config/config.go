package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Paths
	ScratchDir string `mapstructure:"scratch-dir"`
	DBPath     string `mapstructure:"db-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	// Fetching
	FetchTimeout        time.Duration `mapstructure:"fetch-timeout"`
	FetchChunkSize      int           `mapstructure:"fetch-chunk-size"`
	FetchMaxAttempts    int           `mapstructure:"fetch-max-attempts"`
	FetchInitialBackoff time.Duration `mapstructure:"fetch-initial-backoff"`
	FetchMaxBackoff     time.Duration `mapstructure:"fetch-max-backoff"`
	MaxRefetchAttempts  int           `mapstructure:"max-refetch-attempts"`
	UserAgent           string        `mapstructure:"user-agent"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Trust
	AllowUnverified bool   `mapstructure:"allow-unverified"`
	KeyringPath     string `mapstructure:"keyring-path"`

	// Activation
	RetainPrevious bool          `mapstructure:"retain-previous"`
	LockTimeout    time.Duration `mapstructure:"lock-timeout"`

	// Metrics are written in the Prometheus text format when set.
	MetricsFile string `mapstructure:"metrics-file"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scratch-dir", filepath.Join(os.TempDir(), "installer"))
	v.SetDefault("db-path", ".artifacts/installer.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("log-file", "")
	v.SetDefault("fetch-timeout", 60*time.Second)
	v.SetDefault("fetch-chunk-size", 256*1024)
	v.SetDefault("fetch-max-attempts", 5)
	v.SetDefault("fetch-initial-backoff", 500*time.Millisecond)
	v.SetDefault("fetch-max-backoff", 30*time.Second)
	v.SetDefault("max-refetch-attempts", 1)
	v.SetDefault("user-agent", "releasekit-installer")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-endpoint", "")
	v.SetDefault("s3-anonymous", true)
	v.SetDefault("max-file-size", 2*1024*1024*1024)
	v.SetDefault("max-total-size", 20*1024*1024*1024)
	v.SetDefault("max-compression-ratio", 100.0)
	v.SetDefault("allow-unverified", false)
	v.SetDefault("keyring-path", "")
	v.SetDefault("retain-previous", true)
	v.SetDefault("lock-timeout", time.Duration(0))
	v.SetDefault("metrics-file", "")
	v.SetDefault("fsm-max-retries", 3)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be INSTALLER_SCRATCH_DIR, etc.)
	v.SetEnvPrefix("INSTALLER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.installer")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ScratchDir == "" {
		return fmt.Errorf("scratch-dir cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch-timeout must be non-negative")
	}
	if c.FetchChunkSize <= 0 {
		return fmt.Errorf("fetch-chunk-size must be positive")
	}
	if c.FetchMaxAttempts <= 0 {
		return fmt.Errorf("fetch-max-attempts must be positive")
	}
	if c.FetchInitialBackoff <= 0 || c.FetchMaxBackoff <= 0 {
		return fmt.Errorf("fetch backoff intervals must be positive")
	}
	if c.FetchInitialBackoff > c.FetchMaxBackoff {
		return fmt.Errorf("fetch-initial-backoff must not exceed fetch-max-backoff")
	}
	if c.MaxRefetchAttempts < 0 {
		return fmt.Errorf("max-refetch-attempts must be non-negative")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock-timeout must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// ParseLevel maps a log-level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log-level %q", s)
}
