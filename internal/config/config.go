package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appDir = ".wisp"

// Config represents the application configuration
type Config struct {
	Database    string           `mapstructure:"database"`
	SessionFile string           `mapstructure:"session_file"`
	Debug       bool             `mapstructure:"debug"`
	Tracker     TrackerConfig    `mapstructure:"tracker"`
	Sync        SyncConfig       `mapstructure:"sync"`
	Classifier  ClassifierConfig `mapstructure:"classifier"`
	Server      ServerConfig     `mapstructure:"server"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
}

// TrackerConfig tunes the accrual clock and flush cadence
type TrackerConfig struct {
	GapThreshold      time.Duration `mapstructure:"gap_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	PersistLedger     bool          `mapstructure:"persist_ledger"`
}

// SyncConfig points at the screen time sink
type SyncConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ClassifierConfig controls site checks
type ClassifierConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Blocklist     []string      `mapstructure:"blocklist"`
	Allowlist     []string      `mapstructure:"allowlist"`
}

// ServerConfig is the local backend
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// TelemetryConfig enables OTLP metrics export
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "")
	v.SetDefault("session_file", "")
	v.SetDefault("debug", false)

	v.SetDefault("tracker.gap_threshold", 300*time.Second)
	v.SetDefault("tracker.heartbeat_interval", 30*time.Second)
	v.SetDefault("tracker.flush_interval", time.Minute)
	v.SetDefault("tracker.shutdown_timeout", 5*time.Second)
	v.SetDefault("tracker.persist_ledger", true)

	v.SetDefault("sync.endpoint", "http://localhost:4500/api/sync-screen-time")
	v.SetDefault("sync.timeout", 10*time.Second)

	v.SetDefault("classifier.enabled", true)
	v.SetDefault("classifier.endpoint", "http://localhost:4500/api/check-sites")
	v.SetDefault("classifier.timeout", 10*time.Second)
	v.SetDefault("classifier.min_confidence", 0.0)
	v.SetDefault("classifier.blocklist", []string{})
	v.SetDefault("classifier.allowlist", []string{})

	v.SetDefault("server.addr", ":4500")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
}

// LoadConfig loads configuration from the specified path or default location.
// A missing file is not an error; defaults and WISP_* environment variables
// still apply.
func LoadConfig(configPath string) (*Config, error) {
	viperInstance := viper.New()
	setDefaults(viperInstance)

	viperInstance.SetEnvPrefix("WISP")
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()

	if configPath == "" {
		// Default location: ~/.wisp/config.toml
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, appDir, "config.toml")
	}

	viperInstance.SetConfigFile(configPath)
	if err := viperInstance.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := viperInstance.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings the tracker cannot run with
func (c *Config) Validate() error {
	if c.Tracker.GapThreshold <= 0 {
		return fmt.Errorf("tracker.gap_threshold must be positive, got %s", c.Tracker.GapThreshold)
	}
	if c.Tracker.HeartbeatInterval <= 0 || c.Tracker.FlushInterval <= 0 {
		return errors.New("tracker.heartbeat_interval and tracker.flush_interval must be positive")
	}
	if c.Tracker.HeartbeatInterval >= c.Tracker.GapThreshold {
		return fmt.Errorf("tracker.heartbeat_interval (%s) must be shorter than tracker.gap_threshold (%s)",
			c.Tracker.HeartbeatInterval, c.Tracker.GapThreshold)
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("classifier.min_confidence must be between 0 and 1, got %v", c.Classifier.MinConfidence)
	}
	return nil
}

// GetDatabasePath returns the database path, using default if not specified
func (c *Config) GetDatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return defaultPath("wisp.db")
}

// GetSessionPath returns the session file path, using default if not specified
func (c *Config) GetSessionPath() string {
	if c.SessionFile != "" {
		return c.SessionFile
	}
	return defaultPath("session.json")
}

func defaultPath(name string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("~", appDir, name)
	}
	return filepath.Join(homeDir, appDir, name)
}
