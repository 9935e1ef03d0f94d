// Package config loads spiralsync settings from a YAML file, the
// environment, and built-in defaults, in that order of precedence
// (highest first: environment, file, defaults).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for the spiralsync binary.
type Config struct {
	// DataDir holds the sqlite database and the analysis spool
	// (default: ~/.spiralsync).
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Remote    Remote    `mapstructure:"remote" yaml:"remote"`
	Sync      Sync      `mapstructure:"sync" yaml:"sync"`
	Queue     Queue     `mapstructure:"queue" yaml:"queue"`
	Cache     Cache     `mapstructure:"cache" yaml:"cache"`
	Dashboard Dashboard `mapstructure:"dashboard" yaml:"dashboard"`
	Log       Log       `mapstructure:"log" yaml:"log"`
}

// Remote configures the sync transport.
type Remote struct {
	// Endpoint is the HTTP push URL. Empty selects the simulated
	// transport, which accepts everything locally.
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Sync configures the coordinator and the daemon's tickers.
type Sync struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval" yaml:"watchdog_interval"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	StuckTimeout     time.Duration `mapstructure:"stuck_timeout" yaml:"stuck_timeout"`
}

// Queue configures intake bounds and drain batching.
type Queue struct {
	MaxPending int `mapstructure:"max_pending" yaml:"max_pending"`
	BatchSize  int `mapstructure:"batch_size" yaml:"batch_size"`
}

// Cache configures the in-memory snapshot cache.
type Cache struct {
	MaxEntries     int `mapstructure:"max_entries" yaml:"max_entries"`
	PressureTarget int `mapstructure:"pressure_target" yaml:"pressure_target"`
}

// Dashboard configures the monitoring websocket server.
type Dashboard struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// Log configures file logging for the serve command.
type Log struct {
	// File is the log path. Empty logs to stderr only.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".spiralsync"),
		Remote: Remote{
			Timeout: 10 * time.Second,
		},
		Sync: Sync{
			Interval:         15 * time.Second,
			WatchdogInterval: 30 * time.Second,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         time.Minute,
			MaxRetries:       5,
			StuckTimeout:     2 * time.Minute,
		},
		Queue: Queue{
			MaxPending: 1000,
			BatchSize:  25,
		},
		Cache: Cache{
			MaxEntries:     50,
			PressureTarget: 25,
		},
		Dashboard: Dashboard{
			Enabled: false,
			Port:    8090,
		},
		Log: Log{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from path (or, when path is empty, from
// spiralsync.yaml in the data dir and the working directory), layered
// over defaults and the SPIRALSYNC_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SPIRALSYNC")
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("remote.endpoint", defaults.Remote.Endpoint)
	v.SetDefault("remote.timeout", defaults.Remote.Timeout)
	v.SetDefault("sync.interval", defaults.Sync.Interval)
	v.SetDefault("sync.watchdog_interval", defaults.Sync.WatchdogInterval)
	v.SetDefault("sync.base_delay", defaults.Sync.BaseDelay)
	v.SetDefault("sync.max_delay", defaults.Sync.MaxDelay)
	v.SetDefault("sync.max_retries", defaults.Sync.MaxRetries)
	v.SetDefault("sync.stuck_timeout", defaults.Sync.StuckTimeout)
	v.SetDefault("queue.max_pending", defaults.Queue.MaxPending)
	v.SetDefault("queue.batch_size", defaults.Queue.BatchSize)
	v.SetDefault("cache.max_entries", defaults.Cache.MaxEntries)
	v.SetDefault("cache.pressure_target", defaults.Cache.PressureTarget)
	v.SetDefault("dashboard.enabled", defaults.Dashboard.Enabled)
	v.SetDefault("dashboard.port", defaults.Dashboard.Port)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("spiralsync")
		v.AddConfigPath(defaults.DataDir)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine: defaults plus environment apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue.max_pending must be positive (got %d)", c.Queue.MaxPending)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive (got %d)", c.Queue.BatchSize)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive (got %d)", c.Cache.MaxEntries)
	}
	if c.Cache.PressureTarget > c.Cache.MaxEntries {
		return fmt.Errorf("cache.pressure_target (%d) cannot exceed cache.max_entries (%d)",
			c.Cache.PressureTarget, c.Cache.MaxEntries)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive (got %d)", c.Sync.MaxRetries)
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("sync delays invalid: base %v, max %v", c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// DBPath returns the sqlite database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "spiralsync.db")
}

// SpoolDir returns the analysis spool location under the data dir.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// WriteStarter writes a commented starter config to path. Fails if the
// file already exists.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	header := []byte("# spiralsync configuration\n# Environment variables (SPIRALSYNC_*) override these values.\n\n")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
