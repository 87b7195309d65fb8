// Package config handles configuration loading, validation, and management for keyreplay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Cache drivers.
const (
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config holds the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server" yaml:"server"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Outbox   OutboxConfig   `toml:"outbox" json:"outbox" yaml:"outbox"`
	Cache    CacheConfig    `toml:"cache" json:"cache" yaml:"cache"`
	Recorder RecorderConfig `toml:"recorder" json:"recorder" yaml:"recorder"`
	Player   PlayerConfig   `toml:"player" json:"player" yaml:"player"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	ReadTimeoutSec  int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
}

// StorageConfig selects and configures the answer store.
type StorageConfig struct {
	// Driver is one of sqlite, postgres or memory.
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `toml:"dsn" json:"dsn" yaml:"dsn"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// OutboxConfig configures the durable submission log.
type OutboxConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`

	// Secret keys the entry HMACs. Prefer KEYREPLAY_OUTBOX_SECRET.
	Secret string `toml:"secret" json:"secret" yaml:"secret"`

	RetryIntervalSec int `toml:"retry_interval_sec" json:"retry_interval_sec" yaml:"retry_interval_sec"`

	// CompactAfter is the settled entry count that triggers compaction.
	CompactAfter int `toml:"compact_after" json:"compact_after" yaml:"compact_after"`
}

// CacheConfig configures the replay payload cache.
type CacheConfig struct {
	Driver string `toml:"driver" json:"driver" yaml:"driver"`
	Addr   string `toml:"addr" json:"addr" yaml:"addr"`
	TTLSec int    `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`
}

// RecorderConfig configures keystroke capture.
type RecorderConfig struct {
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// PlayerConfig configures server-side replay sessions.
type PlayerConfig struct {
	DefaultSpeed float64 `toml:"default_speed" json:"default_speed" yaml:"default_speed"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
		},
		Storage: StorageConfig{
			Driver:        DriverSQLite,
			Path:          filepath.Join(dir, "keyreplay.db"),
			BusyTimeoutMs: 5000,
		},
		Outbox: OutboxConfig{
			Enabled:          true,
			Path:             filepath.Join(dir, "outbox.wal"),
			RetryIntervalSec: 30,
			CompactAfter:     256,
		},
		Cache: CacheConfig{
			Driver: CacheNone,
			Addr:   "localhost:6379",
			TTLSec: 300,
		},
		Recorder: RecorderConfig{DebounceMs: 300},
		Player:   PlayerConfig{DefaultSpeed: 1},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(PlatformLogDir(), "keyreplay.log"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base keyreplay data directory.
// KEYREPLAY_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("KEYREPLAY_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as TOML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return f.Sync()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories for file-backed components.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Driver == DriverSQLite {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Outbox.Enabled {
		dirs = append(dirs, filepath.Dir(c.Outbox.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYREPLAY_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KEYREPLAY_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("KEYREPLAY_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("KEYREPLAY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	// Credentials are usually injected this way rather than written to disk.
	if v := os.Getenv("KEYREPLAY_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}

	if v := os.Getenv("KEYREPLAY_OUTBOX_PATH"); v != "" {
		c.Outbox.Path = v
	}
	if v := os.Getenv("KEYREPLAY_OUTBOX_SECRET"); v != "" {
		c.Outbox.Secret = v
	}
	if v := os.Getenv("KEYREPLAY_OUTBOX_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Outbox.Enabled = b
		}
	}

	if v := os.Getenv("KEYREPLAY_CACHE_DRIVER"); v != "" {
		c.Cache.Driver = v
	}
	if v := os.Getenv("KEYREPLAY_CACHE_ADDR"); v != "" {
		c.Cache.Addr = v
	}

	if v := os.Getenv("KEYREPLAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYREPLAY_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// ReadTimeout returns the server read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the server write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSec) * time.Second
}

// RetryInterval returns the outbox retry interval.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Outbox.RetryIntervalSec) * time.Second
}

// CacheTTL returns the replay cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// Debounce returns the recorder output debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Recorder.DebounceMs) * time.Millisecond
}
