package config

import (
	"fmt"
	"net"
	"strings"

	"keyreplay/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig reports every problem in the configuration at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address %q", c.Server.Addr)
	}
	if c.Server.ReadTimeoutSec < 0 {
		add("server.read_timeout_sec", "must not be negative")
	}
	if c.Server.WriteTimeoutSec < 0 {
		add("server.write_timeout_sec", "must not be negative")
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path", "required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn", "required for the postgres driver")
		}
	case DriverMemory:
	default:
		add("storage.driver", "unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.BusyTimeoutMs < 0 {
		add("storage.busy_timeout_ms", "must not be negative")
	}

	if c.Outbox.Enabled {
		if c.Outbox.Path == "" {
			add("outbox.path", "required when the outbox is enabled")
		}
		if c.Outbox.RetryIntervalSec <= 0 {
			add("outbox.retry_interval_sec", "must be positive")
		}
		if c.Outbox.CompactAfter < 0 {
			add("outbox.compact_after", "must not be negative")
		}
	}

	switch c.Cache.Driver {
	case CacheNone, "":
	case CacheRedis:
		if c.Cache.Addr == "" {
			add("cache.addr", "required for the redis driver")
		}
		if c.Cache.TTLSec <= 0 {
			add("cache.ttl_sec", "must be positive")
		}
	default:
		add("cache.driver", "unknown driver %q", c.Cache.Driver)
	}

	if c.Recorder.DebounceMs <= 0 {
		add("recorder.debounce_ms", "must be positive")
	}
	if c.Player.DefaultSpeed <= 0 {
		add("player.default_speed", "must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		add("logging.format", "%v", err)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required for output %q", c.Logging.Output)
		}
	default:
		add("logging.output", "unknown output %q", c.Logging.Output)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// LoggerConfig converts the logging section for the logging package.
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = format
	}
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	return lc
}
