// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the relay's configuration.
type Config struct {
	// Homeserver configures the Matrix connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Database configures the SQLite subscription store.
	Database DatabaseConfig `yaml:"database"`

	// Bot configures the chat command surface.
	Bot BotConfig `yaml:"bot"`

	// Stream configures topic stream reconnection.
	Stream StreamConfig `yaml:"stream"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// HomeserverConfig identifies the Matrix homeserver and account.
type HomeserverConfig struct {
	// URL is the homeserver base URL, e.g. "https://matrix.example.org".
	URL string `yaml:"url"`

	// UserID is the relay's fully-qualified Matrix user ID.
	UserID string `yaml:"user_id"`

	// AccessToken authenticates the relay's account.
	AccessToken string `yaml:"access_token"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Supports ${VAR} expansion.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the pool
	// default.
	PoolSize int `yaml:"pool_size"`
}

// BotConfig configures command handling.
type BotConfig struct {
	// CommandPrefix is the word after "!" that addresses the relay.
	// Default: "ntfy".
	CommandPrefix string `yaml:"command_prefix"`

	// Admins are Matrix user IDs allowed to manage subscriptions in
	// any room regardless of power level.
	Admins []string `yaml:"admins"`

	// BuiltinEmoji selects the small built-in tag-to-emoji table
	// instead of the full emoji library.
	BuiltinEmoji bool `yaml:"builtin_emoji"`
}

// StreamConfig configures topic stream reconnection behavior.
type StreamConfig struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	// Default: 1s.
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the reconnect delay. Default: 5m.
	MaxBackoff Duration `yaml:"max_backoff"`

	// MaxAttempts bounds consecutive fruitless reconnect attempts
	// before a stream gives up. Zero means retry forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. The config file is still
// required; defaults only fill optional fields.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			CommandPrefix: "ntfy",
		},
		Stream: StreamConfig{
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the NTFY_RELAY_CONFIG environment
// variable. Fails when the variable is not set — there is no default
// config location.
func Load() (*Config, error) {
	path := os.Getenv("NTFY_RELAY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: NTFY_RELAY_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use the --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads and validates configuration from a file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Database.Path = expandVars(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}
	if c.Homeserver.UserID == "" {
		errs = append(errs, fmt.Errorf("homeserver.user_id is required"))
	} else if !strings.HasPrefix(c.Homeserver.UserID, "@") || !strings.Contains(c.Homeserver.UserID, ":") {
		errs = append(errs, fmt.Errorf("homeserver.user_id %q is not a Matrix user ID", c.Homeserver.UserID))
	}
	if c.Homeserver.AccessToken == "" {
		errs = append(errs, fmt.Errorf("homeserver.access_token is required"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("database.pool_size must not be negative"))
	}

	if c.Bot.CommandPrefix == "" {
		errs = append(errs, fmt.Errorf("bot.command_prefix must not be empty"))
	}
	for _, admin := range c.Bot.Admins {
		if !strings.HasPrefix(admin, "@") || !strings.Contains(admin, ":") {
			errs = append(errs, fmt.Errorf("bot.admins entry %q is not a Matrix user ID", admin))
		}
	}

	if c.Stream.InitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("stream.initial_backoff must be positive"))
	}
	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		errs = append(errs, fmt.Errorf("stream.max_backoff must be at least stream.initial_backoff"))
	}
	if c.Stream.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("stream.max_attempts must not be negative"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel returns the configured slog level. Call after Validate.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", name)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// EnsureDatabaseDir creates the database file's parent directory if it
// does not exist.
func (c *Config) EnsureDatabaseDir() error {
	dir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating database directory %s: %w", dir, err)
	}
	return nil
}
