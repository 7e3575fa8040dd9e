// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads agenttrace settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/redact"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// Environment variables that override file settings.
const (
	EnvDBPath        = tracing.DBPathEnvVar
	EnvFlushInterval = "AGENTTRACE_FLUSH_INTERVAL"
	EnvRedaction     = "AGENTTRACE_REDACTION"
	EnvConsole       = "AGENTTRACE_CONSOLE"
	EnvEncrypt       = "AGENTTRACE_ENCRYPT"
	EnvLogLevel      = "AGENTTRACE_LOG_LEVEL"
)

// Config is the complete agenttrace configuration.
type Config struct {
	// DBPath is the SQLite trace database. Default: traces.db in DataDir().
	DBPath string `yaml:"db_path"`

	// FlushInterval is how long records may stay pending before the next
	// capture flushes them. Default: 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	Console   ConsoleConfig   `yaml:"console"`
	Log       LogConfig       `yaml:"log"`
	Redaction RedactionConfig `yaml:"redaction"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
}

// ConsoleConfig controls the progress display.
type ConsoleConfig struct {
	// Enabled forces the console on or off. Unset means on when stdout is
	// a terminal.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// LogConfig controls library and CLI logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// RedactionConfig controls payload redaction.
type RedactionConfig struct {
	// Level is none, standard or strict. Default: none.
	Level string `yaml:"level"`

	// Patterns are extra regular expressions whose matches are redacted in
	// standard mode.
	Patterns []string `yaml:"patterns,omitempty"`
}

// StorageConfig controls the trace database.
type StorageConfig struct {
	// Encrypt enables AES-256-GCM encryption of stored payloads. The key
	// comes from AGENTTRACE_TRACE_KEY or the system keyring.
	Encrypt bool `yaml:"encrypt"`
}

// RetentionConfig controls automatic pruning.
type RetentionConfig struct {
	// MaxAge removes rows older than this. Zero keeps everything.
	MaxAge time.Duration `yaml:"max_age"`

	// Interval is how often pruning runs. Default: 1h.
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DBPath:        DefaultDBPath(),
		FlushInterval: tracing.DefaultFlushInterval,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redaction: RedactionConfig{Level: string(redact.ModeNone)},
		Retention: RetentionConfig{Interval: time.Hour},
	}
}

// Load loads configuration from a YAML file and the environment.
// Environment variables take precedence over file-based configuration.
// If configPath is empty the default config file is used when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		if p, err := ConfigPath(); err == nil {
			configPath = p
		}
	}

	if configPath != "" {
		err := cfg.loadFromFile(configPath)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, &traceerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero values left by a partial config file.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Redaction.Level == "" {
		c.Redaction.Level = defaults.Redaction.Level
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = defaults.Retention.Interval
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides. Malformed values are errors
// rather than silently ignored.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv(EnvDBPath); val != "" {
		c.DBPath = val
	}
	if val := os.Getenv(EnvFlushInterval); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return &traceerrors.ConfigError{Key: EnvFlushInterval, Reason: "invalid duration", Cause: err}
		}
		c.FlushInterval = d
	}
	if val := os.Getenv(EnvRedaction); val != "" {
		c.Redaction.Level = strings.ToLower(val)
	}
	if val := os.Getenv(EnvConsole); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return &traceerrors.ConfigError{Key: EnvConsole, Reason: "expected a boolean", Cause: err}
		}
		c.Console.Enabled = &enabled
	}
	if val := os.Getenv(EnvEncrypt); val != "" {
		encrypt, err := strconv.ParseBool(val)
		if err != nil {
			return &traceerrors.ConfigError{Key: EnvEncrypt, Reason: "expected a boolean", Cause: err}
		}
		c.Storage.Encrypt = encrypt
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	return nil
}

// Validate checks the configuration and names the first offending key.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &traceerrors.ConfigError{Key: "db_path", Reason: "must not be empty"}
	}
	if c.FlushInterval <= 0 {
		return &traceerrors.ConfigError{Key: "flush_interval", Reason: fmt.Sprintf("must be positive, got %s", c.FlushInterval)}
	}
	if _, err := redact.ParseMode(c.Redaction.Level); err != nil {
		return &traceerrors.ConfigError{Key: "redaction.level", Reason: "invalid mode", Cause: err}
	}
	if _, err := redact.CompilePatterns(c.Redaction.Patterns); err != nil {
		return &traceerrors.ConfigError{Key: "redaction.patterns", Reason: "invalid pattern", Cause: err}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &traceerrors.ConfigError{Key: "log.format", Reason: fmt.Sprintf("must be json or text, got %q", c.Log.Format)}
	}
	if c.Retention.MaxAge < 0 {
		return &traceerrors.ConfigError{Key: "retention.max_age", Reason: "must not be negative"}
	}
	if c.Retention.Interval <= 0 {
		return &traceerrors.ConfigError{Key: "retention.interval", Reason: "must be positive"}
	}
	return nil
}

// Redactor builds the redactor described by the redaction settings.
func (c *Config) Redactor() (*redact.Redactor, error) {
	mode, err := redact.ParseMode(c.Redaction.Level)
	if err != nil {
		return nil, err
	}
	extra, err := redact.CompilePatterns(c.Redaction.Patterns)
	if err != nil {
		return nil, err
	}
	return redact.NewRedactorWithPatterns(mode, extra), nil
}

// StoreConfig returns the store settings for the trace database.
func (c *Config) StoreConfig() storage.Config {
	return storage.Config{
		Path:             c.DBPath,
		EnableEncryption: c.Storage.Encrypt,
	}
}

// ConsoleEnabled resolves the console setting, using isTTY when unset.
func (c *Config) ConsoleEnabled(isTTY bool) bool {
	if c.Console.Enabled != nil {
		return *c.Console.Enabled
	}
	return isTTY
}
