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

package sdk

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tombee/agenttrace/internal/config"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/redact"
)

// Option configures an SDK instance.
type Option func(*SDK) error

// WithConfigFile loads configuration from path instead of the default
// location. A missing file is an error.
func WithConfigFile(path string) Option {
	return func(s *SDK) error {
		if path == "" {
			return fmt.Errorf("config path cannot be empty")
		}
		s.configPath = path
		return nil
	}
}

// WithLogger sets a custom logger. By default a logger is built from the
// log section of the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SDK) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithStore uses store instead of opening the configured database. The SDK
// takes ownership and closes it on Close.
func WithStore(store tracing.Store) Option {
	return func(s *SDK) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		s.store = store
		return nil
	}
}

// WithDBPath overrides the database path.
func WithDBPath(path string) Option {
	return func(s *SDK) error {
		if path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
		s.overrides = append(s.overrides, func(c *config.Config) { c.DBPath = path })
		return nil
	}
}

// WithFlushInterval overrides the flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *SDK) error {
		if d <= 0 {
			return fmt.Errorf("flush interval must be positive, got %s", d)
		}
		s.overrides = append(s.overrides, func(c *config.Config) { c.FlushInterval = d })
		return nil
	}
}

// WithConsole forces the progress display on or off.
func WithConsole(enabled bool) Option {
	return func(s *SDK) error {
		s.overrides = append(s.overrides, func(c *config.Config) { c.Console.Enabled = &enabled })
		return nil
	}
}

// WithConsoleWriter sends the progress display to w instead of stderr.
func WithConsoleWriter(w io.Writer) Option {
	return func(s *SDK) error {
		if w == nil {
			return fmt.Errorf("console writer cannot be nil")
		}
		s.consoleOut = w
		return nil
	}
}

// WithRedaction sets the redaction mode and extra patterns.
func WithRedaction(mode redact.Mode, patterns ...string) Option {
	return func(s *SDK) error {
		if _, err := redact.ParseMode(string(mode)); err != nil {
			return err
		}
		s.overrides = append(s.overrides, func(c *config.Config) {
			c.Redaction.Level = string(mode)
			c.Redaction.Patterns = append(c.Redaction.Patterns, patterns...)
		})
		return nil
	}
}

// WithEncryption enables payload encryption. The key is loaded from
// AGENTTRACE_TRACE_KEY or the system keyring.
func WithEncryption() Option {
	return func(s *SDK) error {
		s.overrides = append(s.overrides, func(c *config.Config) { c.Storage.Encrypt = true })
		return nil
	}
}

// WithPrometheus records manager and evaluation metrics in a Prometheus
// registry served by MetricsHandler.
func WithPrometheus(serviceName, version string) Option {
	return func(s *SDK) error {
		if serviceName == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		s.serviceName = serviceName
		s.serviceVersion = version
		return nil
	}
}

// WithRetention prunes rows older than maxAge every interval.
func WithRetention(maxAge, interval time.Duration) Option {
	return func(s *SDK) error {
		if maxAge <= 0 {
			return fmt.Errorf("retention max age must be positive, got %s", maxAge)
		}
		if interval < 0 {
			return fmt.Errorf("retention interval cannot be negative")
		}
		s.overrides = append(s.overrides, func(c *config.Config) {
			c.Retention.MaxAge = maxAge
			if interval > 0 {
				c.Retention.Interval = interval
			}
		})
		return nil
	}
}
