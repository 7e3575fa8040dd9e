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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tombee/agenttrace/internal/config"
	internallog "github.com/tombee/agenttrace/internal/log"
	"github.com/tombee/agenttrace/pkg/console"
	"github.com/tombee/agenttrace/pkg/eval"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// closeTimeout bounds the final flush performed by CloseOnSignal.
const closeTimeout = 10 * time.Second

// SDK owns a configured trace manager and everything hanging off it.
type SDK struct {
	configPath     string
	overrides      []func(*config.Config)
	consoleOut     io.Writer
	serviceName    string
	serviceVersion string

	cfg       *config.Config
	logger    *slog.Logger
	store     tracing.Store
	manager   *tracing.Manager
	console   *console.Console
	prom      *tracing.PrometheusProvider
	retention *tracing.RetentionManager

	closeOnce sync.Once
	closeErr  error
}

// New loads configuration, applies opts and opens the trace stack.
func New(opts ...Option) (*SDK, error) {
	s := &SDK{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, err
	}
	for _, o := range s.overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.cfg = cfg

	if s.logger == nil {
		s.logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}

	redactor, err := cfg.Redactor()
	if err != nil {
		return nil, err
	}

	managerOpts := []tracing.Option{
		tracing.WithLogger(s.logger),
		tracing.WithRedactor(redactor),
		tracing.WithFlushInterval(cfg.FlushInterval),
		tracing.WithAutoFlush(),
	}

	if s.serviceName != "" {
		s.prom, err = tracing.NewPrometheusProvider(s.serviceName, s.serviceVersion)
		if err != nil {
			return nil, err
		}
		mc, err := tracing.NewMetricsCollector(s.prom.MeterProvider())
		if err != nil {
			_ = s.prom.Shutdown(context.Background())
			return nil, err
		}
		managerOpts = append(managerOpts, tracing.WithMetrics(mc))
	}

	if s.store == nil {
		store, err := openStore(cfg)
		if err != nil {
			s.shutdownMetrics()
			return nil, err
		}
		s.store = store
	}

	if cfg.ConsoleEnabled(s.consoleIsTTY()) {
		out := s.consoleOut
		if out == nil {
			out = os.Stderr
		}
		s.console = console.New(out)
		managerOpts = append(managerOpts, tracing.WithObserver(s.console))
	}

	s.manager = tracing.NewManager(s.store, managerOpts...)

	if pruner, ok := s.store.(tracing.Pruner); ok && cfg.Retention.MaxAge > 0 {
		s.retention = tracing.NewRetentionManager(pruner, cfg.Retention.MaxAge, cfg.Retention.Interval, s.logger)
		s.retention.Start()
	}

	s.logger.Debug("sdk ready",
		"db_path", cfg.DBPath,
		"redaction", cfg.Redaction.Level,
		"console", s.console != nil,
		"metrics", s.prom != nil)
	return s, nil
}

func openStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	if cfg.DBPath != storage.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return storage.New(cfg.StoreConfig())
}

// consoleIsTTY reports whether the progress display would reach a
// terminal. An explicit writer counts as one.
func (s *SDK) consoleIsTTY() bool {
	if s.consoleOut != nil {
		return true
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Config returns the effective configuration.
func (s *SDK) Config() *config.Config { return s.cfg }

// Manager returns the trace manager.
func (s *SDK) Manager() *tracing.Manager { return s.manager }

// Store returns the trace store.
func (s *SDK) Store() tracing.Store { return s.store }

// Logger returns the SDK logger.
func (s *SDK) Logger() *slog.Logger { return s.logger }

// Observer returns the observer receiving capture events. It is a no-op
// when the console is disabled.
func (s *SDK) Observer() observability.Observer { return s.manager.Observer() }

// Wrap traces fn through the SDK manager.
func (s *SDK) Wrap(sig tracing.Signature, fn tracing.Func, opts ...tracing.WrapOption) tracing.Func {
	return s.manager.Wrap(sig, fn, opts...)
}

// WrapAsync traces an asynchronous fn through the SDK manager.
func (s *SDK) WrapAsync(sig tracing.Signature, fn tracing.AsyncFunc, opts ...tracing.WrapOption) tracing.AsyncFunc {
	return s.manager.WrapAsync(sig, fn, opts...)
}

// NewEval creates an evaluation runner bound to the SDK manager.
func (s *SDK) NewEval(cfg eval.Config, opts ...eval.Option) (*eval.Runner, error) {
	base := []eval.Option{eval.WithManager(s.manager), eval.WithLogger(s.logger)}
	return eval.New(cfg, append(base, opts...)...)
}

// RunSuites loads the suites matching patterns and runs them in order.
// It stops at the first failing suite and returns the outputs gathered so
// far together with the error.
func (s *SDK) RunSuites(ctx context.Context, patterns []string, opts ...eval.Option) ([]*eval.Output, error) {
	suites, err := eval.LoadSuites(patterns...)
	if err != nil {
		return nil, err
	}

	outputs := make([]*eval.Output, 0, len(suites))
	for _, suite := range suites {
		runner, err := suite.NewRunner(s.manager, append([]eval.Option{eval.WithLogger(s.logger)}, opts...)...)
		if err != nil {
			return outputs, fmt.Errorf("suite %s: %w", suite.Path, err)
		}
		out, err := runner.Run(ctx)
		if err != nil {
			return outputs, fmt.Errorf("suite %s: %w", suite.Path, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// MetricsHandler serves Prometheus metrics. It returns nil unless
// WithPrometheus was given.
func (s *SDK) MetricsHandler() http.Handler {
	if s.prom == nil {
		return nil
	}
	return s.prom.Handler()
}

// Close stops retention, flushes pending records, closes the store and
// the console, and releases metrics. It is safe to call more than once.
func (s *SDK) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.retention != nil {
			s.retention.Stop()
		}
		var errs []error
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.console != nil {
			s.console.Close()
			if n := s.console.Dropped(); n > 0 {
				s.logger.Debug("console dropped events", internallog.CountKey, n)
			}
		}
		if err := s.shutdownMetrics(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *SDK) shutdownMetrics() error {
	if s.prom == nil {
		return nil
	}
	return s.prom.Shutdown(context.Background())
}

// CloseOnSignal closes the SDK when the process receives SIGINT or SIGTERM,
// or when ctx is cancelled. The returned function stops watching without
// closing.
func (s *SDK) CloseOnSignal(ctx context.Context) (stop func()) {
	sigCtx, cancelNotify := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer cancelNotify()
		select {
		case <-sigCtx.Done():
			s.logger.Debug("closing on signal", "cause", context.Cause(sigCtx))
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				s.logger.Error("failed to close trace manager", "error", err)
			}
		case <-done:
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
