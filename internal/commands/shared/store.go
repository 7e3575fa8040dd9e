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

package shared

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/agenttrace/internal/config"
	internallog "github.com/tombee/agenttrace/internal/log"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// LoadConfig loads the configuration named by --config and applies --db.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	if db := GetDBPath(); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// OpenStore opens the trace database for cfg. When mustExist is set a
// missing database file is reported instead of created.
func OpenStore(cfg *config.Config, mustExist bool) (*storage.SQLiteStore, error) {
	if cfg.DBPath != storage.MemoryPath {
		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			if mustExist {
				return nil, NewNotFoundError(fmt.Sprintf("no trace database at %s", cfg.DBPath), nil)
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return nil, NewStorageError("failed to create database directory", err)
			}
		}
	}
	store, err := storage.New(cfg.StoreConfig())
	if err != nil {
		return nil, NewStorageError("failed to open trace database", err)
	}
	return store, nil
}

// NewLogger builds the CLI logger: the configured level and format,
// raised to debug by --verbose and lowered to error by --quiet.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Log.Level
	switch {
	case GetVerbose():
		level = "debug"
	case GetQuiet():
		level = "error"
	}
	return internallog.New(&internallog.Config{
		Level:     level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	})
}

// FormatTime renders t as a clock time when it is from the last day and
// as a date otherwise.
func FormatTime(t time.Time) string {
	t = t.Local()
	if time.Since(t) < 24*time.Hour {
		return t.Format("15:04:05")
	}
	return t.Format("2006-01-02 15:04")
}

// FormatDuration renders d with millisecond precision below one second.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// TruncateID shortens an id for table output.
func TruncateID(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}
