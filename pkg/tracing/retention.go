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

package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	internallog "github.com/tombee/agenttrace/internal/log"
)

// Pruner deletes records older than a cutoff. *storage.SQLiteStore
// implements it.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RetentionManager handles automatic cleanup of old traces and
// evaluation records.
type RetentionManager struct {
	store           Pruner
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// NewRetentionManager creates a new retention manager.
// maxAge is how long to keep records before deletion.
// cleanupInterval is how often to run the cleanup job.
func NewRetentionManager(store Pruner, maxAge, cleanupInterval time.Duration, logger *slog.Logger) *RetentionManager {
	if maxAge == 0 {
		maxAge = 7 * 24 * time.Hour
	}
	if cleanupInterval == 0 {
		cleanupInterval = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RetentionManager{
		store:           store,
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          internallog.WithComponent(logger, "retention"),
		now:             time.Now,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the retention cleanup loop.
// This runs in a background goroutine and returns immediately.
func (r *RetentionManager) Start() {
	go r.run()
}

// Stop gracefully stops the retention manager.
// It waits for any in-progress cleanup to complete.
func (r *RetentionManager) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *RetentionManager) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	r.cleanup()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			r.logger.Debug("retention manager stopping")
			return
		}
	}
}

func (r *RetentionManager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := r.prune(ctx); err != nil {
		r.logger.Error("failed to clean up old records", "error", err)
	}
}

func (r *RetentionManager) prune(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.maxAge)
	deleted, err := r.store.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.logger.Info("cleaned up old records",
			"count", deleted,
			"before", before.Format(time.RFC3339),
		)
	}
	return deleted, nil
}

// CleanupNow forces an immediate cleanup pass and returns the number of
// rows deleted. This blocks until cleanup completes.
func (r *RetentionManager) CleanupNow(ctx context.Context) (int64, error) {
	deleted, err := r.prune(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return deleted, nil
}
