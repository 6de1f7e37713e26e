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
	"log/slog"
	"sync"
	"time"
)

// HistoryStore is the subset of internal/persistence/sqlite.Store the
// retention manager needs, kept narrow so it can be faked in tests.
type HistoryStore interface {
	DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error)
	DeleteRunsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RetentionManager periodically prunes job and run history older than
// the configured retention window.
type RetentionManager struct {
	store  HistoryStore
	cfg    RetentionConfig
	logger *slog.Logger

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
}

// NewRetentionManager builds a retention manager that sweeps every
// interval, deleting jobs older than cfg.Traces and runs older than
// cfg.Aggregates.
func NewRetentionManager(store HistoryStore, cfg RetentionConfig, interval time.Duration, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionManager{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the retention sweep loop until Stop is called or ctx is done.
func (m *RetentionManager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *RetentionManager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanupNow(ctx)
		}
	}
}

// CleanupNow runs one retention sweep immediately.
func (m *RetentionManager) CleanupNow(ctx context.Context) {
	now := time.Now()

	if m.cfg.Traces > 0 {
		cutoff := now.Add(-m.cfg.Traces)
		n, err := m.store.DeleteJobsOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Error("tracing: job history cleanup failed", "error", err)
		} else if n > 0 {
			m.logger.Info("tracing: pruned job history", "count", n, "older_than", cutoff)
		}
	}

	if m.cfg.Aggregates > 0 {
		cutoff := now.Add(-m.cfg.Aggregates)
		n, err := m.store.DeleteRunsOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Error("tracing: run history cleanup failed", "error", err)
		} else if n > 0 {
			m.logger.Info("tracing: pruned run history", "count", n, "older_than", cutoff)
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (m *RetentionManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}
