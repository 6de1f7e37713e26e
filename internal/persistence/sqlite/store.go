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

// Package sqlite is a durable, optional backend for job and run
// history: an alternative to internal/jobengine and internal/run's
// in-memory retention window for operators who want history to
// survive a daemon restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/run"
)

// Store provides SQLite-backed storage for finished jobs and runs.
type Store struct {
	db *sql.DB
}

// Config configures the store.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	MaxOpenConns int
}

// Open opens (creating if needed) the job/run history database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connecting: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			run_id TEXT,
			correlation_id TEXT,
			project_id TEXT,
			target_id TEXT,
			toolchain_set_id TEXT,
			state TEXT NOT NULL,
			params TEXT,
			created_at_ms INTEGER NOT NULL,
			started_at_ms INTEGER,
			finished_at_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_job_type ON jobs(job_type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at_ms)`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			correlation_id TEXT,
			project_id TEXT,
			target_id TEXT,
			toolchain_set_id TEXT,
			job_ids TEXT,
			result TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER,
			summary TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_result ON runs(result)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at_ms)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// StoreJob upserts a job snapshot, intended to be called once a job
// reaches a terminal state and is about to be evicted from the
// in-memory retention window.
func (s *Store) StoreJob(ctx context.Context, snap *jobengine.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("sqlite: snapshot is nil")
	}

	params, err := json.Marshal(snap.Params)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling job params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, run_id, correlation_id, project_id, target_id, toolchain_set_id, state, params, created_at_ms, started_at_ms, finished_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			started_at_ms = excluded.started_at_ms,
			finished_at_ms = excluded.finished_at_ms
	`,
		snap.JobID, snap.JobType, nullableString(snap.RunID), nullableString(snap.CorrelationID),
		nullableString(snap.ProjectID), nullableString(snap.TargetID), nullableString(snap.ToolchainSetID),
		string(snap.State), string(params), snap.CreatedAtMS, nullableInt64(snap.StartedAtMS), nullableInt64(snap.FinishedAtMS),
	)
	if err != nil {
		return fmt.Errorf("sqlite: storing job %s: %w", snap.JobID, err)
	}
	return nil
}

// StoreRun upserts a run record, intended to be called once a run
// reaches a terminal result.
func (s *Store) StoreRun(ctx context.Context, r *run.Run) error {
	if r == nil {
		return fmt.Errorf("sqlite: run is nil")
	}

	jobIDs, err := json.Marshal(r.JobIDs)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling job_ids: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling run summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, correlation_id, project_id, target_id, toolchain_set_id, job_ids, result, started_at_ms, finished_at_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			job_ids = excluded.job_ids,
			result = excluded.result,
			finished_at_ms = excluded.finished_at_ms,
			summary = excluded.summary
	`,
		r.RunID, nullableString(r.CorrelationID), nullableString(r.ProjectID), nullableString(r.TargetID),
		nullableString(r.ToolchainSetID), string(jobIDs), string(r.Result), r.StartedAtMS, nullableInt64(r.FinishedAtMS), string(summary),
	)
	if err != nil {
		return fmt.Errorf("sqlite: storing run %s: %w", r.RunID, err)
	}
	return nil
}

// GetJob returns one job snapshot by ID, or nil if not found.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobengine.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, job_type, run_id, correlation_id, project_id, target_id, toolchain_set_id, state, params, created_at_ms, started_at_ms, finished_at_ms
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobsByRun returns every job recorded under a run_id, oldest first.
func (s *Store) ListJobsByRun(ctx context.Context, runID string) ([]*jobengine.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_type, run_id, correlation_id, project_id, target_id, toolchain_set_id, state, params, created_at_ms, started_at_ms, finished_at_ms
		FROM jobs WHERE run_id = ? ORDER BY created_at_ms ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing jobs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*jobengine.Snapshot
	for rows.Next() {
		snap, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteJobsOlderThan removes jobs that finished before the cutoff,
// implementing the sqlite-backend half of the retention policy whose
// in-memory half lives in jobengine.Config.HistoryRetention.
func (s *Store) DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at_ms > 0 AND finished_at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting old jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRunsOlderThan removes runs that finished before the cutoff.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at_ms > 0 AND finished_at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting old runs: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobengine.Snapshot, error) {
	var (
		snap                                                    jobengine.Snapshot
		runID, correlationID, projectID, targetID, toolchainSet sql.NullString
		state                                                    string
		params                                                   string
		startedAt, finishedAt                                    sql.NullInt64
	)

	err := row.Scan(&snap.JobID, &snap.JobType, &runID, &correlationID, &projectID, &targetID, &toolchainSet,
		&state, &params, &snap.CreatedAtMS, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scanning job row: %w", err)
	}

	snap.RunID = runID.String
	snap.CorrelationID = correlationID.String
	snap.ProjectID = projectID.String
	snap.TargetID = targetID.String
	snap.ToolchainSetID = toolchainSet.String
	snap.State = jobengine.State(state)
	snap.StartedAtMS = startedAt.Int64
	snap.FinishedAtMS = finishedAt.Int64

	if params != "" {
		if err := json.Unmarshal([]byte(params), &snap.Params); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshaling job params: %w", err)
		}
	}
	return &snap, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
