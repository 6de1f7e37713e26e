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

package services

import (
	"archive/zip"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/internal/run"
	"github.com/aadk-dev/platform/pkg/errors"
)

// ObserveService exposes run and run-output queries and exports
// support/evidence bundles.
type ObserveService struct {
	engine  *jobengine.Engine
	runs    *run.Aggregator
	bundleDir string
	logger  *slog.Logger
}

// NewObserveService builds an ObserveService. bundleDir is where
// exported support/evidence bundles are written, e.g. under
// internal/config.DataDir()/bundles.
func NewObserveService(engine *jobengine.Engine, runs *run.Aggregator, bundleDir string, logger *slog.Logger) *ObserveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserveService{engine: engine, runs: runs, bundleDir: bundleDir, logger: alog.WithComponent(logger, "observe_service")}
}

// Register binds the job types the pipeline planner drives directly.
func (s *ObserveService) Register() {
	s.engine.Register(pipeline.JobTypeExportSupportBundle, s.exportSupportBundleWorker)
	s.engine.Register(pipeline.JobTypeExportEvidenceBundle, s.exportEvidenceBundleWorker)
}

// ListRuns proxies to the run aggregator.
func (s *ObserveService) ListRuns(ctx context.Context, filter run.ListFilter) []*run.Run {
	return s.runs.ListRuns(filter)
}

// ListRunOutputs proxies to the run aggregator.
func (s *ObserveService) ListRunOutputs(ctx context.Context, runID string) ([]run.RunOutput, error) {
	return s.runs.ListRunOutputs(runID)
}

// ReloadState is a no-op RPC surface placeholder; the run aggregator
// holds no independently persisted state of its own.
func (s *ObserveService) ReloadState(ctx context.Context) error {
	return nil
}

// supportBundleManifest is written as manifest.json inside every
// exported bundle: a diagnostics snapshot, not a run's evidentiary
// record (evidence bundles carry run/job history instead).
type supportBundleManifest struct {
	GeneratedAtMS int64             `json:"generated_at_ms"`
	Hostname      string            `json:"hostname"`
	JobSnapshot   *jobengine.Snapshot `json:"job_snapshot,omitempty"`
}

func (s *ObserveService) exportSupportBundleWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	pub.Progress(20, "collect_diagnostics")
	hostname, _ := os.Hostname()
	manifest := supportBundleManifest{GeneratedAtMS: time.Now().UnixMilli(), Hostname: hostname, JobSnapshot: job}

	pub.Progress(60, "write_bundle")
	bundlePath := filepath.Join(s.bundleDir, "support-"+uuid.New().String()+".zip")
	if err := writeJSONBundle(bundlePath, "manifest.json", manifest); err != nil {
		return errors.Wrap(errors.CodeInternal, "writing support bundle", err)
	}

	if job.RunID != "" {
		if _, err := s.runs.RecordRunOutput(run.RecordRunOutputRequest{
			RunID: job.RunID, Kind: run.OutputKindBundle, OutputType: "support_bundle",
			Path: bundlePath, Label: "Support bundle", JobID: job.JobID,
		}); err != nil {
			return errors.Wrap(errors.CodeInternal, "recording run output", err)
		}
	}

	pub.Progress(100, "done")
	pub.Complete("support bundle exported", "bundle_path="+bundlePath)
	return nil
}

func (s *ObserveService) exportEvidenceBundleWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	pub.Progress(20, "collect_run_history")

	var history []jobengine.JobEvent
	if job.RunID != "" {
		if r, err := s.runs.GetRun(job.RunID); err == nil {
			for _, id := range r.JobIDs {
				evts, err := s.engine.ListJobHistory(id, jobengine.HistoryFilter{})
				if err == nil {
					history = append(history, evts...)
				}
			}
		}
	}

	pub.Progress(60, "write_bundle")
	bundlePath := filepath.Join(s.bundleDir, "evidence-"+uuid.New().String()+".zip")
	if err := writeJSONBundle(bundlePath, "events.json", history); err != nil {
		return errors.Wrap(errors.CodeInternal, "writing evidence bundle", err)
	}

	if job.RunID != "" {
		if _, err := s.runs.RecordRunOutput(run.RecordRunOutputRequest{
			RunID: job.RunID, Kind: run.OutputKindBundle, OutputType: "evidence_bundle",
			Path: bundlePath, Label: "Evidence bundle", JobID: job.JobID,
		}); err != nil {
			return errors.Wrap(errors.CodeInternal, "recording run output", err)
		}
	}

	pub.Progress(100, "done")
	pub.Complete("evidence bundle exported", "bundle_path="+bundlePath)
	return nil
}

// writeJSONBundle creates a single-entry zip archive at path containing
// entryName marshaled from v.
func writeJSONBundle(path, entryName string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(entryName)
	if err != nil {
		zw.Close()
		return err
	}
	if _, err := w.Write(data); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
