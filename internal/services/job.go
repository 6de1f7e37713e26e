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
	"context"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/run"
)

// JobService is a thin pass-through to internal/jobengine and
// internal/run, the two packages that actually own job/run state.
type JobService struct {
	engine *jobengine.Engine
	runs   *run.Aggregator
}

// NewJobService builds a JobService.
func NewJobService(engine *jobengine.Engine, runs *run.Aggregator) *JobService {
	return &JobService{engine: engine, runs: runs}
}

// StartJob starts a job.
func (s *JobService) StartJob(ctx context.Context, req jobengine.StartJobRequest) (*jobengine.Snapshot, error) {
	return s.engine.StartJob(ctx, req)
}

// PublishJobEvent lets an out-of-process worker integration publish an
// event for a job it owns.
func (s *JobService) PublishJobEvent(ctx context.Context, jobID string, payload jobengine.Payload) error {
	return s.engine.PublishJobEvent(jobID, payload)
}

// CancelJob requests cancellation of a job.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (accepted bool, err error) {
	return s.engine.CancelJob(jobID)
}

// GetJob returns a job snapshot.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*jobengine.Snapshot, error) {
	return s.engine.GetJob(jobID)
}

// ListJobs lists jobs matching filter.
func (s *JobService) ListJobs(ctx context.Context, filter jobengine.ListFilter) []*jobengine.Snapshot {
	return s.engine.ListJobs(filter)
}

// ListJobHistory returns a job's event log.
func (s *JobService) ListJobHistory(ctx context.Context, jobID string, filter jobengine.HistoryFilter) ([]jobengine.JobEvent, error) {
	return s.engine.ListJobHistory(jobID, filter)
}

// StreamJobEvents streams a job's event log.
func (s *JobService) StreamJobEvents(ctx context.Context, jobID string, includeHistory bool) (<-chan jobengine.JobEvent, error) {
	return s.engine.StreamJobEvents(ctx, jobID, includeHistory)
}

// StreamRunEvents streams a run's merged event log.
func (s *JobService) StreamRunEvents(ctx context.Context, runID string, discoveryIntervalMS int) (<-chan run.RunEvent, error) {
	return s.runs.StreamRunEvents(ctx, runID, discoveryIntervalMS)
}

// ReloadState is a no-op RPC surface placeholder; the engine holds no
// independently reloadable persisted state of its own.
func (s *JobService) ReloadState(ctx context.Context) error {
	return nil
}
