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

	"github.com/aadk-dev/platform/internal/pipeline"
)

// WorkflowService exposes a single RPC, RunPipeline, that is a thin
// pass-through to the workflow planner.
type WorkflowService struct {
	planner *pipeline.Planner
}

// NewWorkflowService builds a WorkflowService.
func NewWorkflowService(planner *pipeline.Planner) *WorkflowService {
	return &WorkflowService{planner: planner}
}

// RunPipeline starts a pipeline run and returns its root job_id and
// run_id.
func (s *WorkflowService) RunPipeline(ctx context.Context, req pipeline.Request) (jobID, runID string, err error) {
	return s.planner.RunPipeline(ctx, req)
}
