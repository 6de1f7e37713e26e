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

// Package pipeline implements the workflow planner: given one
// RunPipeline request, it synthesizes and executes an ordered sequence
// of child jobs across services, attached to one run, reporting a
// final aggregate status on the root job.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Job types the planner spawns as children. Every business service
// registers a Worker under the matching type at daemon startup.
const (
	JobTypeVerifyToolchain      = "toolchain.verify"
	JobTypeCreateProject        = "project.create"
	JobTypeOpenProject          = "project.open"
	JobTypeBuild                = "build.run"
	JobTypeInstallApk           = "targets.install_apk"
	JobTypeLaunchApp            = "targets.launch"
	JobTypeExportSupportBundle  = "observe.export_support_bundle"
	JobTypeExportEvidenceBundle = "observe.export_evidence_bundle"

	// JobTypeRunPipeline is the root job's own type, registered against
	// this package's Planner.worker.
	JobTypeRunPipeline = "workflow.run_pipeline"
)

// Request is the input to RunPipeline.
type Request struct {
	TemplateID     string
	ProjectPath    string
	ProjectName    string
	ProjectID      string
	ToolchainID    string
	TargetID       string
	ApkPath        string
	ApplicationID  string
	CorrelationID  string
	ExprCondition  string
	PreflightOnly  bool

	// Step flags: nil = not explicitly set, inferred from inputs.
	VerifyToolchain      *bool
	CreateProject        *bool
	OpenProject          *bool
	Build                *bool
	InstallApk           *bool
	LaunchApp            *bool
	ExportSupportBundle  *bool
	ExportEvidenceBundle *bool
}

func truep(b bool) *bool { return &b }

// steps is the fixed execution order, gated at runtime by each step's
// enabled() predicate against the resolved Request.
type step struct {
	name    string
	jobType string
	enabled func(r Request) bool
	params  func(r Request, results map[string]map[string]string) []jobengine.Param
}

// Planner owns the fixed pipeline step order and drives it through the
// job engine, attaching every child to one run.
type Planner struct {
	engine *jobengine.Engine
	logger *slog.Logger
}

// New creates a Planner bound to engine. Call Register to wire its
// worker in under JobTypeRunPipeline.
func New(engine *jobengine.Engine, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{engine: engine, logger: alog.WithComponent(logger, "pipeline")}
}

// Register binds the planner's own worker under JobTypeRunPipeline.
func (p *Planner) Register() {
	p.engine.Register(JobTypeRunPipeline, p.worker)
}

// RunPipeline starts the root job for req and returns its job_id and
// run_id immediately; execution proceeds asynchronously exactly like
// any other job.
func (p *Planner) RunPipeline(ctx context.Context, req Request) (jobID, runID string, err error) {
	if req.ProjectPath == "" && req.ProjectID == "" && req.TargetID == "" && req.ToolchainID == "" {
		return "", "", &errors.ValidationError{Message: "RunPipeline requires at least one of project_path, project_id, target_id, toolchain_id"}
	}

	runID = "pl-" + uuid.New().String()[:8]

	snap, err := p.engine.StartJob(ctx, jobengine.StartJobRequest{
		JobType:        JobTypeRunPipeline,
		Params:         encodeRequest(req),
		ProjectID:      req.ProjectID,
		TargetID:       req.TargetID,
		ToolchainSetID: req.ToolchainID,
		CorrelationID:  req.CorrelationID,
		RunID:          runID,
	})
	if err != nil {
		return "", "", err
	}
	return snap.JobID, runID, nil
}

func (p *Planner) worker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	req := decodeRequest(job.Params)
	req.ProjectID = job.ProjectID
	req.TargetID = job.TargetID
	req.ToolchainID = job.ToolchainSetID
	req.CorrelationID = job.CorrelationID

	inferSteps(&req)

	logger := alog.WithRun(p.logger, job.RunID)

	pub.Progress(0, "preflight")
	if err := p.preflight(ctx, req); err != nil {
		logger.Warn("pipeline preflight failed", alog.Error(err))
		return err
	}
	if req.PreflightOnly {
		pub.Progress(100, "preflight")
		return nil
	}

	results := make(map[string]map[string]string)
	order := p.orderedSteps()

	total := 0
	for _, s := range order {
		if s.enabled(req) {
			total++
		}
	}

	done := 0
	for _, s := range order {
		if !s.enabled(req) {
			continue
		}
		if s.name == "export_evidence_bundle" && req.ExprCondition != "" {
			gate, err := evalCondition(req.ExprCondition, results)
			if err != nil {
				return errors.Wrap(errors.CodeInvalidArgument, "evaluating expr_condition", err)
			}
			if !gate {
				logger.Info("skipping export_evidence_bundle: expr_condition false")
				continue
			}
		}

		pub.Progress(done*100/max(total, 1), s.name)

		childParams := s.params(req, results)
		childSnap, err := p.engine.StartJob(ctx, jobengine.StartJobRequest{
			JobType:       s.jobType,
			Params:        childParams,
			RunID:         job.RunID,
			CorrelationID: job.CorrelationID,
			TargetID:      req.TargetID,
			ProjectID:     req.ProjectID,
		})
		if err != nil {
			return err
		}

		outputs, stepErr := p.awaitChild(ctx, childSnap.JobID)
		if stepErr != nil {
			return stepErr
		}

		results[s.name] = outputs
		propagate(&req, s.name, outputs)
		done++
		pub.Progress(done*100/max(total, 1), s.name)
	}

	return nil
}

// awaitChild blocks until jobID reaches a terminal state, returning its
// Completed outputs or the taxonomy error from its Failed event.
func (p *Planner) awaitChild(ctx context.Context, jobID string) (map[string]string, error) {
	ch, err := p.engine.StreamJobEvents(ctx, jobID, true)
	if err != nil {
		return nil, err
	}

	outputs := map[string]string{"status": "success"}
	for evt := range ch {
		select {
		case <-ctx.Done():
			_, _ = p.engine.CancelJob(jobID)
		default:
		}
		if evt.Payload.Completed != nil {
			outputs["status"] = "success"
			for _, o := range evt.Payload.Completed.Outputs {
				if k, v, ok := splitKV(o); ok {
					outputs[k] = v
				}
			}
		}
		if evt.Payload.Failed != nil {
			outputs["status"] = "failed"
			return outputs, &errors.TaxonomyError{
				Code:             evt.Payload.Failed.Code,
				Message:          evt.Payload.Failed.Message,
				TechnicalDetails: evt.Payload.Failed.TechnicalDetails,
				CorrelationID:    evt.Payload.Failed.CorrelationID,
			}
		}
	}
	return outputs, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// evalCondition evaluates an expr-lang/expr boolean expression against
// the pipeline's accumulated step results, e.g.
// `result.build.status == "failed"`.
func evalCondition(expression string, results map[string]map[string]string) (bool, error) {
	env := map[string]any{"result": toExprEnv(results)}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

func toExprEnv(results map[string]map[string]string) map[string]any {
	env := make(map[string]any, len(results))
	for step, kv := range results {
		m := make(map[string]any, len(kv))
		for k, v := range kv {
			m[k] = v
		}
		env[step] = m
	}
	return env
}
