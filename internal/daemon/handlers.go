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

package daemon

import (
	"context"
	"encoding/json"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/internal/run"
	"github.com/aadk-dev/platform/internal/services"
	"github.com/aadk-dev/platform/internal/transport"
)

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	err := json.Unmarshal(params, &v)
	return v, err
}

// bindJobService registers JobService's RPC surface.
func (d *Daemon) bindJobService(srv *transport.Server) {
	srv.RegisterHandler("job.start", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		return d.Job.StartJob(ctx, req)
	})

	srv.RegisterHandler("job.publish_event", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			JobID   string           `json:"job_id"`
			Payload jobengine.Payload `json:"payload"`
		}](params)
		if err != nil {
			return nil, err
		}
		return nil, d.Job.PublishJobEvent(ctx, req.JobID, req.Payload)
	})

	srv.RegisterHandler("job.cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			JobID string `json:"job_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		accepted, err := d.Job.CancelJob(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"accepted": accepted}, nil
	})

	srv.RegisterHandler("job.get", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			JobID string `json:"job_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Job.GetJob(ctx, req.JobID)
	})

	srv.RegisterHandler("job.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		filter, err := decode[jobengine.ListFilter](params)
		if err != nil {
			return nil, err
		}
		return d.Job.ListJobs(ctx, filter), nil
	})

	srv.RegisterHandler("job.list_history", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			JobID  string                  `json:"job_id"`
			Filter jobengine.HistoryFilter `json:"filter"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Job.ListJobHistory(ctx, req.JobID, req.Filter)
	})

	srv.RegisterStream("job.stream_events", func(ctx context.Context, params json.RawMessage) (<-chan any, error) {
		req, err := decode[struct {
			JobID          string `json:"job_id"`
			IncludeHistory bool   `json:"include_history"`
		}](params)
		if err != nil {
			return nil, err
		}
		events, err := d.Job.StreamJobEvents(ctx, req.JobID, req.IncludeHistory)
		if err != nil {
			return nil, err
		}
		return relay(ctx, events), nil
	})

	srv.RegisterStream("job.stream_run_events", func(ctx context.Context, params json.RawMessage) (<-chan any, error) {
		req, err := decode[struct {
			RunID               string `json:"run_id"`
			DiscoveryIntervalMS int    `json:"discovery_interval_ms"`
		}](params)
		if err != nil {
			return nil, err
		}
		events, err := d.Job.StreamRunEvents(ctx, req.RunID, req.DiscoveryIntervalMS)
		if err != nil {
			return nil, err
		}
		return relay(ctx, events), nil
	})
}

// relay adapts a typed channel to the untyped channel transport's
// StreamHandler expects.
func relay[T any](ctx context.Context, in <-chan T) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (d *Daemon) bindToolchainService(srv *transport.Server) {
	srv.RegisterHandler("toolchain.list_providers", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Toolchain.ListProviders(ctx)
	})
	srv.RegisterHandler("toolchain.list_available", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			Provider string `json:"provider"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Toolchain.ListAvailable(ctx, req.Provider)
	})
	srv.RegisterHandler("toolchain.list_installed", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Toolchain.ListInstalled(ctx)
	})
	srv.RegisterHandler("toolchain.install", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = services.JobTypeInstallToolchain
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("toolchain.update", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = services.JobTypeUpdateToolchain
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("toolchain.uninstall", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = services.JobTypeUninstallToolchain
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("toolchain.cleanup_cache", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = services.JobTypeCleanupToolchainCache
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("toolchain.list_sets", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Toolchain.ListToolchainSets(ctx)
	})
	srv.RegisterHandler("toolchain.create_set", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			Name         string   `json:"name"`
			ToolchainIDs []string `json:"toolchain_ids"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Toolchain.CreateToolchainSet(ctx, req.Name, req.ToolchainIDs)
	})
	srv.RegisterHandler("toolchain.set_active_set", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			SetID string `json:"set_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return nil, d.Toolchain.SetActiveToolchainSet(ctx, req.SetID)
	})
	srv.RegisterHandler("toolchain.get_active_set", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Toolchain.GetActiveToolchainSet(ctx)
	})
	srv.RegisterHandler("toolchain.reload_state", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, d.Toolchain.ReloadState(ctx)
	})
}

func (d *Daemon) bindProjectService(srv *transport.Server) {
	srv.RegisterHandler("project.list_templates", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Project.ListTemplates(ctx)
	})
	srv.RegisterHandler("project.list_recent", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Project.ListRecentProjects(ctx)
	})
	srv.RegisterHandler("project.create", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeCreateProject
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("project.open", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeOpenProject
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("project.set_config", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ProjectID string            `json:"project_id"`
			Config    map[string]string `json:"config"`
		}](params)
		if err != nil {
			return nil, err
		}
		return nil, d.Project.SetProjectConfig(ctx, req.ProjectID, req.Config)
	})
	srv.RegisterHandler("project.reload_state", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, d.Project.ReloadState(ctx)
	})
}

func (d *Daemon) bindBuildService(srv *transport.Server) {
	srv.RegisterHandler("build.run", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeBuild
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("build.list_artifacts", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ProjectPath string   `json:"project_path"`
			Globs       []string `json:"globs"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Build.ListArtifacts(ctx, req.ProjectPath, req.Globs)
	})
}

func (d *Daemon) bindTargetService(srv *transport.Server) {
	srv.RegisterHandler("targets.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Target.ListTargets(ctx)
	})
	srv.RegisterHandler("targets.install_apk", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeInstallApk
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("targets.launch", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeLaunchApp
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("targets.stop_app", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = services.JobTypeStopApp
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("targets.get_default", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.Target.GetDefaultTarget(ctx)
	})
	srv.RegisterHandler("targets.set_default", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			TargetID string `json:"target_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return nil, d.Target.SetDefaultTarget(ctx, req.TargetID)
	})
	srv.RegisterHandler("targets.reload_state", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, d.Target.ReloadState(ctx)
	})
	srv.RegisterStream("targets.stream_logcat", func(ctx context.Context, params json.RawMessage) (<-chan any, error) {
		req, err := decode[struct {
			TargetID string `json:"target_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		lines, err := d.Target.StreamLogcat(ctx, req.TargetID)
		if err != nil {
			return nil, err
		}
		return relay(ctx, lines), nil
	})
}

func (d *Daemon) bindObserveService(srv *transport.Server) {
	srv.RegisterHandler("observe.export_support_bundle", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeExportSupportBundle
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("observe.export_evidence_bundle", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[jobengine.StartJobRequest](params)
		if err != nil {
			return nil, err
		}
		req.JobType = pipeline.JobTypeExportEvidenceBundle
		return d.Job.StartJob(ctx, req)
	})
	srv.RegisterHandler("observe.list_runs", func(ctx context.Context, params json.RawMessage) (any, error) {
		filter, err := decode[run.ListFilter](params)
		if err != nil {
			return nil, err
		}
		return d.Observe.ListRuns(ctx, filter), nil
	})
	srv.RegisterHandler("observe.list_run_outputs", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			RunID string `json:"run_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.Observe.ListRunOutputs(ctx, req.RunID)
	})
	srv.RegisterHandler("observe.reload_state", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, d.Observe.ReloadState(ctx)
	})
}

func (d *Daemon) bindWorkflowService(srv *transport.Server) {
	srv.RegisterHandler("workflow.run_pipeline", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[pipeline.Request](params)
		if err != nil {
			return nil, err
		}
		jobID, runID, err := d.Workflow.RunPipeline(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": jobID, "run_id": runID}, nil
	})
}
