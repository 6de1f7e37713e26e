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

package main

import (
	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/pipeline"
)

func workflowClient() *client { return newRPC(func() string { return cfg.Listen.WorkflowService }) }

// optionalBool turns a cobra --flag/--no-flag pair's "was it set"
// state into pipeline.Request's tri-state *bool step override.
func optionalBool(cmd *cobra.Command, name string, value bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Plan and run end-to-end pipelines"}
	cmd.AddCommand(newWorkflowRunPipelineCmd())
	return cmd
}

func newWorkflowRunPipelineCmd() *cobra.Command {
	var (
		req                                         pipeline.Request
		verifyToolchain, createProject, openProject bool
		build, installApk, launchApp                bool
		exportSupportBundle, exportEvidenceBundle   bool
	)

	runCmd := &cobra.Command{
		Use:   "run-pipeline",
		Short: "Plan and run a pipeline from a template through launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.VerifyToolchain = optionalBool(cmd, "verify-toolchain", verifyToolchain)
			req.CreateProject = optionalBool(cmd, "create-project", createProject)
			req.OpenProject = optionalBool(cmd, "open-project", openProject)
			req.Build = optionalBool(cmd, "build", build)
			req.InstallApk = optionalBool(cmd, "install-apk", installApk)
			req.LaunchApp = optionalBool(cmd, "launch-app", launchApp)
			req.ExportSupportBundle = optionalBool(cmd, "export-support-bundle", exportSupportBundle)
			req.ExportEvidenceBundle = optionalBool(cmd, "export-evidence-bundle", exportEvidenceBundle)

			jobID, runID, err := runWorkflow(cmd, req)
			if err != nil {
				return err
			}
			return printResult(map[string]string{"job_id": jobID, "run_id": runID})
		},
	}

	runCmd.Flags().StringVar(&req.TemplateID, "template", "", "project template ID")
	runCmd.Flags().StringVar(&req.ProjectPath, "project-path", "", "project directory")
	runCmd.Flags().StringVar(&req.ProjectName, "project-name", "", "project name")
	runCmd.Flags().StringVar(&req.ProjectID, "project-id", "", "existing project ID")
	runCmd.Flags().StringVar(&req.ToolchainID, "toolchain-id", "", "toolchain to build with")
	runCmd.Flags().StringVar(&req.TargetID, "target", "", "target to install/launch on")
	runCmd.Flags().StringVar(&req.ApkPath, "apk", "", "APK path (overrides build output)")
	runCmd.Flags().StringVar(&req.ApplicationID, "application-id", "", "Android application ID")
	runCmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "correlation ID for the whole run")
	runCmd.Flags().StringVar(&req.ExprCondition, "when", "", "expr-lang condition gating the export_evidence_bundle step")
	runCmd.Flags().BoolVar(&req.PreflightOnly, "preflight-only", false, "validate and plan without executing")

	runCmd.Flags().BoolVar(&verifyToolchain, "verify-toolchain", false, "force this step on/off")
	runCmd.Flags().BoolVar(&createProject, "create-project", false, "force this step on/off")
	runCmd.Flags().BoolVar(&openProject, "open-project", false, "force this step on/off")
	runCmd.Flags().BoolVar(&build, "build", false, "force this step on/off")
	runCmd.Flags().BoolVar(&installApk, "install-apk", false, "force this step on/off")
	runCmd.Flags().BoolVar(&launchApp, "launch-app", false, "force this step on/off")
	runCmd.Flags().BoolVar(&exportSupportBundle, "export-support-bundle", false, "force this step on/off")
	runCmd.Flags().BoolVar(&exportEvidenceBundle, "export-evidence-bundle", false, "force this step on/off")

	return runCmd
}

func runWorkflow(cmd *cobra.Command, req pipeline.Request) (jobID, runID string, err error) {
	var out struct {
		JobID string `json:"job_id"`
		RunID string `json:"run_id"`
	}
	if err := workflowClient().call(cmd.Context(), "workflow.run_pipeline", req, &out); err != nil {
		return "", "", err
	}
	return out.JobID, out.RunID, nil
}
