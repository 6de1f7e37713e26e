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

package pipeline

import (
	"context"
	"strings"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/pkg/errors"
)

// orderedSteps returns the fixed execution order: verify -> create ->
// open -> build -> install -> launch -> support -> evidence. Each
// step's params() closure has access to accumulated results from
// earlier steps for data propagation.
func (p *Planner) orderedSteps() []step {
	return []step{
		{
			name:    "verify_toolchain",
			jobType: JobTypeVerifyToolchain,
			enabled: func(r Request) bool { return isTrue(r.VerifyToolchain) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{{Key: "toolchain_id", Value: r.ToolchainID}}
			},
		},
		{
			name:    "create_project",
			jobType: JobTypeCreateProject,
			enabled: func(r Request) bool { return isTrue(r.CreateProject) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{
					{Key: "template_id", Value: r.TemplateID},
					{Key: "project_path", Value: r.ProjectPath},
					{Key: "project_name", Value: r.ProjectName},
				}
			},
		},
		{
			name:    "open_project",
			jobType: JobTypeOpenProject,
			enabled: func(r Request) bool { return isTrue(r.OpenProject) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{{Key: "project_path", Value: r.ProjectPath}}
			},
		},
		{
			name:    "build",
			jobType: JobTypeBuild,
			enabled: func(r Request) bool { return isTrue(r.Build) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{
					{Key: "project_id", Value: r.ProjectID},
					{Key: "project_path", Value: r.ProjectPath},
				}
			},
		},
		{
			name:    "install_apk",
			jobType: JobTypeInstallApk,
			enabled: func(r Request) bool { return isTrue(r.InstallApk) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{
					{Key: "target_id", Value: r.TargetID},
					{Key: "apk_path", Value: r.ApkPath},
				}
			},
		},
		{
			name:    "launch_app",
			jobType: JobTypeLaunchApp,
			enabled: func(r Request) bool { return isTrue(r.LaunchApp) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return []jobengine.Param{
					{Key: "target_id", Value: r.TargetID},
					{Key: "application_id", Value: r.ApplicationID},
				}
			},
		},
		{
			name:    "export_support_bundle",
			jobType: JobTypeExportSupportBundle,
			enabled: func(r Request) bool { return isTrue(r.ExportSupportBundle) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return nil
			},
		},
		{
			name:    "export_evidence_bundle",
			jobType: JobTypeExportEvidenceBundle,
			enabled: func(r Request) bool { return isTrue(r.ExportEvidenceBundle) },
			params: func(r Request, _ map[string]map[string]string) []jobengine.Param {
				return nil
			},
		},
	}
}

func isTrue(b *bool) bool { return b != nil && *b }

// inferSteps fills unset step flags from the resolved Request's other
// fields, when the client left every flag unset.
func inferSteps(r *Request) {
	anyExplicit := r.VerifyToolchain != nil || r.CreateProject != nil || r.OpenProject != nil ||
		r.Build != nil || r.InstallApk != nil || r.LaunchApp != nil ||
		r.ExportSupportBundle != nil || r.ExportEvidenceBundle != nil
	if anyExplicit {
		fillUnset(r, false)
		return
	}

	createProject := r.TemplateID != "" && r.ProjectPath != "" && r.ProjectID == ""
	openProject := !createProject && r.ProjectPath != ""
	verifyToolchain := r.ToolchainID != ""
	build := r.ProjectID != "" || r.ProjectPath != ""
	// install_apk is inferred either from an explicit apk_path or from
	// a build step that will produce one: a target id and an apk path
	// are provided, or a build will produce one and the planner uses
	// its post-build outputs.
	installApk := r.TargetID != "" && (r.ApkPath != "" || build)
	launchApp := r.TargetID != "" && r.ApplicationID != ""

	r.CreateProject = truep(createProject)
	r.OpenProject = truep(openProject)
	r.VerifyToolchain = truep(verifyToolchain)
	r.Build = truep(build)
	r.InstallApk = truep(installApk)
	r.LaunchApp = truep(launchApp)
	r.ExportSupportBundle = truep(isTrue(r.ExportSupportBundle))
	r.ExportEvidenceBundle = truep(isTrue(r.ExportEvidenceBundle))
}

func fillUnset(r *Request, def bool) {
	set := func(p **bool) {
		if *p == nil {
			*p = truep(def)
		}
	}
	set(&r.VerifyToolchain)
	set(&r.CreateProject)
	set(&r.OpenProject)
	set(&r.Build)
	set(&r.InstallApk)
	set(&r.LaunchApp)
	set(&r.ExportSupportBundle)
	set(&r.ExportEvidenceBundle)
}

// propagate threads a completed step's outputs forward: a successful
// build contributes apk_path into install_apk if unset; a successful
// install_apk contributes application_id into launch_app if unset and
// inferable.
func propagate(r *Request, stepName string, outputs map[string]string) {
	switch stepName {
	case "build":
		if r.ApkPath == "" {
			if apk, ok := outputs["apk_path"]; ok {
				r.ApkPath = apk
			}
		}
	case "install_apk":
		if r.ApplicationID == "" {
			if appID, ok := outputs["application_id"]; ok {
				r.ApplicationID = appID
				if r.LaunchApp == nil {
					r.LaunchApp = truep(true)
				}
			}
		}
	}
}

// preflight only checks that ctx is still live before the pipeline
// spawns its first child job; it does not itself verify toolchain
// presence or target reachability. Those checks are owned by
// ToolchainService/TargetService, which the planner's steps already
// consult when they encode a job's params. A daemon wiring that wants
// a stricter, synchronous reachability probe ahead of RunPipeline can
// call into those services directly before invoking it.
func (p *Planner) preflight(ctx context.Context, r Request) error {
	if r.ToolchainID == "" && r.TargetID == "" {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrap(errors.CodeFailedPrecondition, "preflight cancelled", ctx.Err())
	}
	return nil
}

func encodeRequest(r Request) []jobengine.Param {
	params := []jobengine.Param{
		{Key: "template_id", Value: r.TemplateID},
		{Key: "project_path", Value: r.ProjectPath},
		{Key: "project_name", Value: r.ProjectName},
		{Key: "apk_path", Value: r.ApkPath},
		{Key: "application_id", Value: r.ApplicationID},
		{Key: "expr_condition", Value: r.ExprCondition},
		{Key: "preflight_only", Value: boolStr(r.PreflightOnly)},
	}
	addFlag := func(key string, b *bool) {
		if b != nil {
			params = append(params, jobengine.Param{Key: key, Value: boolStr(*b)})
		}
	}
	addFlag("verify_toolchain", r.VerifyToolchain)
	addFlag("create_project", r.CreateProject)
	addFlag("open_project", r.OpenProject)
	addFlag("build", r.Build)
	addFlag("install_apk", r.InstallApk)
	addFlag("launch_app", r.LaunchApp)
	addFlag("export_support_bundle", r.ExportSupportBundle)
	addFlag("export_evidence_bundle", r.ExportEvidenceBundle)
	return params
}

func decodeRequest(params []jobengine.Param) Request {
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Key] = p.Value
	}

	r := Request{
		TemplateID:    m["template_id"],
		ProjectPath:   m["project_path"],
		ProjectName:   m["project_name"],
		ApkPath:       m["apk_path"],
		ApplicationID: m["application_id"],
		ExprCondition: m["expr_condition"],
		PreflightOnly: m["preflight_only"] == "true",
	}
	readFlag := func(key string) *bool {
		v, ok := m[key]
		if !ok {
			return nil
		}
		return truep(v == "true")
	}
	r.VerifyToolchain = readFlag("verify_toolchain")
	r.CreateProject = readFlag("create_project")
	r.OpenProject = readFlag("open_project")
	r.Build = readFlag("build")
	r.InstallApk = readFlag("install_apk")
	r.LaunchApp = readFlag("launch_app")
	r.ExportSupportBundle = readFlag("export_support_bundle")
	r.ExportEvidenceBundle = readFlag("export_evidence_bundle")
	return r
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitKV(s string) (key, value string, ok bool) {
	idx := strings.IndexByte(s, '=')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}
