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
	"sync"
	"time"

	"github.com/google/uuid"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/internal/statestore"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Template describes a project scaffold (see ListTemplates); actual
// file generation is an external collaborator out of scope.
type Template struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

// Project is an opaque-id-addressable entity.
type Project struct {
	ID         string            `json:"id"`
	Path       string            `json:"path"`
	Name       string            `json:"name"`
	Config     map[string]string `json:"config,omitempty"`
	OpenedAtMS int64             `json:"opened_at_ms"`
}

type projectState struct {
	Recent []Project `json:"recent"`
}

// ProjectService tracks recently-opened projects and scaffolds new ones.
type ProjectService struct {
	engine    *jobengine.Engine
	store     *statestore.Store[projectState]
	logger    *slog.Logger
	templates []Template

	mu sync.Mutex
}

// NewProjectService builds a ProjectService persisting recent projects
// at statePath.
func NewProjectService(engine *jobengine.Engine, statePath string, logger *slog.Logger) *ProjectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectService{
		engine: engine,
		store:  statestore.New[projectState](statePath),
		logger: alog.WithComponent(logger, "project_service"),
		templates: []Template{
			{ID: "tmpl-sample", DisplayName: "Sample Application", Language: "kotlin"},
			{ID: "tmpl-compose", DisplayName: "Jetpack Compose Starter", Language: "kotlin"},
			{ID: "tmpl-ndk", DisplayName: "Native (NDK) Starter", Language: "cpp"},
		},
	}
}

// Register binds the service's job workers with the engine, under the
// job types internal/pipeline's planner drives directly.
func (s *ProjectService) Register() {
	s.engine.Register(pipeline.JobTypeCreateProject, s.createWorker)
	s.engine.Register(pipeline.JobTypeOpenProject, s.openWorker)
}

// ListTemplates returns the known project templates.
func (s *ProjectService) ListTemplates(ctx context.Context) ([]Template, error) {
	return append([]Template(nil), s.templates...), nil
}

// ListRecentProjects returns recently opened/created projects, most
// recent first.
func (s *ProjectService) ListRecentProjects(ctx context.Context) ([]Project, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Project, len(st.Recent))
	for i := range st.Recent {
		out[len(st.Recent)-1-i] = st.Recent[i]
	}
	return out, nil
}

// SetProjectConfig merges cfg into a project's persisted config map.
func (s *ProjectService) SetProjectConfig(ctx context.Context, projectID string, cfg map[string]string) error {
	_, err := s.store.Update(func(st projectState) (projectState, error) {
		for i := range st.Recent {
			if st.Recent[i].ID == projectID {
				if st.Recent[i].Config == nil {
					st.Recent[i].Config = map[string]string{}
				}
				for k, v := range cfg {
					st.Recent[i].Config[k] = v
				}
				return st, nil
			}
		}
		return st, &errors.NotFoundError{Resource: "project", ID: projectID}
	})
	return err
}

// ReloadState re-reads persisted state on next access.
func (s *ProjectService) ReloadState(ctx context.Context) error {
	_, err := s.store.Load()
	return err
}

func (s *ProjectService) recordOpened(p Project) error {
	_, err := s.store.Update(func(st projectState) (projectState, error) {
		for i, existing := range st.Recent {
			if existing.Path == p.Path {
				st.Recent = append(st.Recent[:i], st.Recent[i+1:]...)
				break
			}
		}
		st.Recent = append(st.Recent, p)
		if len(st.Recent) > 50 {
			st.Recent = st.Recent[len(st.Recent)-50:]
		}
		return st, nil
	})
	return err
}

func (s *ProjectService) createWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	templateID := paramOf(job, "template_id")
	projectPath := paramOf(job, "project_path")
	projectName := paramOf(job, "project_name")
	if projectPath == "" {
		return &errors.ValidationError{Field: "project_path", Message: "must not be empty"}
	}

	pub.Progress(30, "scaffold_from_template")
	found := false
	for _, t := range s.templates {
		if t.ID == templateID {
			found = true
			break
		}
	}
	if templateID != "" && !found {
		return &errors.ValidationError{Field: "template_id", Message: "unknown template"}
	}

	p := Project{ID: uuid.New().String(), Path: projectPath, Name: projectName, OpenedAtMS: time.Now().UnixMilli()}
	pub.Progress(80, "record_project")
	if err := s.recordOpened(p); err != nil {
		return errors.Wrap(errors.CodeInternal, "persisting new project", err)
	}

	pub.Progress(100, "done")
	pub.Complete("project created", "project_id="+p.ID, "project_path="+p.Path)
	return nil
}

func (s *ProjectService) openWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	projectPath := paramOf(job, "project_path")
	if projectPath == "" {
		return &errors.ValidationError{Field: "project_path", Message: "must not be empty"}
	}

	pub.Progress(50, "read_project_config")
	st, err := s.store.Load()
	if err != nil {
		return err
	}

	var p Project
	for _, existing := range st.Recent {
		if existing.Path == projectPath {
			p = existing
			break
		}
	}
	if p.ID == "" {
		p = Project{ID: uuid.New().String(), Path: projectPath}
	}
	p.OpenedAtMS = time.Now().UnixMilli()

	if err := s.recordOpened(p); err != nil {
		return errors.Wrap(errors.CodeInternal, "persisting opened project", err)
	}

	pub.Progress(100, "done")
	pub.Complete("project opened", "project_id="+p.ID, "project_path="+p.Path)
	return nil
}
