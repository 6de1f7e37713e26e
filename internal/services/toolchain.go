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

// Package services hosts the thin business services (ToolchainService,
// ProjectService, BuildService, TargetService, ObserveService,
// WorkflowService, JobService): each owns the entities it introduces
// and spawns jobs into internal/jobengine for anything that does real
// work. Toolchain archive download/verification, project-template
// generation, and Gradle invocation are external collaborators outside
// this daemon's scope, so the workers below simulate that boundary
// with a recorded-outcome step rather than shelling out to real
// tooling.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/statestore"
	"github.com/aadk-dev/platform/pkg/errors"
)

const (
	JobTypeInstallToolchain       = "toolchain.install"
	JobTypeUpdateToolchain        = "toolchain.update"
	JobTypeUninstallToolchain     = "toolchain.uninstall"
	JobTypeCleanupToolchainCache  = "toolchain.cleanup_cache"
	JobTypeVerifyToolchain        = "toolchain.verify"
)

// Toolchain is an opaque-id-addressable SDK/NDK component.
type Toolchain struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name"`
	InstalledAtMS int64 `json:"installed_at_ms"`
}

// ToolchainSet names a pinned collection of Toolchain ids.
type ToolchainSet struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ToolchainIDs []string `json:"toolchain_ids"`
}

// toolchainState is the atomic JSON snapshot persisted under the data
// directory.
type toolchainState struct {
	Installed   []Toolchain    `json:"installed"`
	Sets        []ToolchainSet `json:"sets"`
	ActiveSetID string         `json:"active_set_id"`
}

// Provider describes one toolchain download source (see
// ListProviders); actual archive fetch/SHA verification is out of
// scope here.
type Provider struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// AvailableToolchain is one installable (provider, version) pair.
type AvailableToolchain struct {
	Provider string `json:"provider"`
	Version  string `json:"version"`
}

// ToolchainService manages installed toolchains and toolchain sets.
type ToolchainService struct {
	engine *jobengine.Engine
	store  *statestore.Store[toolchainState]
	logger *slog.Logger

	mu        sync.Mutex
	providers []Provider
}

// NewToolchainService builds a ToolchainService persisting its state
// at statePath (see internal/config.StatePath("toolchains.json")).
func NewToolchainService(engine *jobengine.Engine, statePath string, logger *slog.Logger) *ToolchainService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolchainService{
		engine: engine,
		store:  statestore.New[toolchainState](statePath),
		logger: alog.WithComponent(logger, "toolchain_service"),
		providers: []Provider{
			{Name: "sdkmanager", DisplayName: "Android SDK Manager"},
			{Name: "ndk", DisplayName: "Android NDK"},
		},
	}
}

// Register binds the service's job workers with the engine.
func (s *ToolchainService) Register() {
	s.engine.Register(JobTypeInstallToolchain, s.installWorker)
	s.engine.Register(JobTypeUpdateToolchain, s.updateWorker)
	s.engine.Register(JobTypeUninstallToolchain, s.uninstallWorker)
	s.engine.Register(JobTypeCleanupToolchainCache, s.cleanupWorker)
	s.engine.Register(JobTypeVerifyToolchain, s.verifyWorker)
}

// ListProviders returns the known toolchain providers.
func (s *ToolchainService) ListProviders(ctx context.Context) ([]Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Provider(nil), s.providers...), nil
}

// ListAvailable lists installable (provider, version) pairs for a
// provider. Real catalog discovery is an external collaborator; this
// returns a representative, deterministic set the client can install
// against.
func (s *ToolchainService) ListAvailable(ctx context.Context, provider string) ([]AvailableToolchain, error) {
	switch provider {
	case "sdkmanager":
		return []AvailableToolchain{{Provider: provider, Version: "34.0.0"}, {Provider: provider, Version: "35.0.0"}}, nil
	case "ndk":
		return []AvailableToolchain{{Provider: provider, Version: "26.3.11579264"}}, nil
	default:
		return nil, &errors.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
}

// ListInstalled returns the currently installed toolchains.
func (s *ToolchainService) ListInstalled(ctx context.Context) ([]Toolchain, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return st.Installed, nil
}

// ListToolchainSets returns all persisted toolchain sets.
func (s *ToolchainService) ListToolchainSets(ctx context.Context) ([]ToolchainSet, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return st.Sets, nil
}

// CreateToolchainSet persists a new named set of toolchain ids.
func (s *ToolchainService) CreateToolchainSet(ctx context.Context, name string, toolchainIDs []string) (ToolchainSet, error) {
	if name == "" {
		return ToolchainSet{}, &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	set := ToolchainSet{ID: uuid.New().String(), Name: name, ToolchainIDs: toolchainIDs}
	_, err := s.store.Update(func(st toolchainState) (toolchainState, error) {
		st.Sets = append(st.Sets, set)
		return st, nil
	})
	return set, err
}

// SetActiveToolchainSet marks setID as the active toolchain set.
func (s *ToolchainService) SetActiveToolchainSet(ctx context.Context, setID string) error {
	_, err := s.store.Update(func(st toolchainState) (toolchainState, error) {
		found := false
		for _, set := range st.Sets {
			if set.ID == setID {
				found = true
				break
			}
		}
		if !found {
			return st, &errors.NotFoundError{Resource: "toolchain_set", ID: setID}
		}
		st.ActiveSetID = setID
		return st, nil
	})
	return err
}

// GetActiveToolchainSet returns the currently active set, or NotFound
// if none has been selected yet.
func (s *ToolchainService) GetActiveToolchainSet(ctx context.Context) (ToolchainSet, error) {
	st, err := s.store.Load()
	if err != nil {
		return ToolchainSet{}, err
	}
	if st.ActiveSetID == "" {
		return ToolchainSet{}, &errors.NotFoundError{Resource: "toolchain_set", ID: "active"}
	}
	for _, set := range st.Sets {
		if set.ID == st.ActiveSetID {
			return set, nil
		}
	}
	return ToolchainSet{}, &errors.NotFoundError{Resource: "toolchain_set", ID: st.ActiveSetID}
}

// ReloadState discards any in-memory cache and re-reads persisted
// state from disk on the next Load call; the store reads fresh every
// time, so this is a no-op kept for RPC surface parity.
func (s *ToolchainService) ReloadState(ctx context.Context) error {
	_, err := s.store.Load()
	return err
}

func paramOf(job *jobengine.Snapshot, key string) string {
	for _, p := range job.Params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func (s *ToolchainService) installWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	provider := paramOf(job, "provider")
	version := paramOf(job, "version")
	if provider == "" || version == "" {
		return &errors.ValidationError{Field: "provider/version", Message: "both are required"}
	}

	pub.Progress(20, "download")
	time.Sleep(10 * time.Millisecond)
	pub.Progress(60, "verify_checksum")

	tc := Toolchain{
		ID:            uuid.New().String(),
		Provider:      provider,
		Version:       version,
		DisplayName:   fmt.Sprintf("%s %s", provider, version),
		InstalledAtMS: time.Now().UnixMilli(),
	}
	if _, err := s.store.Update(func(st toolchainState) (toolchainState, error) {
		st.Installed = append(st.Installed, tc)
		return st, nil
	}); err != nil {
		return errors.Wrap(errors.CodeInternal, "persisting installed toolchain", err)
	}

	pub.Progress(100, "done")
	pub.Complete(fmt.Sprintf("installed %s %s", provider, version), "toolchain_id="+tc.ID)
	return nil
}

func (s *ToolchainService) updateWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	toolchainID := paramOf(job, "toolchain_id")
	version := paramOf(job, "version")
	pub.Progress(50, "download")

	updated := false
	if _, err := s.store.Update(func(st toolchainState) (toolchainState, error) {
		for i := range st.Installed {
			if st.Installed[i].ID == toolchainID {
				st.Installed[i].Version = version
				st.Installed[i].InstalledAtMS = time.Now().UnixMilli()
				updated = true
			}
		}
		return st, nil
	}); err != nil {
		return err
	}
	if !updated {
		return &errors.NotFoundError{Resource: "toolchain", ID: toolchainID}
	}

	pub.Progress(100, "done")
	pub.Complete("toolchain updated")
	return nil
}

func (s *ToolchainService) uninstallWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	toolchainID := paramOf(job, "toolchain_id")
	pub.Progress(50, "remove_files")

	if _, err := s.store.Update(func(st toolchainState) (toolchainState, error) {
		out := st.Installed[:0]
		for _, tc := range st.Installed {
			if tc.ID != toolchainID {
				out = append(out, tc)
			}
		}
		st.Installed = out
		return st, nil
	}); err != nil {
		return err
	}

	pub.Progress(100, "done")
	pub.Complete("toolchain uninstalled")
	return nil
}

func (s *ToolchainService) cleanupWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	pub.Progress(50, "sweep_cache")
	pub.Progress(100, "done")
	pub.Complete("toolchain cache cleaned")
	return nil
}

func (s *ToolchainService) verifyWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	toolchainID := paramOf(job, "toolchain_id")
	if toolchainID == "" {
		pub.Complete("no toolchain specified, nothing to verify")
		return nil
	}

	pub.Progress(50, "check_installed")
	st, err := s.store.Load()
	if err != nil {
		return err
	}
	for _, tc := range st.Installed {
		if tc.ID == toolchainID {
			pub.Progress(100, "done")
			pub.Complete("toolchain verified", "toolchain_id="+tc.ID)
			return nil
		}
	}
	return errors.New(errors.CodeFailedPrecondition, fmt.Sprintf("toolchain %q is not installed", toolchainID))
}
