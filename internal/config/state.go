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

package config

import "time"

// DefaultTargetState is the atomic snapshot backing TargetService's
// GetDefaultTarget/SetDefaultTarget.
type DefaultTargetState struct {
	TargetID  string    `json:"target_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ToolchainSetState is the atomic snapshot backing ToolchainService's
// active toolchain set and the installed toolchain-set catalog.
type ToolchainSetState struct {
	ActiveSetID string               `json:"active_set_id,omitempty"`
	Sets        []ToolchainSetRecord `json:"sets,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at,omitempty"`
}

// ToolchainSetRecord is the minimal display metadata a toolchain set
// carries in persisted state; the full toolchain contents live under
// the data directory's toolchains/ subtree, not in this snapshot.
type ToolchainSetRecord struct {
	SetID       string   `json:"set_id"`
	Name        string   `json:"name"`
	ToolchainID []string `json:"toolchain_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecentProjectsState is the atomic snapshot backing ProjectService's
// ListRecentProjects, most-recently-opened first.
type RecentProjectsState struct {
	Projects []RecentProjectRecord `json:"projects,omitempty"`
}

// RecentProjectRecord is one entry in RecentProjectsState.
type RecentProjectRecord struct {
	ProjectID  string    `json:"project_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ToolchainID string   `json:"toolchain_id,omitempty"`
	LastOpened time.Time `json:"last_opened"`
}

// MaxRecentProjects bounds RecentProjectsState.Projects; opening a
// project beyond this limit evicts the oldest entry.
const MaxRecentProjects = 25

// AddRecent returns a copy of s with record moved to the front,
// deduplicated by ProjectID and capped at MaxRecentProjects.
func (s RecentProjectsState) AddRecent(record RecentProjectRecord) RecentProjectsState {
	filtered := make([]RecentProjectRecord, 0, len(s.Projects)+1)
	filtered = append(filtered, record)
	for _, p := range s.Projects {
		if p.ProjectID != record.ProjectID {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) > MaxRecentProjects {
		filtered = filtered[:MaxRecentProjects]
	}
	return RecentProjectsState{Projects: filtered}
}

// UIState is the atomic snapshot backing persisted CLI/UI preferences
// (theme, last-selected service tab, confirmation-dialog suppression).
type UIState struct {
	Theme                string            `json:"theme,omitempty"`
	LastServiceTab        string            `json:"last_service_tab,omitempty"`
	SuppressedConfirmations []string        `json:"suppressed_confirmations,omitempty"`
	Extra                 map[string]string `json:"extra,omitempty"`
}

// ServiceState is a generic per-service persisted snapshot for services
// (ObserveService, WorkflowService) whose state doesn't warrant its own
// named type; keyed free-form entries, same atomic-write guarantees.
type ServiceState struct {
	ServiceName string            `json:"service_name"`
	Entries     map[string]string `json:"entries,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// DefaultTargetStore opens the AtomicStore for DefaultTargetState.
func DefaultTargetStore() (*AtomicStore[DefaultTargetState], error) {
	path, err := StatePath("default_target.json")
	if err != nil {
		return nil, err
	}
	return NewAtomicStore[DefaultTargetState](path, JSONCodec), nil
}

// ToolchainSetStore opens the AtomicStore for ToolchainSetState.
func ToolchainSetStore() (*AtomicStore[ToolchainSetState], error) {
	path, err := StatePath("toolchain_sets.json")
	if err != nil {
		return nil, err
	}
	return NewAtomicStore[ToolchainSetState](path, JSONCodec), nil
}

// RecentProjectsStore opens the AtomicStore for RecentProjectsState.
func RecentProjectsStore() (*AtomicStore[RecentProjectsState], error) {
	path, err := StatePath("recent_projects.json")
	if err != nil {
		return nil, err
	}
	return NewAtomicStore[RecentProjectsState](path, JSONCodec), nil
}

// UIStateStore opens the AtomicStore for UIState.
func UIStateStore() (*AtomicStore[UIState], error) {
	path, err := StatePath("ui.json")
	if err != nil {
		return nil, err
	}
	return NewAtomicStore[UIState](path, JSONCodec), nil
}

// ServiceStateStore opens the AtomicStore for a named service's
// ServiceState, one file per service under the data directory.
func ServiceStateStore(serviceName string) (*AtomicStore[ServiceState], error) {
	path, err := StatePath("service_" + serviceName + ".json")
	if err != nil {
		return nil, err
	}
	return NewAtomicStore[ServiceState](path, JSONCodec), nil
}
