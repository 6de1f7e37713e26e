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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecentProjectsAddRecentDedupesAndOrders(t *testing.T) {
	state := RecentProjectsState{Projects: []RecentProjectRecord{
		{ProjectID: "p-1", Name: "old", LastOpened: time.Unix(1, 0)},
		{ProjectID: "p-2", Name: "other", LastOpened: time.Unix(2, 0)},
	}}

	updated := state.AddRecent(RecentProjectRecord{ProjectID: "p-1", Name: "reopened", LastOpened: time.Unix(3, 0)})

	assert.Len(t, updated.Projects, 2)
	assert.Equal(t, "p-1", updated.Projects[0].ProjectID)
	assert.Equal(t, "reopened", updated.Projects[0].Name)
	assert.Equal(t, "p-2", updated.Projects[1].ProjectID)
}

func TestRecentProjectsAddRecentCapsAtMax(t *testing.T) {
	var state RecentProjectsState
	for i := 0; i < MaxRecentProjects+5; i++ {
		state = state.AddRecent(RecentProjectRecord{ProjectID: string(rune('a' + i%26))})
	}

	assert.LessOrEqual(t, len(state.Projects), MaxRecentProjects)
}
