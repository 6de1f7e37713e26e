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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleState struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestAtomicStoreLoadMissingReturnsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	store := NewAtomicStore[sampleState](path, JSONCodec)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleState{}, got)
}

func TestAtomicStoreSaveThenLoadRoundtrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewAtomicStore[sampleState](path, JSONCodec)

	want := sampleState{Name: "tc-x", Count: 3}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAtomicStoreSaveLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewAtomicStore[sampleState](path, JSONCodec)
	require.NoError(t, store.Save(sampleState{Name: "a"}))

	_, err := store.Load()
	require.NoError(t, err)

	matches, err := filepath.Glob(path + "*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAtomicStoreWithLockRoundtrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	store := NewAtomicStore[sampleState](path, YAMLCodec)

	require.NoError(t, store.SaveLocked(sampleState{Name: "yaml-case", Count: 7}))
	got, err := store.LoadLocked()
	require.NoError(t, err)
	assert.Equal(t, sampleState{Name: "yaml-case", Count: 7}, got)
}

func TestAtomicStoreLockTimesOutWhenAlreadyHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the real lock timeout; skipped in -short runs")
	}

	path := filepath.Join(t.TempDir(), "state.json")
	holder := NewAtomicStore[sampleState](path, JSONCodec)
	require.NoError(t, holder.Lock())
	defer holder.Unlock()

	contender := NewAtomicStore[sampleState](path, JSONCodec)
	err := contender.Lock()
	assert.ErrorIs(t, err, ErrLockTimeout)
}
