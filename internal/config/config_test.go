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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Job.HistoryRetention)
	assert.Equal(t, 5*time.Minute, cfg.Job.StallTimeout)
	assert.Equal(t, 2000, cfg.Run.QuiescenceMS)
	assert.True(t, cfg.Cuttlefish.PageSizeCheck)
}

func TestApplyDefaultsFillsOnlyZeroFields(t *testing.T) {
	cfg := &Config{Job: JobConfig{HistoryRetention: 10}}
	cfg.applyDefaults()

	assert.Equal(t, 10, cfg.Job.HistoryRetention, "explicit value must survive")
	assert.Equal(t, 5*time.Minute, cfg.Job.StallTimeout, "zero value gets the default")
	assert.Equal(t, "127.0.0.1:7001", cfg.Listen.JobService)
}

func TestLoadFromEnvOverridesConfigFile(t *testing.T) {
	t.Setenv("AADK_JOB_HISTORY_RETENTION", "42")
	t.Setenv("AADK_LOG_LEVEL", "debug")
	t.Setenv("AADK_CUTTLEFISH_PAGE_SIZE_CHECK", "0")

	cfg := Default()
	cfg.loadFromEnv()

	assert.Equal(t, 42, cfg.Job.HistoryRetention)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Cuttlefish.PageSizeCheck)
}

func TestLoadAndSaveConfigRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Default()
	original.Listen.JobService = "127.0.0.1:9001"
	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", loaded.Listen.JobService)
	// Unset fields still resolve through applyDefaults.
	assert.Equal(t, "127.0.0.1:7002", loaded.Listen.ToolchainService)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}
