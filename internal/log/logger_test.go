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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			want:    Config{Level: "info", Format: FormatJSON, AddSource: false},
		},
		{
			name:    "AADK_LOG_LEVEL=debug",
			envVars: map[string]string{"AADK_LOG_LEVEL": "debug"},
			want:    Config{Level: "debug", Format: FormatJSON, AddSource: false},
		},
		{
			name:    "AADK_LOG_FORMAT=text",
			envVars: map[string]string{"AADK_LOG_FORMAT": "text"},
			want:    Config{Level: "info", Format: FormatText, AddSource: false},
		},
		{
			name:    "AADK_DEBUG takes precedence over AADK_LOG_LEVEL",
			envVars: map[string]string{"AADK_DEBUG": "1", "AADK_LOG_LEVEL": "error"},
			want:    Config{Level: "debug", Format: FormatJSON, AddSource: true},
		},
		{
			name:    "AADK_LOG_SOURCE=1",
			envVars: map[string]string{"AADK_LOG_SOURCE": "1"},
			want:    Config{Level: "info", Format: FormatJSON, AddSource: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			assert.Equal(t, tt.want.Level, cfg.Level)
			assert.Equal(t, tt.want.Format, cfg.Format)
			assert.Equal(t, tt.want.AddSource, cfg.AddSource)
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("job started", "key", "value")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job started", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("job started", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "job started")
	assert.Contains(t, output, "key=value")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, parseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	logger.Info("should be filtered")
	assert.Empty(t, buf.String())

	logger.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithJobAndRun(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	scoped := WithRun(WithJob(logger, "job-1", "build"), "run-1")
	scoped.Info("progress")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job-1", entry[JobIDKey])
	assert.Equal(t, "build", entry[ServiceKey])
	assert.Equal(t, "run-1", entry[RunIDKey])
}

func TestWithComponentAndCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	scoped := WithCorrelationID(WithComponent(logger, "pipeline"), "corr-42")
	scoped.Info("step dispatched")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline", entry[ComponentKey])
	assert.Equal(t, "corr-42", entry[CorrelationKey])
}

func TestDurationAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("done", Duration("install", 1500))

	assert.True(t, strings.Contains(buf.String(), `"install_ms":1500`))
}

func TestNilConfigDoesNotPanic(t *testing.T) {
	assert.NotNil(t, New(nil))
}
