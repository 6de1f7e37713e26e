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
	"os"
	"strconv"
	"time"

	"github.com/aadk-dev/platform/internal/tracing"
)

// Config is the platform daemon's top-level configuration, loaded from
// config.yaml and overlaid with environment overrides.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Listen   ListenConfig   `yaml:"listen"`
	Job      JobConfig      `yaml:"job"`
	Run      RunConfig      `yaml:"run"`
	Cuttlefish CuttlefishConfig `yaml:"cuttlefish"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// LogConfig mirrors the fields internal/log.Config reads from env, kept
// here too so config.yaml can set them without an env var.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Source bool   `yaml:"source,omitempty"`
}

// ListenConfig holds the fixed localhost ports each gRPC-shaped service
// listens on by default; every field is independently overridable.
type ListenConfig struct {
	JobService      string `yaml:"job_service,omitempty"`
	ToolchainService string `yaml:"toolchain_service,omitempty"`
	ProjectService  string `yaml:"project_service,omitempty"`
	BuildService    string `yaml:"build_service,omitempty"`
	TargetService   string `yaml:"target_service,omitempty"`
	ObserveService  string `yaml:"observe_service,omitempty"`
	WorkflowService string `yaml:"workflow_service,omitempty"`
}

// JobConfig configures the job engine's stall reaper and retention.
type JobConfig struct {
	StallTimeout     time.Duration `yaml:"stall_timeout,omitempty"`
	ReapInterval     time.Duration `yaml:"reap_interval,omitempty"`
	HistoryRetention int           `yaml:"history_retention,omitempty"`
}

// RunConfig configures the run aggregator's quiescence behavior.
type RunConfig struct {
	QuiescenceMS     int `yaml:"quiescence_ms,omitempty"`
	DiscoveryMisses  int `yaml:"discovery_misses,omitempty"`
}

// CuttlefishConfig configures the Cuttlefish lifecycle controller.
type CuttlefishConfig struct {
	PageSizeCheck bool `yaml:"page_size_check"`
}

// TracingConfig configures OpenTelemetry span/metric export and local
// trace-history retention. A yaml-friendly projection of
// tracing.Config; ToTracingConfig expands it to the full shape.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"`

	// ExporterType is "otlp", "otlp-http", or "console".
	ExporterType     string `yaml:"exporter_type,omitempty"`
	ExporterEndpoint string `yaml:"exporter_endpoint,omitempty"`

	// StoragePath is the SQLite database path backing trace/job/run
	// history; empty disables the sqlite backend in favor of memory.
	StoragePath string `yaml:"storage_path,omitempty"`

	RetentionDays int `yaml:"retention_days,omitempty"`

	// RedactionLevel is "none", "standard", or "strict".
	RedactionLevel string `yaml:"redaction_level,omitempty"`
}

// ToTracingConfig expands the on-disk shape into the tracing package's
// full Config, filling in the defaults ToTracingConfig's caller would
// otherwise have to know about.
func (t TracingConfig) ToTracingConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = t.Enabled
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if t.SampleRate > 0 {
		cfg.Sampling.Enabled = true
		cfg.Sampling.Rate = t.SampleRate
	}
	if t.ExporterType != "" {
		cfg.Exporters = []tracing.ExporterConfig{{
			Type:     t.ExporterType,
			Endpoint: t.ExporterEndpoint,
		}}
	}
	if t.StoragePath != "" {
		cfg.Storage.Backend = "sqlite"
		cfg.Storage.Path = t.StoragePath
	} else {
		cfg.Storage.Backend = "memory"
	}
	if t.RetentionDays > 0 {
		days := time.Duration(t.RetentionDays) * 24 * time.Hour
		cfg.Storage.Retention.Traces = days
		cfg.Storage.Retention.Aggregates = days
	}
	if t.RedactionLevel != "" {
		cfg.Redaction.Level = t.RedactionLevel
	}
	return cfg
}

// Default returns a Config with every field set to its documented
// default, seeding a fresh config.yaml.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Listen: ListenConfig{
			JobService:       "127.0.0.1:7001",
			ToolchainService: "127.0.0.1:7002",
			ProjectService:   "127.0.0.1:7003",
			BuildService:     "127.0.0.1:7004",
			TargetService:    "127.0.0.1:7005",
			ObserveService:   "127.0.0.1:7006",
			WorkflowService:  "127.0.0.1:7007",
		},
		Job: JobConfig{
			StallTimeout:     5 * time.Minute,
			ReapInterval:     30 * time.Second,
			HistoryRetention: 500,
		},
		Run: RunConfig{
			QuiescenceMS:    2000,
			DiscoveryMisses: 3,
		},
		Cuttlefish: CuttlefishConfig{PageSizeCheck: true},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "platformd",
			SampleRate:     1.0,
			ExporterType:   "console",
			StoragePath:    "",
			RetentionDays:  7,
			RedactionLevel: "strict",
		},
	}
}

// applyDefaults fills zero-valued fields of c with Default()'s values,
// so a config.yaml that only overrides one field still yields a
// complete, usable Config.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Listen.JobService == "" {
		c.Listen.JobService = d.Listen.JobService
	}
	if c.Listen.ToolchainService == "" {
		c.Listen.ToolchainService = d.Listen.ToolchainService
	}
	if c.Listen.ProjectService == "" {
		c.Listen.ProjectService = d.Listen.ProjectService
	}
	if c.Listen.BuildService == "" {
		c.Listen.BuildService = d.Listen.BuildService
	}
	if c.Listen.TargetService == "" {
		c.Listen.TargetService = d.Listen.TargetService
	}
	if c.Listen.ObserveService == "" {
		c.Listen.ObserveService = d.Listen.ObserveService
	}
	if c.Listen.WorkflowService == "" {
		c.Listen.WorkflowService = d.Listen.WorkflowService
	}

	if c.Job.StallTimeout == 0 {
		c.Job.StallTimeout = d.Job.StallTimeout
	}
	if c.Job.ReapInterval == 0 {
		c.Job.ReapInterval = d.Job.ReapInterval
	}
	if c.Job.HistoryRetention == 0 {
		c.Job.HistoryRetention = d.Job.HistoryRetention
	}

	if c.Run.QuiescenceMS == 0 {
		c.Run.QuiescenceMS = d.Run.QuiescenceMS
	}
	if c.Run.DiscoveryMisses == 0 {
		c.Run.DiscoveryMisses = d.Run.DiscoveryMisses
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
	if c.Tracing.ExporterType == "" {
		c.Tracing.ExporterType = d.Tracing.ExporterType
	}
	if c.Tracing.RetentionDays == 0 {
		c.Tracing.RetentionDays = d.Tracing.RetentionDays
	}
	if c.Tracing.RedactionLevel == "" {
		c.Tracing.RedactionLevel = d.Tracing.RedactionLevel
	}
}

// loadFromEnv overlays AADK_* environment overrides onto c, taking
// precedence over both Default() and config.yaml.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("AADK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AADK_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("AADK_LOG_SOURCE"); v != "" {
		c.Log.Source = v == "1" || v == "true"
	}

	if v := os.Getenv("AADK_JOB_STALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Job.StallTimeout = d
		}
	}
	if v := os.Getenv("AADK_JOB_REAP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Job.ReapInterval = d
		}
	}
	if v := os.Getenv("AADK_JOB_HISTORY_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Job.HistoryRetention = n
		}
	}

	if v := os.Getenv("AADK_RUN_QUIESCENCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Run.QuiescenceMS = n
		}
	}
	if v := os.Getenv("AADK_RUN_DISCOVERY_MISSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Run.DiscoveryMisses = n
		}
	}

	if v := os.Getenv("AADK_CUTTLEFISH_PAGE_SIZE_CHECK"); v != "" {
		c.Cuttlefish.PageSizeCheck = v != "0" && v != "false"
	}

	if v := os.Getenv("AADK_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AADK_TRACING_SERVICE_NAME"); v != "" {
		c.Tracing.ServiceName = v
	}
	if v := os.Getenv("AADK_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("AADK_TRACING_EXPORTER_TYPE"); v != "" {
		c.Tracing.ExporterType = v
	}
	if v := os.Getenv("AADK_TRACING_EXPORTER_ENDPOINT"); v != "" {
		c.Tracing.ExporterEndpoint = v
	}
	if v := os.Getenv("AADK_TRACING_STORAGE_PATH"); v != "" {
		c.Tracing.StoragePath = v
	}
	if v := os.Getenv("AADK_TRACING_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tracing.RetentionDays = n
		}
	}
	if v := os.Getenv("AADK_TRACING_REDACTION_LEVEL"); v != "" {
		c.Tracing.RedactionLevel = v
	}
}

// Load reads config.yaml from path (or the default ConfigPath if path
// is empty), applies defaults, then overlays environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	store := NewAtomicStore[Config](path, YAMLCodec)
	cfg, err := store.LoadLocked()
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	return &cfg, nil
}

// Save persists cfg to config.yaml at path (or the default ConfigPath).
func Save(path string, cfg *Config) error {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return err
		}
	}
	store := NewAtomicStore[Config](path, YAMLCodec)
	return store.SaveLocked(*cfg)
}
