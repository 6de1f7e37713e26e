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

// Package tracing instruments job and run execution with OpenTelemetry
// spans and Prometheus metrics, and prunes persisted job/run history
// older than its retention window.
package tracing

import (
	"time"
)

// Config holds the daemon's tracing configuration.
type Config struct {
	// Enabled controls whether tracing is active at all.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	Sampling SamplingConfig
	Storage  StorageConfig

	// Exporters configures OTLP/console export destinations.
	Exporters []ExporterConfig

	BatchSize     int
	BatchInterval time.Duration

	Redaction RedactionConfig
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	Enabled bool

	// Rate is the fraction of traces to sample (0.0-1.0). 1.0 samples all.
	Rate float64

	// AlwaysSampleErrors samples, regardless of Rate, every span started
	// with the attribute job.state=failed. The decision is made when the
	// span starts, so a job that fails after its span began is sampled
	// by Rate alone.
	AlwaysSampleErrors bool
}

// StorageConfig controls local trace-history storage.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string

	// Path is the SQLite database path (for backend=sqlite).
	Path string

	Retention RetentionConfig
}

// RetentionConfig defines how long trace data is kept.
type RetentionConfig struct {
	Traces     time.Duration
	Events     time.Duration
	Aggregates time.Duration
}

// ExporterConfig defines an OTLP or console export destination.
type ExporterConfig struct {
	// Type is "otlp", "otlp-http", or "console".
	Type     string
	Endpoint string
	Headers  map[string]string
	TLS      TLSConfig
	Timeout  time.Duration
}

// TLSConfig configures TLS for an exporter.
type TLSConfig struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// RedactionConfig controls sensitive-attribute handling before a span
// is persisted or exported.
type RedactionConfig struct {
	// Level is "none", "standard", or "strict".
	Level    string
	Patterns []RedactionPattern
}

// RedactionPattern defines a custom sensitive-data pattern.
type RedactionPattern struct {
	Name        string
	Regex       string
	Replacement string
}

// DefaultConfig returns tracing disabled by default, with sane
// retention and strict redaction for when it is turned on.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "platformd",
		ServiceVersion: "dev",
		Sampling: SamplingConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Retention: RetentionConfig{
				Traces:     7 * 24 * time.Hour,
				Events:     30 * 24 * time.Hour,
				Aggregates: 90 * 24 * time.Hour,
			},
		},
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
		Redaction: RedactionConfig{
			Level: "strict",
		},
	}
}
