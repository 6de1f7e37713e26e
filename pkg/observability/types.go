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

// Package observability provides the span/trace vocabulary the daemon
// uses to describe its own job and run lifecycle, independent of
// whichever tracing backend (internal/tracing) implements it.
package observability

import (
	"time"
)

// Span represents a unit of work in a trace. Spans form a tree
// structure that, in this daemon, mirrors the job/run hierarchy: a
// run's root span contains one child span per job, and a job's span
// contains child spans for its notable sub-steps (build, install,
// launch).
type Span struct {
	TraceID string
	SpanID  string

	// ParentID is the SpanID of the parent span. Empty for root spans.
	ParentID string

	Name string
	Kind SpanKind

	StartTime time.Time
	EndTime   time.Time // zero while the span is active

	Status SpanStatus

	Attributes map[string]any
	Events     []Event
}

// SpanKind categorizes the type of work represented by a span.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus indicates whether a span completed successfully.
type SpanStatus struct {
	Code    StatusCode
	Message string
}

// StatusCode represents the outcome of a span.
type StatusCode int

const (
	StatusCodeUnset StatusCode = 0
	StatusCodeOK    StatusCode = 1
	StatusCodeError StatusCode = 2
)

// Event represents a timestamped occurrence within a span, e.g. a job
// state transition or a published log line.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]any
}

// TraceContext carries the propagation information for a span, in
// W3C Trace Context shape, so it can ride along on a transport.Message
// or a job's correlation_id without this package depending on either.
type TraceContext struct {
	TraceID    string
	SpanID     string
	TraceFlags byte
	TraceState string
}

// Duration returns the span's execution time, or 0 while active.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// IsActive returns true if the span is still in progress.
func (s *Span) IsActive() bool {
	return s.EndTime.IsZero()
}

// Success returns true if the span completed successfully.
func (s *Span) Success() bool {
	return s.Status.Code == StatusCodeOK
}

// ToTraceContext extracts the trace context for propagation.
func (s *Span) ToTraceContext() TraceContext {
	return TraceContext{TraceID: s.TraceID, SpanID: s.SpanID}
}
