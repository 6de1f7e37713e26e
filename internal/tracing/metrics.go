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

package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobCounter exposes the in-memory job/run counts the jobengine and
// run aggregator already track, so MetricsCollector can publish them
// as observable gauges without owning that state itself.
type JobCounter interface {
	ActiveJobCount() int
	QueueDepth() int
}

// MetricsCollector records Prometheus-compatible metrics for job, run,
// and target operations.
type MetricsCollector struct {
	meter metric.Meter

	jobsTotal       metric.Int64Counter
	runsTotal       metric.Int64Counter
	targetOpsTotal  metric.Int64Counter
	jobDuration     metric.Float64Histogram
	runDuration     metric.Float64Histogram

	counter   JobCounter
	counterMu sync.RWMutex
}

// NewMetricsCollector creates a collector against the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("platformd")

	mc := &MetricsCollector{meter: meter}
	var err error

	mc.jobsTotal, err = meter.Int64Counter(
		"platformd_jobs_total",
		metric.WithDescription("Total number of jobs completed, by job_type and terminal state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runsTotal, err = meter.Int64Counter(
		"platformd_runs_total",
		metric.WithDescription("Total number of runs completed, by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.targetOpsTotal, err = meter.Int64Counter(
		"platformd_target_operations_total",
		metric.WithDescription("Total number of target operations (install/launch/stop), by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	mc.jobDuration, err = meter.Float64Histogram(
		"platformd_job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"platformd_run_duration_seconds",
		metric.WithDescription("Run execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"platformd_active_jobs",
		metric.WithDescription("Number of currently running jobs"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.counterMu.RLock()
			c := mc.counter
			mc.counterMu.RUnlock()
			if c != nil {
				observer.Observe(int64(c.ActiveJobCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"platformd_job_queue_depth",
		metric.WithDescription("Number of jobs queued but not yet running"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.counterMu.RLock()
			c := mc.counter
			mc.counterMu.RUnlock()
			if c != nil {
				observer.Observe(int64(c.QueueDepth()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// SetJobCounter wires the live job/queue count source for the
// observable gauges. Safe to call once during daemon startup.
func (mc *MetricsCollector) SetJobCounter(c JobCounter) {
	mc.counterMu.Lock()
	mc.counter = c
	mc.counterMu.Unlock()
}

// RecordJobComplete records a job's terminal state and total duration.
func (mc *MetricsCollector) RecordJobComplete(ctx context.Context, jobType, state string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("job_type", jobType),
		attribute.String("state", state),
	}
	mc.jobsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRunComplete records a run's final result and total duration.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, result string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("result", result)}
	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTargetOperation records one install/launch/stop-app call
// against a target and whether it succeeded.
func (mc *MetricsCollector) RecordTargetOperation(ctx context.Context, operation, outcome string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	mc.targetOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
