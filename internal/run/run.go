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

// Package run aggregates jobengine.Job records sharing a run_id (or a
// correlation_id-derived synthetic run_id) into a single Run, merges
// their event streams, and records a run's append-only outputs. It
// reads job state through *jobengine.Engine and writes Run/RunOutput
// records exclusively; it never mutates a job.
package run

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Result is a run's aggregated outcome.
type Result string

const (
	ResultInProgress Result = "in_progress"
	ResultSuccess    Result = "success"
	ResultFailed     Result = "failed"
	ResultCancelled  Result = "cancelled"
)

// KV is a free-form annotation attached to a Run.
type KV struct {
	Key   string
	Value string
}

// OutputKind distinguishes a RunOutput's nature.
type OutputKind string

const (
	OutputKindBundle   OutputKind = "bundle"
	OutputKindArtifact OutputKind = "artifact"
)

// RunOutput is one append-only entry recorded against a run by the
// worker that produced it.
type RunOutput struct {
	OutputID   string
	RunID      string
	Kind       OutputKind
	OutputType string
	Path       string
	Label      string
	JobID      string
	CreatedAtMS int64
	Metadata   []KV
}

// OutputSummary is derived deterministically from a run's RunOutput list.
type OutputSummary struct {
	BundleCount   int
	ArtifactCount int
	UpdatedAtMS   int64
	LastBundleID  string
}

// Run is the aggregator's external snapshot of one run.
type Run struct {
	RunID          string
	CorrelationID  string
	ProjectID      string
	TargetID       string
	ToolchainSetID string
	JobIDs         []string
	StartedAtMS    int64
	FinishedAtMS   int64
	Result         Result
	OutputSummary  OutputSummary
	Summary        []KV
	Outputs        []RunOutput
}

// Config controls quiescence and discovery-loop timing.
type Config struct {
	QuiescenceMS          int
	DiscoveryIntervalMS   int
	DiscoveryMisses       int
}

// DefaultConfig mirrors config.Default().Run plus a ~1s discovery
// interval.
func DefaultConfig() Config {
	return Config{
		QuiescenceMS:        2000,
		DiscoveryIntervalMS: 1000,
		DiscoveryMisses:     3,
	}
}

type record struct {
	mu            sync.Mutex
	runID         string
	correlationID string
	projectID     string
	targetID      string
	toolchainSetID string
	jobIDSet      map[string]struct{}
	jobIDs        []string
	startedAtMS   int64
	lastAttachAt  time.Time
	summary       []KV
	outputs       []RunOutput
}

// Aggregator is the single owner of every Run and RunOutput record.
type Aggregator struct {
	cfg    Config
	engine *jobengine.Engine

	mu   sync.RWMutex
	runs map[string]*record
}

// New creates an Aggregator bound to engine. Call engine.SetRunRegistrar
// with the returned Aggregator so StartJob calls attach automatically.
func New(cfg Config, engine *jobengine.Engine) *Aggregator {
	d := DefaultConfig()
	if cfg.QuiescenceMS <= 0 {
		cfg.QuiescenceMS = d.QuiescenceMS
	}
	if cfg.DiscoveryIntervalMS <= 0 {
		cfg.DiscoveryIntervalMS = d.DiscoveryIntervalMS
	}
	if cfg.DiscoveryMisses <= 0 {
		cfg.DiscoveryMisses = d.DiscoveryMisses
	}
	if cfg.QuiescenceMS < cfg.DiscoveryIntervalMS {
		cfg.QuiescenceMS = cfg.DiscoveryIntervalMS
	}
	return &Aggregator{cfg: cfg, engine: engine, runs: make(map[string]*record)}
}

// ResolveRunID implements jobengine.RunRegistrar.
func (a *Aggregator) ResolveRunID(runID, correlationID string) string {
	if runID != "" {
		return runID
	}
	if correlationID != "" {
		return "corr-" + correlationID
	}
	return ""
}

// Attach implements jobengine.RunRegistrar: creates the run on first
// sight and appends the job id idempotently.
func (a *Aggregator) Attach(att jobengine.RunAttachment) {
	if att.RunID == "" {
		return
	}

	a.mu.Lock()
	rec, ok := a.runs[att.RunID]
	if !ok {
		rec = &record{runID: att.RunID, jobIDSet: make(map[string]struct{})}
		a.runs[att.RunID] = rec
	}
	a.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if att.CorrelationID != "" {
		rec.correlationID = att.CorrelationID
	}
	if att.ProjectID != "" {
		rec.projectID = att.ProjectID
	}
	if att.TargetID != "" {
		rec.targetID = att.TargetID
	}
	if att.ToolchainSetID != "" {
		rec.toolchainSetID = att.ToolchainSetID
	}
	if rec.startedAtMS == 0 || att.CreatedAtMS < rec.startedAtMS {
		rec.startedAtMS = att.CreatedAtMS
	}
	rec.lastAttachAt = time.Now()

	if _, dup := rec.jobIDSet[att.JobID]; !dup {
		rec.jobIDSet[att.JobID] = struct{}{}
		rec.jobIDs = append(rec.jobIDs, att.JobID)
	}
}

// snapshot derives Result/FinishedAtMS/OutputSummary from the current
// state of rec's member jobs in the engine.
func (a *Aggregator) snapshot(rec *record) *Run {
	rec.mu.Lock()
	jobIDs := append([]string(nil), rec.jobIDs...)
	out := Run{
		RunID:          rec.runID,
		CorrelationID:  rec.correlationID,
		ProjectID:      rec.projectID,
		TargetID:       rec.targetID,
		ToolchainSetID: rec.toolchainSetID,
		JobIDs:         jobIDs,
		StartedAtMS:    rec.startedAtMS,
		Summary:        append([]KV(nil), rec.summary...),
		Outputs:        append([]RunOutput(nil), rec.outputs...),
	}
	lastAttach := rec.lastAttachAt
	rec.mu.Unlock()

	allTerminal := len(jobIDs) > 0
	anyFailed := false
	anyCancelled := false
	var maxFinished int64

	for _, id := range jobIDs {
		snap, err := a.engine.GetJob(id)
		if err != nil {
			// Job evicted by retention GC; treat as a terminal success
			// for aggregation purposes since its presence in history at
			// all means it ran to completion prior to eviction.
			continue
		}
		if !snap.State.IsTerminal() {
			allTerminal = false
			continue
		}
		switch snap.State {
		case jobengine.StateFailed:
			anyFailed = true
		case jobengine.StateCancelled:
			anyCancelled = true
		}
		if snap.FinishedAtMS > maxFinished {
			maxFinished = snap.FinishedAtMS
		}
	}

	switch {
	case !allTerminal:
		out.Result = ResultInProgress
	case anyFailed:
		out.Result = ResultFailed
	case anyCancelled:
		out.Result = ResultCancelled
	default:
		out.Result = ResultSuccess
	}

	quiescent := time.Since(lastAttach) >= time.Duration(a.cfg.QuiescenceMS)*time.Millisecond
	if allTerminal && quiescent {
		out.FinishedAtMS = maxFinished
	}

	out.OutputSummary = deriveOutputSummary(out.Outputs)
	return &out
}

func deriveOutputSummary(outputs []RunOutput) OutputSummary {
	var s OutputSummary
	for _, o := range outputs {
		switch o.Kind {
		case OutputKindBundle:
			s.BundleCount++
			if o.CreatedAtMS >= s.UpdatedAtMS {
				s.LastBundleID = o.OutputID
			}
		case OutputKindArtifact:
			s.ArtifactCount++
		}
		if o.CreatedAtMS > s.UpdatedAtMS {
			s.UpdatedAtMS = o.CreatedAtMS
		}
	}
	return s
}

// GetRun returns a run's current snapshot.
func (a *Aggregator) GetRun(runID string) (*Run, error) {
	a.mu.RLock()
	rec, ok := a.runs[runID]
	a.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return a.snapshot(rec), nil
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Result Result
}

// ListRuns returns every known run's snapshot, newest first.
func (a *Aggregator) ListRuns(filter ListFilter) []*Run {
	a.mu.RLock()
	recs := make([]*record, 0, len(a.runs))
	for _, rec := range a.runs {
		recs = append(recs, rec)
	}
	a.mu.RUnlock()

	out := make([]*Run, 0, len(recs))
	for _, rec := range recs {
		snap := a.snapshot(rec)
		if filter.Result != "" && snap.Result != filter.Result {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtMS > out[j].StartedAtMS })
	return out
}

// RecordRunOutputRequest is the input to RecordRunOutput.
type RecordRunOutputRequest struct {
	RunID      string
	Kind       OutputKind
	OutputType string
	Path       string
	Label      string
	JobID      string
	Metadata   []KV
}

// RecordRunOutput appends an output to a run's append-only output list.
func (a *Aggregator) RecordRunOutput(req RecordRunOutputRequest) (*RunOutput, error) {
	a.mu.RLock()
	rec, ok := a.runs[req.RunID]
	a.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: req.RunID}
	}

	out := RunOutput{
		OutputID:    uuid.New().String(),
		RunID:       req.RunID,
		Kind:        req.Kind,
		OutputType:  req.OutputType,
		Path:        req.Path,
		Label:       req.Label,
		JobID:       req.JobID,
		CreatedAtMS: time.Now().UnixMilli(),
		Metadata:    append([]KV(nil), req.Metadata...),
	}

	rec.mu.Lock()
	rec.outputs = append(rec.outputs, out)
	rec.mu.Unlock()

	return &out, nil
}

// ListRunOutputs returns a run's recorded outputs in append order.
func (a *Aggregator) ListRunOutputs(runID string) ([]RunOutput, error) {
	a.mu.RLock()
	rec, ok := a.runs[runID]
	a.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]RunOutput(nil), rec.outputs...), nil
}

// memberJobIDs returns rec's current member job ids.
func (a *Aggregator) memberJobIDs(runID string) ([]string, bool) {
	a.mu.RLock()
	rec, ok := a.runs[runID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.jobIDs...), true
}
