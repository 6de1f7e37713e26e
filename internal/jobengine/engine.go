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

package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/pkg/errors"
	"github.com/aadk-dev/platform/pkg/observability"
)

// Worker is registered per job_type and performs the actual work. It
// must react to ctx cancellation promptly. Progress/Log events are
// published through pub as the worker runs; the terminal event is
// derived from the returned error unless the worker already published
// one itself (e.g. to report a specific Cancelled reason).
type Worker func(ctx context.Context, job *Snapshot, pub *Publisher) error

// Config configures the engine's stall reaper and retention policy.
type Config struct {
	StallTimeout     time.Duration
	ReapInterval     time.Duration
	HistoryRetention int
	CancelGrace      time.Duration
}

// DefaultConfig mirrors config.Default().Job.
func DefaultConfig() Config {
	return Config{
		StallTimeout:     5 * time.Minute,
		ReapInterval:     30 * time.Second,
		HistoryRetention: 500,
		CancelGrace:      10 * time.Second,
	}
}

// Engine is the single owner of every Job and its event log.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	workers map[string]Worker

	subMu       sync.RWMutex
	subscribers map[string][]*subscriber

	lastActivity sync.Map // jobID -> time.Time, touched by PublishJobEvent

	runMu        sync.RWMutex
	runRegistrar RunRegistrar

	tracerMu sync.RWMutex
	tracer   observability.Tracer

	stopCh chan struct{}
	doneCh chan struct{}
}

type subscriber struct {
	ch   chan JobEvent
	done chan struct{}
}

// New creates an Engine. Call Register for each job_type before
// accepting StartJob calls for it, and StartReaper once the daemon is
// ready to serve traffic.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultConfig().StallTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultConfig().HistoryRetention
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		logger:      alog.WithComponent(logger, "jobengine"),
		jobs:        make(map[string]*Job),
		workers:     make(map[string]Worker),
		subscribers: make(map[string][]*subscriber),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Register binds a Worker to a job_type. Re-registering the same
// job_type replaces the previous worker; intended for use only during
// daemon startup wiring.
func (e *Engine) Register(jobType string, worker Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers[jobType] = worker
}

// StartJobRequest is the input to StartJob.
type StartJobRequest struct {
	JobID          string // optional; server-allocated if empty
	JobType        string
	Params         []Param
	ProjectID      string
	TargetID       string
	ToolchainSetID string
	CorrelationID  string
	RunID          string
}

// StartJob creates (or, if JobID already exists, idempotently returns)
// a job and starts its worker asynchronously. The RPC itself always
// succeeds once validation passes; failures from the worker surface
// later as a Failed event.
func (e *Engine) StartJob(ctx context.Context, req StartJobRequest) (*Snapshot, error) {
	if req.JobType == "" {
		return nil, &errors.ValidationError{Field: "job_type", Message: "must not be empty"}
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	e.mu.Lock()
	if existing, ok := e.jobs[jobID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		snap := existing.snapshot()
		existing.mu.Unlock()
		return snap, nil
	}

	worker, ok := e.workers[req.JobType]
	if !ok {
		e.mu.Unlock()
		return nil, &errors.ValidationError{Field: "job_type", Message: fmt.Sprintf("no worker registered for %q", req.JobType)}
	}
	e.mu.Unlock()

	runID := req.RunID
	e.runMu.RLock()
	registrar := e.runRegistrar
	e.runMu.RUnlock()
	if registrar != nil && (req.RunID != "" || req.CorrelationID != "") {
		runID = registrar.ResolveRunID(req.RunID, req.CorrelationID)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	now := nowMS()
	job := &Job{
		JobID:          jobID,
		JobType:        req.JobType,
		Params:         append([]Param(nil), req.Params...),
		ProjectID:      req.ProjectID,
		TargetID:       req.TargetID,
		ToolchainSetID: req.ToolchainSetID,
		CorrelationID:  req.CorrelationID,
		RunID:          runID,
		CreatedAtMS:    now,
		State:          StateQueued,
		cancel:         cancel,
	}

	e.mu.Lock()
	if existing, ok := e.jobs[jobID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		snap := existing.snapshot()
		existing.mu.Unlock()
		return snap, nil
	}
	e.jobs[jobID] = job
	e.mu.Unlock()

	e.appendEvent(job, Payload{StateChanged: &StateChangedPayload{NewState: StateQueued}})
	e.lastActivity.Store(jobID, time.Now())

	if registrar != nil && runID != "" {
		registrar.Attach(RunAttachment{
			RunID:          runID,
			JobID:          job.JobID,
			CorrelationID:  job.CorrelationID,
			ProjectID:      job.ProjectID,
			TargetID:       job.TargetID,
			ToolchainSetID: job.ToolchainSetID,
			CreatedAtMS:    job.CreatedAtMS,
		})
	}

	go e.run(jobCtx, job, worker)

	job.mu.Lock()
	snap := job.snapshot()
	job.mu.Unlock()
	return snap, nil
}

// RunAttachment is what the engine hands a RunRegistrar when a job
// carrying a (resolved) run_id starts.
type RunAttachment struct {
	RunID          string
	JobID          string
	CorrelationID  string
	ProjectID      string
	TargetID       string
	ToolchainSetID string
	CreatedAtMS    int64
}

// RunRegistrar is implemented by the run aggregator (internal/run) so
// the job engine can attach newly-started jobs to their run without
// internal/jobengine importing internal/run.
type RunRegistrar interface {
	// ResolveRunID returns the run_id a job should carry: runID verbatim
	// if non-empty, else a stable derivation from correlationID.
	ResolveRunID(runID, correlationID string) string
	// Attach registers job membership in its run, creating the run
	// record on first sight.
	Attach(a RunAttachment)
}

// SetRunRegistrar wires the run aggregator into the engine. Must be
// called once during daemon startup, before any StartJob call that
// carries a run_id or correlation_id.
func (e *Engine) SetRunRegistrar(r RunRegistrar) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.runRegistrar = r
}

// SetTracer wires a tracer into the engine so each job's run carries a
// span from StateRunning to its terminal state. Must be called once
// during daemon startup; nil (the default) disables span creation.
func (e *Engine) SetTracer(t observability.Tracer) {
	e.tracerMu.Lock()
	defer e.tracerMu.Unlock()
	e.tracer = t
}

func (e *Engine) currentTracer() observability.Tracer {
	e.tracerMu.RLock()
	defer e.tracerMu.RUnlock()
	return e.tracer
}

// ActiveJobCount returns the number of jobs currently in StateRunning.
// Implements tracing.JobCounter for the daemon's observable gauges.
func (e *Engine) ActiveJobCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, job := range e.jobs {
		job.mu.Lock()
		if job.State == StateRunning {
			n++
		}
		job.mu.Unlock()
	}
	return n
}

// QueueDepth returns the number of jobs still in StateQueued.
func (e *Engine) QueueDepth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, job := range e.jobs {
		job.mu.Lock()
		if job.State == StateQueued {
			n++
		}
		job.mu.Unlock()
	}
	return n
}

func (e *Engine) run(ctx context.Context, job *Job, worker Worker) {
	job.mu.Lock()
	cancelledBeforeStart := job.cancelled
	job.mu.Unlock()

	logger := alog.WithJob(e.logger, job.JobID, job.JobType)

	if cancelledBeforeStart || ctx.Err() != nil {
		e.transition(job, StateCancelled)
		e.appendEvent(job, Payload{Failed: &FailedPayload{Code: errors.CodeCancelled, Message: "job cancelled before it started running", CorrelationID: job.CorrelationID}})
		return
	}

	e.transition(job, StateRunning)
	job.mu.Lock()
	job.StartedAtMS = nowMS()
	snap := job.snapshot()
	job.mu.Unlock()

	var span observability.SpanHandle
	if tracer := e.currentTracer(); tracer != nil {
		ctx, span = tracer.Start(ctx, "jobengine.run", observability.WithSpanKind(observability.SpanKindInternal), observability.WithAttributes(map[string]any{
			"job_id":         job.JobID,
			"job_type":       job.JobType,
			"correlation_id": job.CorrelationID,
			"run_id":         job.RunID,
		}))
		defer span.End()
	}

	pub := &Publisher{engine: e, job: job}
	err := worker(ctx, snap, pub)

	job.mu.Lock()
	alreadyTerminal := job.State.IsTerminal()
	job.mu.Unlock()
	if alreadyTerminal {
		if span != nil {
			span.SetStatus(observability.StatusCodeOK, "")
		}
		return
	}

	if err != nil {
		if ctx.Err() == context.Canceled {
			if span != nil {
				span.SetStatus(observability.StatusCodeError, "cancelled")
			}
			e.transition(job, StateCancelled)
			e.appendEvent(job, Payload{Failed: &FailedPayload{Code: errors.CodeCancelled, Message: "job was cancelled", CorrelationID: job.CorrelationID}})
			return
		}
		logger.Warn("job failed", alog.Error(err))
		if span != nil {
			span.RecordError(err)
		}
		e.transition(job, StateFailed)
		e.appendEvent(job, Payload{Failed: FailedPayloadFromError(err, job.CorrelationID)})
		return
	}

	job.mu.Lock()
	completed := job.pendingCompleted
	job.mu.Unlock()
	if completed == nil {
		completed = &CompletedPayload{}
	}

	if span != nil {
		span.SetStatus(observability.StatusCodeOK, "")
	}
	e.transition(job, StateSuccess)
	e.appendEvent(job, Payload{Completed: completed})
}

func (e *Engine) transition(job *Job, newState State) {
	job.mu.Lock()
	if job.State == newState {
		job.mu.Unlock()
		return
	}
	job.State = newState
	if newState.IsTerminal() {
		job.FinishedAtMS = nowMS()
	}
	job.mu.Unlock()
	e.appendEvent(job, Payload{StateChanged: &StateChangedPayload{NewState: newState}})
	if newState.IsTerminal() {
		e.evictIfOverRetention(job.JobType)
	}
}

// CancelJob requests cancellation of a job. Returns accepted=true if
// the job exists and was not already terminal; cancellation itself is
// cooperative and asynchronous.
func (e *Engine) CancelJob(jobID string) (accepted bool, err error) {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return false, &errors.NotFoundError{Resource: "job", ID: jobID}
	}

	job.mu.Lock()
	if job.State.IsTerminal() {
		job.mu.Unlock()
		return false, nil
	}
	job.cancelled = true
	cancel := job.cancel
	job.mu.Unlock()

	job.cancelOnce.Do(func() {
		cancel()
	})
	go e.enforceCancelGrace(job)
	return true, nil
}

// enforceCancelGrace backstops cooperative cancellation: if the worker
// neither reacts to ctx cancellation nor publishes a terminal event
// within cfg.CancelGrace, the engine synthesizes Failed{Cancelled}
// itself and closes the log.
func (e *Engine) enforceCancelGrace(job *Job) {
	grace := e.cfg.CancelGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	time.Sleep(grace)

	job.mu.Lock()
	alreadyTerminal := job.State.IsTerminal()
	job.mu.Unlock()
	if alreadyTerminal {
		return
	}

	e.transition(job, StateCancelled)
	e.appendEvent(job, Payload{Failed: &FailedPayload{
		Code:          errors.CodeCancelled,
		Message:       "job did not react to cancellation within the grace period",
		CorrelationID: job.CorrelationID,
	}})
}

// GetJob returns a snapshot of a job by id.
func (e *Engine) GetJob(jobID string) (*Snapshot, error) {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.snapshot(), nil
}

// ListFilter narrows ListJobs results: job_types[], states[], time
// bounds on created/finished, correlation_id, run_id.
type ListFilter struct {
	JobTypes      []string
	States        []State
	RunID         string
	CorrelationID string
	CreatedAfter  int64 // exclusive, 0 = no bound
	CreatedBefore int64 // exclusive, 0 = no bound
	FinishedAfter int64
	FinishedBefore int64

	// JobType/State are single-value convenience aliases kept for
	// callers that only ever filter on one value.
	JobType string
	State   State

	Offset int
	Limit  int // 0 = no limit
}

func (f ListFilter) matches(snap *Snapshot) bool {
	if f.JobType != "" && snap.JobType != f.JobType {
		return false
	}
	if f.State != "" && snap.State != f.State {
		return false
	}
	if len(f.JobTypes) > 0 {
		ok := false
		for _, t := range f.JobTypes {
			if t == snap.JobType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if s == snap.State {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RunID != "" && snap.RunID != f.RunID {
		return false
	}
	if f.CorrelationID != "" && snap.CorrelationID != f.CorrelationID {
		return false
	}
	if f.CreatedAfter != 0 && snap.CreatedAtMS <= f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && snap.CreatedAtMS >= f.CreatedBefore {
		return false
	}
	if f.FinishedAfter != 0 && snap.FinishedAtMS <= f.FinishedAfter {
		return false
	}
	if f.FinishedBefore != 0 && snap.FinishedAtMS >= f.FinishedBefore {
		return false
	}
	return true
}

// ListJobs returns snapshots of every job matching filter, including
// non-terminal ones, ordered by created_at descending and stably by
// job_id.
func (e *Engine) ListJobs(filter ListFilter) []*Snapshot {
	e.mu.RLock()
	var out []*Snapshot
	for _, job := range e.jobs {
		job.mu.Lock()
		snap := job.snapshot()
		job.mu.Unlock()
		if filter.matches(snap) {
			out = append(out, snap)
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS > out[j].CreatedAtMS
		}
		return out[i].JobID < out[j].JobID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// HistoryFilter narrows ListJobHistory's event-log slice.
type HistoryFilter struct {
	Kinds    []string // "state_changed", "progress", "log", "completed", "failed"; empty = all
	SinceMS  int64    // 0 = no lower bound
	UntilMS  int64    // 0 = no upper bound
	Offset   int
	Limit    int // 0 = no limit
}

func kindOf(p Payload) string {
	switch {
	case p.StateChanged != nil:
		return "state_changed"
	case p.Progress != nil:
		return "progress"
	case p.Log != nil:
		return "log"
	case p.Completed != nil:
		return "completed"
	case p.Failed != nil:
		return "failed"
	default:
		return ""
	}
}

// ListJobHistory returns job's stored event log, filtered and paginated.
// Ordering is monotonic by insertion. Consecutive identical Progress
// entries may already be coalesced in the stored log; a live
// StreamJobEvents subscriber still observes every individual Progress
// event as published.
func (e *Engine) ListJobHistory(jobID string, filter HistoryFilter) ([]JobEvent, error) {
	all, err := e.history(jobID)
	if err != nil {
		return nil, err
	}

	kindSet := make(map[string]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kindSet[k] = true
	}

	out := make([]JobEvent, 0, len(all))
	for _, evt := range all {
		if len(kindSet) > 0 && !kindSet[kindOf(evt.Payload)] {
			continue
		}
		if filter.SinceMS != 0 && evt.AtUnixMS < filter.SinceMS {
			continue
		}
		if filter.UntilMS != 0 && evt.AtUnixMS > filter.UntilMS {
			continue
		}
		out = append(out, evt)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
