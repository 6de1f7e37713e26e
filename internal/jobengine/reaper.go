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
	"sort"
	"time"
)

// StartReaper launches the single stall-reaper goroutine for this
// process. It is idempotent-ish only in the sense that callers are
// expected to invoke it exactly once at daemon startup; calling it
// twice starts two tickers racing on the same stopCh.
func (e *Engine) StartReaper() {
	go e.reapLoop()
}

// Stop signals the reaper goroutine to exit and waits for it.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) reapLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.reapStalled()
		}
	}
}

// reapStalled synthesizes Failed{code=Internal, "worker vanished"} for
// every Running job whose worker has published nothing (no Progress,
// Log, or terminal event) within cfg.StallTimeout. A job that crashed
// before its first publish still counts from StartedAtMS.
func (e *Engine) reapStalled() {
	deadline := time.Now().Add(-e.cfg.StallTimeout)

	e.mu.RLock()
	var stalled []*Job
	for _, job := range e.jobs {
		job.mu.Lock()
		running := job.State == StateRunning
		job.mu.Unlock()
		if !running {
			continue
		}
		last, ok := e.lastActivity.Load(job.JobID)
		var lastTime time.Time
		if ok {
			lastTime = last.(time.Time)
		} else {
			job.mu.Lock()
			lastTime = time.UnixMilli(job.StartedAtMS)
			job.mu.Unlock()
		}
		if lastTime.Before(deadline) {
			stalled = append(stalled, job)
		}
	}
	e.mu.RUnlock()

	for _, job := range stalled {
		job.mu.Lock()
		alreadyTerminal := job.State.IsTerminal()
		job.mu.Unlock()
		if alreadyTerminal {
			continue
		}
		e.logger.Warn("reaping stalled job", "job_id", job.JobID, "job_type", job.JobType)
		e.transition(job, StateFailed)
		e.appendEvent(job, Payload{Failed: &FailedPayload{
			Code:             "Internal",
			Message:          "job worker stopped responding",
			TechnicalDetails: "worker vanished",
			CorrelationID:    job.CorrelationID,
		}})
		e.evictIfOverRetention(job.JobType)
	}
}

// evictIfOverRetention enforces Open Question (a)'s retention policy:
// the N most recent terminal jobs per job_type are kept, older terminal
// jobs (and their event logs) are dropped. Non-terminal jobs are never
// evicted regardless of count.
func (e *Engine) evictIfOverRetention(jobType string) {
	if e.cfg.HistoryRetention <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var terminal []*Job
	for _, job := range e.jobs {
		if job.JobType != jobType {
			continue
		}
		job.mu.Lock()
		isTerminal := job.State.IsTerminal()
		finishedAt := job.FinishedAtMS
		job.mu.Unlock()
		if isTerminal {
			_ = finishedAt
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= e.cfg.HistoryRetention {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		terminal[i].mu.Lock()
		fi := terminal[i].FinishedAtMS
		terminal[i].mu.Unlock()
		terminal[j].mu.Lock()
		fj := terminal[j].FinishedAtMS
		terminal[j].mu.Unlock()
		return fi > fj
	})

	for _, job := range terminal[e.cfg.HistoryRetention:] {
		delete(e.jobs, job.JobID)
		e.lastActivity.Delete(job.JobID)
	}
}
