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

import "github.com/aadk-dev/platform/pkg/errors"

// validStateTransition enforces the job state table: Queued ->
// Running -> {Success, Failed, Cancelled}*, plus Queued -> Cancelled*
// before Running. No transition out of a terminal state; same-state
// repeats are handled by the caller as a silent drop, not here.
func validStateTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSuccess || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// PublishJobEvent lets the worker responsible for job_id append a raw
// event out-of-band from the Publisher helper. It is the RPC-reachable
// counterpart to the in-process Publisher used by workers registered
// through Register.
func (e *Engine) PublishJobEvent(jobID string, payload Payload) error {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}

	if payload.StateChanged != nil {
		job.mu.Lock()
		current := job.State
		next := payload.StateChanged.NewState
		if current == next {
			job.mu.Unlock()
			return nil
		}
		if !validStateTransition(current, next) {
			job.mu.Unlock()
			return &errors.ValidationError{Field: "state", Message: "invalid transition " + string(current) + " -> " + string(next)}
		}
		job.State = next
		if next.IsTerminal() {
			job.FinishedAtMS = nowMS()
		}
		job.mu.Unlock()
		e.appendEvent(job, payload)
		if next.IsTerminal() {
			e.evictIfOverRetention(job.JobType)
		}
		return nil
	}

	e.appendEvent(job, payload)
	e.touch(jobID)
	return nil
}
