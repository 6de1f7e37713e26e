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
	"github.com/aadk-dev/platform/pkg/errors"
)

// JobEvent is one entry in a job's totally-ordered log: (at, job_id,
// payload), where exactly one Payload field is non-nil. Seq is a
// per-job monotonic sequence number, unique even when two events share
// AtUnixMS; it is what a subscriber dedupes history replay against
// live delivery on.
type JobEvent struct {
	Seq      int64
	AtUnixMS int64
	JobID    string
	Payload  Payload
}

// Payload is the tagged union of the five event kinds a job can emit.
type Payload struct {
	StateChanged *StateChangedPayload
	Progress     *ProgressPayload
	Log          *LogPayload
	Completed    *CompletedPayload
	Failed       *FailedPayload
}

// StateChangedPayload records a lifecycle transition.
type StateChangedPayload struct {
	NewState State
}

// Metric is one key/value pair attached to a Progress event.
type Metric struct {
	Key   string
	Value string
}

// ProgressPayload reports fractional completion and a human phase name.
type ProgressPayload struct {
	Percent int // 0..100
	Phase   string
	Metrics []Metric
}

// LogPayload carries a chunk of a worker's stdout/stderr.
type LogPayload struct {
	Stream    string // "stdout" or "stderr"
	Bytes     []byte
	Truncated bool
}

// CompletedPayload is the job's single success terminal event.
type CompletedPayload struct {
	Summary string
	Outputs []string
}

// FailedPayload is the job's single failure terminal event.
type FailedPayload struct {
	Code             errors.Code
	Message          string
	TechnicalDetails string
	CorrelationID    string
}

// FailedPayloadFromError builds a FailedPayload from any error, using
// its taxonomy code when it carries one (errors.As against
// *errors.TaxonomyError) and CodeInternal otherwise.
func FailedPayloadFromError(err error, correlationID string) *FailedPayload {
	var taxErr *errors.TaxonomyError
	if errors.As(err, &taxErr) {
		return &FailedPayload{
			Code:             taxErr.Code,
			Message:          taxErr.Message,
			TechnicalDetails: taxErr.TechnicalDetails,
			CorrelationID:    correlationID,
		}
	}
	return &FailedPayload{
		Code:          errors.CodeInternal,
		Message:       err.Error(),
		CorrelationID: correlationID,
	}
}

// isTerminalPayload reports whether p is a Completed or Failed payload.
func (p Payload) isTerminalPayload() bool {
	return p.Completed != nil || p.Failed != nil
}
