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

// Publisher is the handle a Worker uses to emit non-terminal events
// (Progress, Log) while it runs. Workers never construct JobEvent
// values directly; the engine stamps AtUnixMS and JobID.
type Publisher struct {
	engine *Engine
	job    *Job
}

// Progress publishes a Progress event.
func (p *Publisher) Progress(percent int, phase string, metrics ...Metric) {
	p.engine.appendEvent(p.job, Payload{Progress: &ProgressPayload{Percent: percent, Phase: phase, Metrics: metrics}})
	p.engine.touch(p.job.JobID)
}

// Log publishes a Log event carrying a chunk of worker output.
func (p *Publisher) Log(stream string, data []byte, truncated bool) {
	p.engine.appendEvent(p.job, Payload{Log: &LogPayload{Stream: stream, Bytes: data, Truncated: truncated}})
	p.engine.touch(p.job.JobID)
}

// Complete records the summary/outputs the engine uses for this job's
// Completed event if the worker returns nil. Outputs are "key=value"
// strings; callers that propagate data to a pipeline's next step (e.g.
// apk_path, application_id) use this form so Planner.awaitChild can
// parse them back out. Calling it is optional — a worker that never
// calls it still gets an empty Completed{} on success.
func (p *Publisher) Complete(summary string, outputs ...string) {
	p.job.mu.Lock()
	p.job.pendingCompleted = &CompletedPayload{Summary: summary, Outputs: append([]string(nil), outputs...)}
	p.job.mu.Unlock()
}
