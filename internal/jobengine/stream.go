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
	"time"

	"github.com/aadk-dev/platform/pkg/errors"
)

// subscriberBuffer bounds each subscriber's live channel. A subscriber
// that falls this far behind is dropped and must re-subscribe with
// include_history=true to recover.
const subscriberBuffer = 256

// appendEvent stamps at_unix_ms, appends to the job's durable log, and
// fans the event out to every live subscriber of that job. Consecutive
// identical Progress entries are coalesced in the stored log only; live
// subscribers still receive every call.
func (e *Engine) appendEvent(job *Job, payload Payload) JobEvent {
	job.mu.Lock()
	job.nextSeq++
	evt := JobEvent{Seq: job.nextSeq, AtUnixMS: nowMS(), JobID: job.JobID, Payload: payload}

	if n := len(job.events); n > 0 && payload.Progress != nil {
		last := job.events[n-1]
		if last.Payload.Progress != nil &&
			last.Payload.Progress.Percent == payload.Progress.Percent &&
			last.Payload.Progress.Phase == payload.Progress.Phase {
			job.events[n-1] = evt
		} else {
			job.events = append(job.events, evt)
		}
	} else {
		job.events = append(job.events, evt)
	}
	job.mu.Unlock()

	e.fanOut(job.JobID, evt)
	return evt
}

// touch records worker activity for the stall reaper.
func (e *Engine) touch(jobID string) {
	e.lastActivity.Store(jobID, time.Now())
}

func (e *Engine) fanOut(jobID string, evt JobEvent) {
	e.subMu.RLock()
	subs := e.subscribers[jobID]
	e.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			// Lagging subscriber: drop it rather than block the
			// publisher. It will be removed from the registry on its
			// next receive-loop iteration (closed via done channel).
			close(sub.done)
		}
	}

	if evt.Payload.isTerminalPayload() {
		e.subMu.Lock()
		delete(e.subscribers, jobID)
		e.subMu.Unlock()
	}
}

func (e *Engine) addSubscriber(jobID string) *subscriber {
	sub := &subscriber{ch: make(chan JobEvent, subscriberBuffer), done: make(chan struct{})}
	e.subMu.Lock()
	e.subscribers[jobID] = append(e.subscribers[jobID], sub)
	e.subMu.Unlock()
	return sub
}

func (e *Engine) removeSubscriber(jobID string, sub *subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	subs := e.subscribers[jobID]
	for i, s := range subs {
		if s == sub {
			e.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// history returns a copy of job's full durable event log.
func (e *Engine) history(jobID string) ([]JobEvent, error) {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	out := make([]JobEvent, len(job.events))
	copy(out, job.events)
	return out, nil
}

// StreamJobEvents returns a channel that delivers job's event log to a
// single subscriber. If includeHistory, every stored event is replayed
// before any live one; the channel closes once a terminal event has
// been delivered, or immediately if the job was already terminal and
// includeHistory replayed its terminal event. ctx cancellation stops
// the stream early without replaying or blocking further.
func (e *Engine) StreamJobEvents(ctx context.Context, jobID string, includeHistory bool) (<-chan JobEvent, error) {
	e.mu.RLock()
	_, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: jobID}
	}

	out := make(chan JobEvent, subscriberBuffer)

	sub := e.addSubscriber(jobID)

	go func() {
		defer close(out)

		// sent tracks the Seq of every event already delivered from
		// history, so a live event published in the window between
		// addSubscriber and this replay (and therefore present in both
		// job.events and sub.ch) is not delivered a second time.
		sent := make(map[int64]struct{})
		if includeHistory {
			hist, err := e.history(jobID)
			if err != nil {
				return
			}
			for _, evt := range hist {
				select {
				case out <- evt:
					sent[evt.Seq] = struct{}{}
					if evt.Payload.isTerminalPayload() {
						e.removeSubscriber(jobID, sub)
						return
					}
				case <-ctx.Done():
					e.removeSubscriber(jobID, sub)
					return
				}
			}
		}

		for {
			select {
			case evt, live := <-sub.ch:
				if !live {
					return
				}
				if _, dup := sent[evt.Seq]; dup {
					continue
				}
				out <- evt
				if evt.Payload.isTerminalPayload() {
					e.removeSubscriber(jobID, sub)
					return
				}
			case <-sub.done:
				e.removeSubscriber(jobID, sub)
				return
			case <-ctx.Done():
				e.removeSubscriber(jobID, sub)
				return
			}
		}
	}()

	return out, nil
}
