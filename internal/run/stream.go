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

package run

import (
	"context"
	"time"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/pkg/errors"
)

// RunEvent is one event forwarded onto a merged run stream, tagged with
// the job_id it originated from. Per-job ordering is preserved;
// cross-job ordering is not guaranteed.
type RunEvent struct {
	JobID string
	jobengine.JobEvent
}

// StreamRunEvents merges the event streams of every job attached to
// runID (or a correlation_id's derived run): a discovery loop
// re-queries membership every discoveryIntervalMS (0 = use Aggregator
// default), opening a fresh per-job subscription (always with full
// history replay) for every newly discovered member. The merged stream
// closes once every known member is terminal and no new member has
// joined for
// DiscoveryMisses consecutive discovery ticks.
func (a *Aggregator) StreamRunEvents(ctx context.Context, runID string, discoveryIntervalMS int) (<-chan RunEvent, error) {
	if _, ok := a.memberJobIDs(runID); !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	interval := time.Duration(discoveryIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(a.cfg.DiscoveryIntervalMS) * time.Millisecond
	}

	out := make(chan RunEvent, 256)

	go a.driveMergedStream(ctx, runID, interval, out)

	return out, nil
}

func (a *Aggregator) driveMergedStream(ctx context.Context, runID string, interval time.Duration, out chan<- RunEvent) {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscribed := make(map[string]bool)
	jobDone := make(chan string, 64)
	misses := 0

	attach := func(jobID string) {
		if subscribed[jobID] {
			return
		}
		subscribed[jobID] = true
		ch, err := a.engine.StreamJobEvents(ctx, jobID, true)
		if err != nil {
			jobDone <- jobID
			return
		}
		go func() {
			for evt := range ch {
				select {
				case out <- RunEvent{JobID: jobID, JobEvent: evt}:
				case <-ctx.Done():
					return
				}
			}
			jobDone <- jobID
		}()
	}

	ids, _ := a.memberJobIDs(runID)
	for _, id := range ids {
		attach(id)
	}

	finished := make(map[string]bool)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-jobDone:
			finished[id] = true
		case <-ticker.C:
			ids, ok := a.memberJobIDs(runID)
			if !ok {
				return
			}
			before := len(subscribed)
			for _, id := range ids {
				attach(id)
			}
			if len(subscribed) > before {
				misses = 0
			} else {
				misses++
			}
			if allFinished(subscribed, finished) && misses >= a.cfg.DiscoveryMisses {
				return
			}
		}
	}
}

func allFinished(subscribed map[string]bool, finished map[string]bool) bool {
	if len(subscribed) == 0 {
		return false
	}
	for id := range subscribed {
		if !finished[id] {
			return false
		}
	}
	return true
}
