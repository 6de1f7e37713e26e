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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/platform/pkg/errors"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{
		StallTimeout:     time.Hour,
		ReapInterval:     time.Hour,
		HistoryRetention: 500,
		CancelGrace:      30 * time.Millisecond,
	}, nil)
	t.Cleanup(e.Stop)
	e.StartReaper()
	return e
}

func waitBlockUntilCancel(t *testing.T) Worker {
	t.Helper()
	return func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestStartJobIdempotence(t *testing.T) {
	e := testEngine(t)
	e.Register("build.run", waitBlockUntilCancel(t))

	job1, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run", JobID: "j-fixed-1"})
	require.NoError(t, err)
	job2, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run", JobID: "j-fixed-1"})
	require.NoError(t, err)

	assert.Equal(t, job1.JobID, job2.JobID)
	assert.Equal(t, "j-fixed-1", job1.JobID)

	hist, err := e.ListJobHistory("j-fixed-1", HistoryFilter{Kinds: []string{"state_changed"}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hist), 1)
	assert.Equal(t, StateQueued, hist[0].Payload.StateChanged.NewState)

	queuedCount := 0
	for _, evt := range hist {
		if evt.Payload.StateChanged != nil && evt.Payload.StateChanged.NewState == StateQueued {
			queuedCount++
		}
	}
	assert.Equal(t, 1, queuedCount)

	_, _ = e.CancelJob("j-fixed-1")
}

func TestStartJobRejectsEmptyJobType(t *testing.T) {
	e := testEngine(t)
	_, err := e.StartJob(context.Background(), StartJobRequest{JobType: ""})
	require.Error(t, err)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCancelQueuedJob(t *testing.T) {
	e := testEngine(t)
	started := make(chan struct{})
	e.Register("targets.install", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	job, err := e.StartJob(context.Background(), StartJobRequest{JobType: "targets.install"})
	require.NoError(t, err)

	accepted, err := e.CancelJob(job.JobID)
	require.NoError(t, err)
	assert.True(t, accepted)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	ch, err := e.StreamJobEvents(context.Background(), job.JobID, true)
	require.NoError(t, err)

	var kinds []string
	sawCancelled := false
	for evt := range ch {
		kinds = append(kinds, kindOf(evt.Payload))
		if evt.Payload.StateChanged != nil && evt.Payload.StateChanged.NewState == StateCancelled {
			sawCancelled = true
		}
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, "state_changed", kinds[0])
	assert.Equal(t, "failed", kinds[len(kinds)-1])

	assert.True(t, sawCancelled)

	snap, err := e.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snap.State)
}

func TestCancelUnknownJob(t *testing.T) {
	e := testEngine(t)
	_, err := e.CancelJob("does-not-exist")
	require.Error(t, err)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestProgressCoalescingInHistoryNotInLiveStream(t *testing.T) {
	e := testEngine(t)
	done := make(chan struct{})
	e.Register("build.run", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		for i := 0; i < 5; i++ {
			pub.Progress(50, "install")
		}
		close(done)
		<-ctx.Done()
		return nil
	})

	job, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker never finished publishing")
	}
	time.Sleep(20 * time.Millisecond)

	hist, err := e.ListJobHistory(job.JobID, HistoryFilter{Kinds: []string{"progress"}})
	require.NoError(t, err)
	assert.Len(t, hist, 1, "consecutive identical progress events coalesce in history")

	_, _ = e.CancelJob(job.JobID)
}

func TestRunSuccessEmitsCompletedAfterTerminalStateChanged(t *testing.T) {
	e := testEngine(t)
	e.Register("build.run", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		pub.Progress(100, "done")
		return nil
	})

	job, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)

	ch, err := e.StreamJobEvents(context.Background(), job.JobID, true)
	require.NoError(t, err)

	var last JobEvent
	for evt := range ch {
		last = evt
	}
	require.NotNil(t, last.Payload.Completed)

	snap, err := e.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, snap.State)
	assert.NotZero(t, snap.FinishedAtMS)
}

func TestListJobsOrderingAndFilter(t *testing.T) {
	e := testEngine(t)
	e.Register("build.run", func(ctx context.Context, job *Snapshot, pub *Publisher) error { return nil })
	e.Register("targets.install", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run", JobID: "a"})
	require.NoError(t, err)
	_, err = e.StartJob(context.Background(), StartJobRequest{JobType: "targets.install", JobID: "b"})
	require.NoError(t, err)

	out := e.ListJobs(ListFilter{JobType: "build.run"})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].JobID)

	_, _ = e.CancelJob("b")
}

func TestWorkerErrorBecomesFailedEvent(t *testing.T) {
	e := testEngine(t)
	e.Register("build.run", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		return errors.New(errors.CodeInstallFailed, "gradle exited 1")
	})

	job, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)

	ch, err := e.StreamJobEvents(context.Background(), job.JobID, true)
	require.NoError(t, err)

	var failed *FailedPayload
	for evt := range ch {
		if evt.Payload.Failed != nil {
			failed = evt.Payload.Failed
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, errors.CodeInstallFailed, failed.Code)
}

func TestStreamJobEventsNoDuplicateDelivery(t *testing.T) {
	e := testEngine(t)
	e.Register("build.run", func(ctx context.Context, job *Snapshot, pub *Publisher) error {
		pub.Progress(10, "start")
		pub.Progress(90, "finish")
		return nil
	})

	job, err := e.StartJob(context.Background(), StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)

	ch, err := e.StreamJobEvents(context.Background(), job.JobID, true)
	require.NoError(t, err)

	var delivered []JobEvent
	for evt := range ch {
		delivered = append(delivered, evt)
	}

	hist, err := e.ListJobHistory(job.JobID, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(hist), len(delivered), "union of history+live equals the full ordered log exactly once")
}
