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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/pkg/errors"
)

func testSetup(t *testing.T) (*jobengine.Engine, *Aggregator) {
	t.Helper()
	e := jobengine.New(jobengine.Config{
		StallTimeout:     time.Hour,
		ReapInterval:     time.Hour,
		HistoryRetention: 500,
		CancelGrace:      30 * time.Millisecond,
	}, nil)
	t.Cleanup(e.Stop)
	e.StartReaper()

	agg := New(Config{QuiescenceMS: 10, DiscoveryIntervalMS: 20, DiscoveryMisses: 2}, e)
	e.SetRunRegistrar(agg)
	return e, agg
}

func TestRunMergeFailedResult(t *testing.T) {
	e, agg := testSetup(t)

	e.Register("build.run", func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		return nil
	})
	e.Register("targets.install", func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		return errors.New(errors.CodeInstallFailed, "boom")
	})

	_, err := e.StartJob(context.Background(), jobengine.StartJobRequest{JobType: "build.run", RunID: "r-1"})
	require.NoError(t, err)
	_, err = e.StartJob(context.Background(), jobengine.StartJobRequest{JobType: "targets.install", RunID: "r-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runSnap, err := agg.GetRun("r-1")
		return err == nil && runSnap.Result == ResultFailed
	}, time.Second, 5*time.Millisecond)

	runs := agg.ListRuns(ListFilter{})
	require.Len(t, runs, 1)
	assert.Equal(t, ResultFailed, runs[0].Result)
	assert.Len(t, runs[0].JobIDs, 2)
}

func TestRunStreamEventsMergesBothJobLogs(t *testing.T) {
	e, agg := testSetup(t)

	jobADone := make(chan struct{})
	jobBDone := make(chan struct{})
	e.Register("a", func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		pub.Progress(50, "a-phase")
		close(jobADone)
		return nil
	})
	e.Register("b", func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		pub.Progress(50, "b-phase")
		close(jobBDone)
		return nil
	})

	jobA, err := e.StartJob(context.Background(), jobengine.StartJobRequest{JobType: "a", RunID: "r-2"})
	require.NoError(t, err)
	jobB, err := e.StartJob(context.Background(), jobengine.StartJobRequest{JobType: "b", RunID: "r-2"})
	require.NoError(t, err)

	<-jobADone
	<-jobBDone

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := agg.StreamRunEvents(ctx, "r-2", 20)
	require.NoError(t, err)

	perJob := map[string][]jobengine.JobEvent{}
	for evt := range ch {
		perJob[evt.JobID] = append(perJob[evt.JobID], evt.JobEvent)
	}

	require.Contains(t, perJob, jobA.JobID)
	require.Contains(t, perJob, jobB.JobID)
	// Per-job ordering preserved: each job's own sequence starts with
	// StateChanged and ends with Completed.
	for _, seq := range perJob {
		require.NotEmpty(t, seq)
		assert.NotNil(t, seq[0].Payload.StateChanged)
		assert.NotNil(t, seq[len(seq)-1].Payload.Completed)
	}
}

func TestResolveRunIDFromCorrelation(t *testing.T) {
	_, agg := testSetup(t)
	assert.Equal(t, "corr-abc", agg.ResolveRunID("", "abc"))
	assert.Equal(t, "r-explicit", agg.ResolveRunID("r-explicit", "abc"))
}

func TestRecordRunOutputDerivesSummary(t *testing.T) {
	e, agg := testSetup(t)
	e.Register("build.run", func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error { return nil })

	job, err := e.StartJob(context.Background(), jobengine.StartJobRequest{JobType: "build.run", RunID: "r-3"})
	require.NoError(t, err)

	_, err = agg.RecordRunOutput(RecordRunOutputRequest{RunID: "r-3", Kind: OutputKindBundle, OutputType: "support_bundle", Path: "/tmp/b.zip", JobID: job.JobID})
	require.NoError(t, err)
	_, err = agg.RecordRunOutput(RecordRunOutputRequest{RunID: "r-3", Kind: OutputKindArtifact, OutputType: "apk", Path: "/tmp/a.apk", JobID: job.JobID})
	require.NoError(t, err)

	runSnap, err := agg.GetRun("r-3")
	require.NoError(t, err)
	assert.Equal(t, 1, runSnap.OutputSummary.BundleCount)
	assert.Equal(t, 1, runSnap.OutputSummary.ArtifactCount)
	assert.NotEmpty(t, runSnap.OutputSummary.LastBundleID)
}
