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

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/run"
	"github.com/aadk-dev/platform/pkg/errors"
)

func testPlanner(t *testing.T) (*jobengine.Engine, *run.Aggregator, *Planner) {
	t.Helper()
	e := jobengine.New(jobengine.Config{
		StallTimeout:     time.Hour,
		ReapInterval:     time.Hour,
		HistoryRetention: 500,
		CancelGrace:      30 * time.Millisecond,
	}, nil)
	t.Cleanup(e.Stop)
	e.StartReaper()

	agg := run.New(run.Config{QuiescenceMS: 10, DiscoveryIntervalMS: 20, DiscoveryMisses: 2}, e)
	e.SetRunRegistrar(agg)

	p := New(e, nil)
	p.Register()
	return e, agg, p
}

func TestPipelineInferenceAndSuccess(t *testing.T) {
	e, agg, p := testPlanner(t)

	var sawCreate, sawVerify, sawBuild bool
	e.Register(JobTypeCreateProject, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		sawCreate = true
		return nil
	})
	e.Register(JobTypeVerifyToolchain, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		sawVerify = true
		return nil
	})
	e.Register(JobTypeBuild, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		sawBuild = true
		pub.Complete("built", "apk_path=/tmp/out.apk")
		return nil
	})
	e.Register(JobTypeInstallApk, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		return nil
	})

	jobID, runID, err := p.RunPipeline(context.Background(), Request{
		TemplateID:  "tmpl-sample",
		ProjectPath: "/tmp/p",
		ProjectName: "p",
		ToolchainID: "tc-x",
		TargetID:    "127.0.0.1:6520",
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		snap, err := e.GetJob(jobID)
		return err == nil && snap.State == jobengine.StateSuccess
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, sawCreate)
	assert.True(t, sawVerify)
	assert.True(t, sawBuild)

	runSnap, err := agg.GetRun(runID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(runSnap.JobIDs), 4) // root + create + verify + build + install
}

func TestPipelineStopsOnFirstFailure(t *testing.T) {
	e, _, p := testPlanner(t)

	var launchCalled bool
	e.Register(JobTypeBuild, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		return errors.New(errors.CodeInstallFailed, "gradle failed")
	})
	e.Register(JobTypeInstallApk, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		return nil
	})
	e.Register(JobTypeLaunchApp, func(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
		launchCalled = true
		return nil
	})

	build := true
	installApk := true
	launchApp := true
	jobID, _, err := p.RunPipeline(context.Background(), Request{
		ProjectID:  "proj-1",
		TargetID:   "127.0.0.1:6520",
		ApkPath:    "/tmp/x.apk",
		Build:      &build,
		InstallApk: &installApk,
		LaunchApp:  &launchApp,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := e.GetJob(jobID)
		return err == nil && snap.State == jobengine.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, launchCalled)
}

func TestPipelinePreflightOnly(t *testing.T) {
	e, _, p := testPlanner(t)

	jobID, _, err := p.RunPipeline(context.Background(), Request{
		ProjectID:     "proj-1",
		PreflightOnly: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := e.GetJob(jobID)
		return err == nil && snap.State.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := e.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobengine.StateSuccess, snap.State)
}

func TestEvalConditionGatesEvidenceBundle(t *testing.T) {
	ok, err := evalCondition(`result.build.status == "failed"`, map[string]map[string]string{
		"build": {"status": "failed"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalCondition(`result.build.status == "failed"`, map[string]map[string]string{
		"build": {"status": "success"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
