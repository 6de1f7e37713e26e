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

package cuttlefish

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/targets"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Job types the controller registers against the job engine.
const (
	JobTypeInstall = "targets.cuttlefish.install"
	JobTypeStart   = "targets.cuttlefish.start"
	JobTypeStop    = "targets.cuttlefish.stop"
)

// Controller owns the Cuttlefish lifecycle: build resolution, install,
// start/stop, and status. It implements targets.Provider so the target
// registry can fold a running instance into ListTargets.
type Controller struct {
	opts   Options
	grid   *CIGridClient
	engine *jobengine.Engine
	logger *slog.Logger
}

// New builds a Controller. tokenSource is the optional CI grid bearer
// token (internal/secrets resolves it from the OS keyring); nil means
// an unauthenticated public grid.
func New(engine *jobengine.Engine, opts Options, tokenSource oauth2.TokenSource, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:   opts.withDefaults(),
		grid:   NewCIGridClient(tokenSource),
		engine: engine,
		logger: alog.WithComponent(logger, "cuttlefish"),
	}
}

// Register binds the controller's workers under their job types.
func (c *Controller) Register() {
	c.engine.Register(JobTypeInstall, c.installWorker)
	c.engine.Register(JobTypeStart, c.startWorker)
	c.engine.Register(JobTypeStop, c.stopWorker)
}

// InstallCuttlefish starts an install job.
func (c *Controller) InstallCuttlefish(ctx context.Context, req InstallRequest) (*jobengine.Snapshot, error) {
	params := []jobengine.Param{
		{Key: "branch", Value: req.Branch},
		{Key: "target", Value: req.Target},
		{Key: "build_id", Value: req.BuildID},
		{Key: "force", Value: boolParam(req.Force)},
	}
	return c.engine.StartJob(ctx, jobengine.StartJobRequest{JobType: JobTypeInstall, Params: params})
}

// StartCuttlefish starts the start job.
func (c *Controller) StartCuttlefish(ctx context.Context, showFullUI bool) (*jobengine.Snapshot, error) {
	params := []jobengine.Param{{Key: "show_full_ui", Value: boolParam(showFullUI)}}
	return c.engine.StartJob(ctx, jobengine.StartJobRequest{JobType: JobTypeStart, Params: params})
}

// StopCuttlefish starts the stop job.
func (c *Controller) StopCuttlefish(ctx context.Context) (*jobengine.Snapshot, error) {
	return c.engine.StartJob(ctx, jobengine.StartJobRequest{JobType: JobTypeStop})
}

// ResolveCuttlefishBuild resolves a build synchronously: like
// GetCuttlefishStatus it does not spawn a job, returning the resolved
// branch/target/build_id directly.
func (c *Controller) ResolveCuttlefishBuild(ctx context.Context, branch, target, buildID string) (BuildRef, error) {
	resolved, err := c.grid.ResolveBuild(ctx, branch, target, buildID)
	if err != nil {
		return BuildRef{}, err
	}
	return resolved.Ref, nil
}

// GetCuttlefishStatus queries cvd status synchronously.
func (c *Controller) GetCuttlefishStatus(ctx context.Context) (Status, error) {
	return cvdStatus(ctx, c.opts.HomeDir)
}

func boolParam(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func paramValue(params []jobengine.Param, key string) string {
	for _, p := range params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// installWorker drives the install job from preflight through package
// install, group membership, and image/host-package download.
func (c *Controller) installWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	branch := paramValue(job.Params, "branch")
	target := paramValue(job.Params, "target")
	buildID := paramValue(job.Params, "build_id")
	force := paramValue(job.Params, "force") == "true"

	if !c.opts.SkipKVMCheck {
		pub.Progress(5, "preflight_kvm")
		if err := checkKVM(); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}
	}

	pub.Progress(10, "resolve_build")
	resolved, err := c.grid.ResolveBuild(ctx, branch, target, buildID)
	if err != nil {
		return c.failWithDiagnostics(ctx, err)
	}
	if err := checkPageSizeConsistency(resolved.Ref); err != nil {
		return c.failWithDiagnostics(ctx, err)
	}

	skipPackages := !force && lookPath("cvd")
	if !skipPackages {
		pub.Progress(20, "install_host_packages")
		if result, err := installHostPackages(ctx); err != nil {
			return c.failWithDiagnostics(ctx, errors.Wrap(errors.ClassifyExitError(err, result.Combined()), "installing host packages", err))
		}
	} else {
		pub.Log("stdout", []byte("host tools already present, skipping install_host_packages"), false)
	}

	pub.Progress(35, "add_user_to_groups")
	if err := addUserToGroups(ctx); err != nil {
		return c.failWithDiagnostics(ctx, err)
	}

	if !force && alreadyInstalled(c.opts) {
		pub.Log("stdout", []byte("images and host tools already present, skipping download"), false)
	} else {
		pub.Progress(50, "download_image")
		imageArchive := c.opts.HomeDir + "/cache/image.zip"
		if err := downloadFile(ctx, resolved.ImageURL, imageArchive); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}
		if err := extractZip(imageArchive, c.opts.imagesDir()); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}

		pub.Progress(75, "download_host_package")
		hostArchive := c.opts.HomeDir + "/cache/host.tar.gz"
		if err := downloadFile(ctx, resolved.HostURL, hostArchive); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}
		if err := extractTarGz(hostArchive, c.opts.hostDir()); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}
	}

	pub.Progress(100, "done")
	pub.Complete(
		fmt.Sprintf("installed cuttlefish %s/%s build %s", resolved.Ref.Branch, resolved.Ref.Target, resolved.Ref.BuildID),
		"home_dir="+c.opts.HomeDir,
		"images_dir="+c.opts.imagesDir(),
		"host_dir="+c.opts.hostDir(),
	)
	return nil
}

// startWorker drives the start job: preflight, stale-state cleanup,
// launch, and adb-readiness wait.
func (c *Controller) startWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	showFullUI := paramValue(job.Params, "show_full_ui") == "true"

	pub.Progress(5, "query_status")
	status, err := cvdStatus(ctx, c.opts.HomeDir)
	if err == nil && status.Running {
		pub.Complete("cuttlefish already running", "adb_serial="+status.AdbSerial)
		return nil
	}

	if !c.opts.SkipKVMCheck {
		pub.Progress(10, "preflight_kvm")
		if err := checkKVM(); err != nil {
			return c.failWithDiagnostics(ctx, err)
		}
	}
	if !alreadyInstalled(c.opts) {
		return c.failWithDiagnostics(ctx, errors.New(errors.CodeFailedPrecondition, "cuttlefish images/host tools are not installed"))
	}

	pub.Progress(20, "clean_stale_state")
	cleanStaleState()

	pub.Progress(30, "launch")
	result, err := launch(ctx, c.opts, showFullUI, nil)
	if err != nil {
		return c.failWithDiagnostics(ctx, errors.Wrap(errors.CodeLaunchFailed, "launching cuttlefish", fmt.Errorf("%s", result.Combined())))
	}

	pub.Progress(60, "wait_for_adb")
	serial, err := waitForAdbDevice(ctx, c.opts, c.opts.ReadinessAttempts, c.opts.ReadinessInterval)
	if err != nil {
		return c.failWithDiagnostics(ctx, errors.Wrap(errors.CodeAdbNotAvailable, "waiting for cuttlefish adb device", err))
	}

	pub.Progress(100, "done")
	pub.Complete("cuttlefish started",
		"adb_serial="+serial,
		"webrtc_url=https://localhost:8443/",
		"env_console_url=http://localhost:6520/",
	)
	return nil
}

// stopWorker drives the stop job.
func (c *Controller) stopWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	pub.Progress(10, "stop")
	cmd := stopCommand(c.opts)
	result, err := run(ctx, "", c.opts.HomeDir, cmd[0], cmd[1:]...)
	if err != nil {
		return c.failWithDiagnostics(ctx, errors.Wrap(errors.ClassifyExitError(err, result.Combined()), "stopping cuttlefish", err))
	}

	pub.Progress(100, "done")
	pub.Complete("cuttlefish stopped")
	return nil
}

func (c *Controller) failWithDiagnostics(ctx context.Context, err error) error {
	dump := diagnosticsDump(ctx, c.opts)
	var taxErr *errors.TaxonomyError
	if errors.As(err, &taxErr) {
		clone := *taxErr
		if clone.TechnicalDetails == "" {
			clone.TechnicalDetails = dump
		} else {
			clone.TechnicalDetails = clone.TechnicalDetails + "\n" + dump
		}
		return &clone
	}
	return errors.Wrap(errors.CodeInternal, err.Error(), err)
}

// ListTargets never discovers targets of its own kind; Cuttlefish is
// folded in by AugmentTargets only when a cvd instance is running, so
// this always returns an empty list.
func (c *Controller) ListTargets(ctx context.Context) ([]targets.Target, error) {
	return nil, nil
}

// AugmentTargets appends a Target for a running Cuttlefish instance, or
// leaves the list untouched if nothing is running.
func (c *Controller) AugmentTargets(ctx context.Context, ts []targets.Target) ([]targets.Target, error) {
	status, err := cvdStatus(ctx, c.opts.HomeDir)
	if err != nil || !status.Running || status.AdbSerial == "" {
		return ts, nil
	}

	serial := status.AdbSerial
	for i := range ts {
		if ts[i].Serial == serial {
			ts[i].DisplayName = "Cuttlefish"
			ts[i].Online = true
			return ts, nil
		}
	}
	return append(ts, targets.Target{
		TargetID:    targets.CanonicalLookup(serial),
		Serial:      serial,
		Kind:        targets.ClassifyKind(serial),
		DisplayName: "Cuttlefish",
		Online:      true,
	}), nil
}
