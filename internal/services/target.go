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

package services

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/cuttlefish"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/internal/statestore"
	"github.com/aadk-dev/platform/internal/targets"
	"github.com/aadk-dev/platform/pkg/errors"
)

var targetNameCollator = collate.New(language.Und)

// sortTargetsByDisplayName orders targets for display, falling back to
// Serial when two targets share a DisplayName (or both are unset).
func sortTargetsByDisplayName(ts []targets.Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		c := targetNameCollator.CompareString(ts[i].DisplayName, ts[j].DisplayName)
		if c != 0 {
			return c < 0
		}
		return ts[i].Serial < ts[j].Serial
	})
}

const (
	JobTypeStopApp = "targets.stop_app"
)

type targetState struct {
	DefaultTargetID string `json:"default_target_id"`
}

// TargetService composes the provider registry (physical/emulator-like
// targets plus Cuttlefish) with the Cuttlefish controller's own
// job-spawning RPCs.
type TargetService struct {
	engine     *jobengine.Engine
	registry   *targets.Registry
	cuttlefish *cuttlefish.Controller
	store      *statestore.Store[targetState]
	logger     *slog.Logger
}

// NewTargetService builds a TargetService.
func NewTargetService(engine *jobengine.Engine, registry *targets.Registry, cf *cuttlefish.Controller, statePath string, logger *slog.Logger) *TargetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetService{
		engine:     engine,
		registry:   registry,
		cuttlefish: cf,
		store:      statestore.New[targetState](statePath),
		logger:     alog.WithComponent(logger, "target_service"),
	}
}

// Register binds the job workers the pipeline planner drives directly,
// plus StopApp.
func (s *TargetService) Register() {
	s.engine.Register(pipeline.JobTypeInstallApk, s.installApkWorker)
	s.engine.Register(pipeline.JobTypeLaunchApp, s.launchWorker)
	s.engine.Register(JobTypeStopApp, s.stopAppWorker)
}

// ListTargets merges every provider's discovered and augmented
// targets, sorted by display name using locale-aware collation so a
// client presenting the list need not re-sort it.
func (s *TargetService) ListTargets(ctx context.Context) ([]targets.Target, error) {
	ts, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	sortTargetsByDisplayName(ts)
	return ts, nil
}

// GetDefaultTarget returns the persisted default target id, or
// NotFound if none has been set.
func (s *TargetService) GetDefaultTarget(ctx context.Context) (string, error) {
	st, err := s.store.Load()
	if err != nil {
		return "", err
	}
	if st.DefaultTargetID == "" {
		return "", &errors.NotFoundError{Resource: "default_target", ID: ""}
	}
	return st.DefaultTargetID, nil
}

// SetDefaultTarget persists targetID as the default.
func (s *TargetService) SetDefaultTarget(ctx context.Context, targetID string) error {
	if targetID == "" {
		return &errors.ValidationError{Field: "target_id", Message: "must not be empty"}
	}
	_, err := s.store.Update(func(st targetState) (targetState, error) {
		st.DefaultTargetID = targetID
		return st, nil
	})
	return err
}

// ReloadState re-reads persisted state on next access.
func (s *TargetService) ReloadState(ctx context.Context) error {
	_, err := s.store.Load()
	return err
}

func adbPath() string {
	if v := os.Getenv(cuttlefish.EnvAdbPath); v != "" {
		return v
	}
	return "adb"
}

func runAdb(ctx context.Context, serial string, args ...string) (string, string, error) {
	full := append([]string{"-s", serial}, args...)
	cmd := exec.CommandContext(ctx, adbPath(), full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (s *TargetService) installApkWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	targetID := paramOf(job, "target_id")
	apkPath := paramOf(job, "apk_path")
	if targetID == "" || apkPath == "" {
		return &errors.ValidationError{Field: "target_id/apk_path", Message: "both are required"}
	}

	pub.Progress(30, "push_apk")
	pub.Progress(70, "pm_install")
	stdout, stderr, err := runAdb(ctx, targets.CanonicalOutbound(targetID), "install", "-r", apkPath)
	if err != nil {
		return errors.Wrap(errors.ClassifyExitError(err, stdout+"\n"+stderr), "adb install failed", err)
	}

	pub.Progress(100, "done")
	pub.Complete("apk installed", "target_id="+targetID, "apk_path="+apkPath)
	return nil
}

func (s *TargetService) launchWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	targetID := paramOf(job, "target_id")
	applicationID := paramOf(job, "application_id")
	if targetID == "" || applicationID == "" {
		return &errors.ValidationError{Field: "target_id/application_id", Message: "both are required"}
	}

	pub.Progress(50, "am_start")
	stdout, stderr, err := runAdb(ctx, targets.CanonicalOutbound(targetID), "shell", "monkey", "-p", applicationID, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return errors.Wrap(errors.ClassifyExitError(err, stdout+"\n"+stderr), "launching application failed", err)
	}

	pub.Progress(100, "done")
	pub.Complete("application launched", "target_id="+targetID, "application_id="+applicationID)
	return nil
}

func (s *TargetService) stopAppWorker(ctx context.Context, job *jobengine.Snapshot, pub *jobengine.Publisher) error {
	targetID := paramOf(job, "target_id")
	applicationID := paramOf(job, "application_id")
	if targetID == "" || applicationID == "" {
		return &errors.ValidationError{Field: "target_id/application_id", Message: "both are required"}
	}

	pub.Progress(50, "force_stop")
	stdout, stderr, err := runAdb(ctx, targets.CanonicalOutbound(targetID), "shell", "am", "force-stop", applicationID)
	if err != nil {
		return errors.Wrap(errors.ClassifyExitError(err, stdout+"\n"+stderr), "stopping application failed", err)
	}

	pub.Progress(100, "done")
	pub.Complete("application stopped")
	return nil
}

// StreamLogcat streams `adb logcat` lines for targetID until ctx is
// cancelled.
func (s *TargetService) StreamLogcat(ctx context.Context, targetID string) (<-chan string, error) {
	if targetID == "" {
		return nil, &errors.ValidationError{Field: "target_id", Message: "must not be empty"}
	}

	cmd := exec.CommandContext(ctx, adbPath(), "-s", targets.CanonicalOutbound(targetID), "logcat")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "opening logcat stream", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "starting adb logcat", err)
	}

	out := make(chan string, 256)
	go func() {
		defer close(out)
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
