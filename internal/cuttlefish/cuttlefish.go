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

// Package cuttlefish is the Cuttlefish virtual-device lifecycle
// controller: build resolution against a CI grid, install, start/stop
// with recovery, and readiness probing over an external debug bridge.
// It is the concrete workload the job engine drives; every long
// operation here runs as a jobengine.Worker.
package cuttlefish

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// Environment overrides: each external collaborator is controlled by
// named environment variables.
const (
	EnvBranch          = "AADK_CUTTLEFISH_BRANCH"
	EnvTarget          = "AADK_CUTTLEFISH_TARGET"
	EnvBuildID         = "AADK_CUTTLEFISH_BUILD_ID"
	EnvCIGridBaseURL   = "AADK_CUTTLEFISH_CI_BASE_URL"
	EnvCIGridMirror    = "AADK_CUTTLEFISH_CI_MIRROR"
	EnvHomeDir         = "AADK_CUTTLEFISH_HOME_DIR"
	EnvInstallCmd      = "AADK_CUTTLEFISH_INSTALL_CMD"
	EnvStartCmd        = "AADK_CUTTLEFISH_START_CMD"
	EnvStopCmd         = "AADK_CUTTLEFISH_STOP_CMD"
	EnvExtraArgs       = "AADK_CUTTLEFISH_EXTRA_ARGS"
	EnvAdbAddr         = "AADK_CUTTLEFISH_ADB_ADDR"
	EnvAdbPath         = "AADK_ADB_PATH"
	EnvSkipKVMCheck    = "AADK_CUTTLEFISH_SKIP_KVM_CHECK"
	EnvPageSizeCheck   = "AADK_CUTTLEFISH_PAGE_SIZE_CHECK"
	EnvPageSizeDirBase = "AADK_CUTTLEFISH_PAGE_SIZE_DIR"
)

// BuildRef identifies a resolved Cuttlefish build.
type BuildRef struct {
	Branch  string
	Target  string
	BuildID string
	Product string
}

// archProfile is a host architecture's default/fallback branch-target
// pairs, split by host page size class: the controller maintains two
// branch/target defaults (standard and 16K) and picks one per page
// size.
type archProfile struct {
	StandardBranch string
	StandardTarget string
	Page16KBranch  string
	Page16KTarget  string
	FallbackBranch string
	FallbackTarget string
}

// archDefaults covers three architectures (aarch64, riscv64, x86_64).
// The standard/16K branch names are the same across architectures;
// only the targets and the fallback branch vary by arch. riscv64's 16K
// target has no dedicated image and resolves to the x86_64 one.
var archDefaults = map[string]archProfile{
	"arm64": {
		StandardBranch: "aosp-android-latest-release",
		StandardTarget: "aosp_cf_arm64_only_phone-userdebug",
		Page16KBranch:  "main-16k-with-phones",
		Page16KTarget:  "aosp_cf_arm64",
		FallbackBranch: "aosp-main-throttled",
		FallbackTarget: "aosp_cf_arm64_only_phone-trunk_staging-userdebug",
	},
	"riscv64": {
		StandardBranch: "aosp-android-latest-release",
		StandardTarget: "aosp_cf_riscv64_phone-userdebug",
		Page16KBranch:  "main-16k-with-phones",
		Page16KTarget:  "aosp_cf_x86_64",
		FallbackBranch: "aosp-main",
		FallbackTarget: "aosp_cf_riscv64_phone-trunk_staging-userdebug",
	},
	"amd64": {
		StandardBranch: "aosp-android-latest-release",
		StandardTarget: "aosp_cf_x86_64_only_phone-userdebug",
		Page16KBranch:  "main-16k-with-phones",
		Page16KTarget:  "aosp_cf_x86_64",
		FallbackBranch: "aosp-main",
		FallbackTarget: "aosp_cf_x86_64_phone-trunk_staging-userdebug",
	},
}

// normalizedArch maps runtime.GOARCH to this package's architecture names.
func normalizedArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	case "riscv64":
		return "riscv64"
	default:
		return "amd64"
	}
}

// hostPageSize wraps os.Getpagesize, the stdlib equivalent of
// sysconf(_SC_PAGESIZE).
func hostPageSize() int {
	return os.Getpagesize()
}

// is16KPage reports whether the host page size exceeds the classic
// 4 KiB page.
func is16KPage() bool {
	return hostPageSize() > 4096
}

// defaultBranchTarget resolves the (branch, target) pair for the
// current host, honoring explicit overrides first.
func defaultBranchTarget() (branch, target string, fallbackBranch, fallbackTarget string) {
	profile, ok := archDefaults[normalizedArch()]
	if !ok {
		profile = archDefaults["amd64"]
	}
	branch, target = profile.StandardBranch, profile.StandardTarget
	if is16KPage() {
		branch, target = profile.Page16KBranch, profile.Page16KTarget
	}
	if v := os.Getenv(EnvBranch); v != "" {
		branch = v
	}
	if v := os.Getenv(EnvTarget); v != "" {
		target = v
	}
	return branch, target, profile.FallbackBranch, profile.FallbackTarget
}

// pageSizeCheckEnabled reports whether the install-time page-size
// precondition is active. Disabled by setting the override env var to
// "0" or "false".
func pageSizeCheckEnabled() bool {
	v := os.Getenv(EnvPageSizeCheck)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Options configures a Controller.
type Options struct {
	// HomeDir is the directory cvd/launch_cvd run with HOME pointed at.
	// Defaults to $AADK_CUTTLEFISH_HOME_DIR or ~/.aadk/cuttlefish.
	HomeDir string

	// ReadinessAttempts/ReadinessInterval bound the ADB readiness probe
	// (~40 attempts, ~2s apart by default).
	ReadinessAttempts int
	ReadinessInterval time.Duration

	// SkipKVMCheck disables the /dev/kvm preflight unless disabled by
	// operator flag.
	SkipKVMCheck bool
}

func (o Options) withDefaults() Options {
	if o.HomeDir == "" {
		if env := os.Getenv(EnvHomeDir); env != "" {
			o.HomeDir = env
		} else if home, err := os.UserHomeDir(); err == nil {
			o.HomeDir = home + "/.aadk/cuttlefish"
		} else {
			o.HomeDir = "/tmp/aadk-cuttlefish"
		}
	}
	if o.ReadinessAttempts == 0 {
		o.ReadinessAttempts = 40
	}
	if o.ReadinessInterval == 0 {
		o.ReadinessInterval = 2 * time.Second
	}
	if !o.SkipKVMCheck {
		o.SkipKVMCheck = os.Getenv(EnvSkipKVMCheck) == "1"
	}
	return o
}

func (o Options) imagesDir() string {
	if is16KPage() {
		return o.HomeDir + "/images-16k"
	}
	return o.HomeDir + "/images"
}

func (o Options) hostDir() string {
	if is16KPage() {
		return o.HomeDir + "/host-16k"
	}
	return o.HomeDir + "/host"
}
