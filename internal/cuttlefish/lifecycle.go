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
	"os"
	"strings"
	"time"

	"github.com/aadk-dev/platform/internal/targets"
	"github.com/aadk-dev/platform/pkg/errors"
)

// Status is the parsed result of GetCuttlefishStatus: cvd status
// output parsed into key:value lines, surfacing
// adb_serial/adb_state/running plus a raw details list.
type Status struct {
	Installed bool
	Running   bool
	AdbSerial string
	AdbState  string
	Raw       map[string]string
}

var staleTempPaths = []string{"/tmp/vsock_3_1000", "/tmp/cf_avd_1000"}

// cvdStatus runs `cvd status` and parses its key:value output. Absence
// of the cvd binary classifies as "not installed" rather than an error.
func cvdStatus(ctx context.Context, home string) (Status, error) {
	if !lookPath("cvd") {
		return Status{}, errStatusNotInstalled
	}
	result, err := run(ctx, "", home, "cvd", "status")
	if err != nil {
		return Status{}, errors.Wrap(errors.CodeUnavailable, "cvd status failed", errStatusFailedDetail(result))
	}
	return parseCvdStatus(result.Stdout), nil
}

var errStatusNotInstalled = errors.New(errors.CodeNotFound, "cuttlefish is not installed")

func errStatusFailedDetail(r runResult) error {
	return fmt.Errorf("%s", r.Combined())
}

// parseCvdStatus lower-cases and space-to-underscores each "key: value"
// line.
func parseCvdStatus(stdout string) Status {
	st := Status{Installed: true, Raw: map[string]string{}}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := normalizeStatusKey(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		st.Raw[key] = value
		switch key {
		case "adb_serial":
			st.AdbSerial = value
		case "adb_connection_status", "adb_state":
			st.AdbState = value
		case "state", "status":
			st.Running = strings.EqualFold(value, "running") || strings.Contains(strings.ToLower(value), "boot_completed")
		}
	}
	if st.AdbState != "" && strings.Contains(strings.ToLower(st.AdbState), "device") {
		st.Running = true
	}
	return st
}

func normalizeStatusKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.ReplaceAll(key, " ", "_")
}

// cleanStaleState removes stale socket/instance directories under a
// well-known temp path.
func cleanStaleState() {
	for _, p := range staleTempPaths {
		_ = os.RemoveAll(p)
	}
}

// startCommand constructs the launch command.
func startCommand(opts Options, showFullUI bool, extraArgs []string) []string {
	if override := os.Getenv(EnvStartCmd); override != "" {
		return append([]string{"sh", "-c"}, override)
	}

	allArgs := append([]string{}, extraArgs...)
	if env := os.Getenv(EnvExtraArgs); env != "" {
		allArgs = append(allArgs, strings.Fields(env)...)
	}

	if lookPath("launch_cvd") {
		args := []string{"launch_cvd", "--daemon", "--system_image_dir=" + opts.imagesDir()}
		args = append(args, allArgs...)
		if !hasFlag(allArgs, "--start_webrtc") {
			args = append(args, fmt.Sprintf("--start_webrtc=%t", showFullUI))
		}
		if normalizedArch() == "arm64" && !hasFlag(allArgs, "--enable_host_bluetooth") {
			args = append(args, "--enable_host_bluetooth=true")
		}
		return args
	}

	args := []string{"cvd", "create", "--host_path=" + opts.hostDir(), "--product_path=" + opts.imagesDir()}
	args = append(args, allArgs...)
	return args
}

func stopCommand(opts Options) []string {
	if override := os.Getenv(EnvStopCmd); override != "" {
		return append([]string{"sh", "-c"}, override)
	}
	if lookPath("cvd") {
		return []string{"cvd", "stop"}
	}
	return []string{"stop_cvd"}
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, flag) {
			return true
		}
	}
	return false
}

const bluetoothBootPendingSignature = "bluetooth boot pending"

// launch runs the start command, recovering once from a Bluetooth
// boot-pending failure.
func launch(ctx context.Context, opts Options, showFullUI bool, extraArgs []string) (runResult, error) {
	cmd := startCommand(opts, showFullUI, extraArgs)
	result, err := run(ctx, "", opts.HomeDir, cmd[0], cmd[1:]...)
	if err == nil {
		return result, nil
	}
	if !strings.Contains(strings.ToLower(result.Combined()), bluetoothBootPendingSignature) {
		return result, err
	}

	retryArgs := append(append([]string{}, extraArgs...), "--fail_fast=false")
	retryCmd := startCommand(opts, showFullUI, retryArgs)
	retryResult, retryErr := run(ctx, "", opts.HomeDir, retryCmd[0], retryCmd[1:]...)
	if retryErr != nil {
		return retryResult, retryErr
	}

	if _, err := waitForAdbDevice(ctx, opts, 10, 2*time.Second); err != nil {
		return retryResult, err
	}
	_, _ = run(ctx, "", opts.HomeDir, "adb", "shell", "cmd", "bluetooth_manager", "enable")
	_, _ = run(ctx, "", opts.HomeDir, "adb", "shell", "settings", "put", "global", "bluetooth_on", "1")

	stopCmd := stopCommand(opts)
	_, _ = run(ctx, "", opts.HomeDir, stopCmd[0], stopCmd[1:]...)
	cleanStaleState()

	relaunchCmd := startCommand(opts, showFullUI, extraArgs)
	return run(ctx, "", opts.HomeDir, relaunchCmd[0], relaunchCmd[1:]...)
}

// waitForAdbDevice polls `adb get-state`/`adb devices -l` until a
// device appears, up to attempts tries interval apart.
func waitForAdbDevice(ctx context.Context, opts Options, attempts int, interval time.Duration) (string, error) {
	addr := adbAddress()
	if addr != "" && strings.Contains(addr, ":") {
		_, _ = run(ctx, "", opts.HomeDir, "adb", "connect", targets.CanonicalOutbound(addr))
	}

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		result, err := run(ctx, "", opts.HomeDir, "adb", "devices", "-l")
		if err == nil {
			if serial, ok := parseAdbDevices(result.Stdout, addr); ok {
				return serial, nil
			}
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return "", errors.New(errors.CodeAdbNotAvailable, "no adb device appeared within the readiness window")
}

// parseAdbDevices scans `adb devices -l` output for a connected
// device, preferring one matching wantAddr when set.
func parseAdbDevices(output, wantAddr string) (string, bool) {
	var fallback string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		serial := fields[0]
		if wantAddr != "" && targets.CanonicalLookup(serial) == targets.CanonicalLookup(wantAddr) {
			return serial, true
		}
		if fallback == "" {
			fallback = serial
		}
	}
	if wantAddr == "" && fallback != "" {
		return fallback, true
	}
	return "", false
}

func adbAddress() string {
	if v := os.Getenv(EnvAdbAddr); v != "" {
		return v
	}
	return "127.0.0.1:6520"
}

// diagnosticsDump appends host page size, KVM probe, cvd status, adb
// devices, hostname, group membership, and kernel version to a
// failure's technical_details.
func diagnosticsDump(ctx context.Context, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host_page_size=%d\n", hostPageSize())

	if err := checkKVM(); err != nil {
		fmt.Fprintf(&b, "kvm_probe=unavailable (%v)\n", err)
	} else {
		b.WriteString("kvm_probe=ok\n")
	}

	if st, err := cvdStatus(ctx, opts.HomeDir); err == nil {
		fmt.Fprintf(&b, "cvd_status=%+v\n", st.Raw)
	} else {
		fmt.Fprintf(&b, "cvd_status_error=%v\n", err)
	}

	if result, err := run(ctx, "", opts.HomeDir, "adb", "devices", "-l"); err == nil {
		fmt.Fprintf(&b, "adb_devices=%s\n", strings.TrimSpace(result.Stdout))
	}

	if u, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "hostname=%s\n", u)
	}

	if result, err := run(ctx, "", "", "id", "-Gn"); err == nil {
		fmt.Fprintf(&b, "groups=%s\n", strings.TrimSpace(result.Stdout))
	}

	if result, err := run(ctx, "", "", "uname", "-r"); err == nil {
		fmt.Fprintf(&b, "kernel=%s\n", strings.TrimSpace(result.Stdout))
	}

	return b.String()
}
