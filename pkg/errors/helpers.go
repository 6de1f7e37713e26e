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

package errors

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Wrapf creates a new error that wraps err with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// ClassifyExitError inspects a subprocess failure and picks a taxonomy
// code from its exit status and combined stderr/stdout, the way every
// worker that shells out (package install, curl, adb, cvd) must.
// detail should be the trimmed, combined stdout+stderr.
func ClassifyExitError(err error, detail string) Code {
	lower := strings.ToLower(detail)

	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not permitted"):
		return CodePermissionDenied
	case strings.Contains(lower, "not found"), strings.Contains(lower, "no such file"):
		return CodeNotFound
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return CodeUnavailable
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A clean non-zero exit with no recognizable message classifies as
		// a generic internal failure.
		return CodeInternal
	}
	if errors.Is(err, exec.ErrNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}

// CombinedOutput trims and joins stdout/stderr the way technical_details
// is populated across every worker in this codebase.
func CombinedOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "" && stderr == "":
		return ""
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
