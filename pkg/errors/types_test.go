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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomyErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeInternal, "worker vanished", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "Internal: worker vanished", err.Error())
}

func TestTaxonomyErrorRetryable(t *testing.T) {
	assert.True(t, New(CodeUnavailable, "adb offline").IsRetryable())
	assert.True(t, New(CodeTargetNotReachable, "no route").IsRetryable())
	assert.False(t, New(CodeInvalidArgument, "bad input").IsRetryable())
}

func TestWithSuggestionDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeNotFound, "toolchain missing")
	withHint := base.WithSuggestion("run InstallToolchain first")

	assert.Empty(t, base.Suggestion())
	assert.Equal(t, "run InstallToolchain first", withHint.Suggestion())
}

func TestClassifyExitErrorFromMessage(t *testing.T) {
	assert.Equal(t, CodePermissionDenied, ClassifyExitError(nil, "sudo: permission denied"))
	assert.Equal(t, CodeNotFound, ClassifyExitError(nil, "bash: cvd: command not found"))
	assert.Equal(t, CodeUnavailable, ClassifyExitError(nil, "dial tcp: connection refused"))
}

func TestCombinedOutput(t *testing.T) {
	assert.Equal(t, "", CombinedOutput("  ", ""))
	assert.Equal(t, "out", CombinedOutput("out", ""))
	assert.Equal(t, "err", CombinedOutput("", "err"))
	assert.Equal(t, "out\nerr", CombinedOutput("out", "err"))
}
