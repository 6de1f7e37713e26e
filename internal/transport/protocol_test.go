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

package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRoundTrips(t *testing.T) {
	msg, err := NewRequest("job.start", map[string]string{"job_type": "build"})
	require.NoError(t, err)
	require.NoError(t, msg.Validate())

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "job.start", parsed.Method)
	assert.Equal(t, msg.CorrelationID, parsed.CorrelationID)
}

func TestMessageValidateRequiresCorrelationID(t *testing.T) {
	msg := &Message{Type: MessageTypeRequest, Method: "x"}
	assert.ErrorIs(t, msg.Validate(), ErrMissingCorrelationID)
}

func TestMessageValidateRequestNeedsMethod(t *testing.T) {
	msg := &Message{Type: MessageTypeRequest, CorrelationID: "abc"}
	assert.Error(t, msg.Validate())
}

func TestMessageValidateStreamNeedsStreamID(t *testing.T) {
	msg := &Message{Type: MessageTypeStream, CorrelationID: "abc"}
	assert.Error(t, msg.Validate())
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestTokenValidatorIssueAndValidate(t *testing.T) {
	v, err := NewTokenValidator([]byte("test-signing-secret"))
	require.NoError(t, err)
	defer v.Close()

	token, err := v.IssueToken("cli-user", "workflow", time.Minute)
	require.NoError(t, err)

	claims, err := v.Validate(token, "203.0.113.5:54321")
	require.NoError(t, err)
	assert.Equal(t, "cli-user", claims.Subject)
	assert.Equal(t, "workflow", claims.Scope)
}

func TestTokenValidatorRejectsTampered(t *testing.T) {
	v, err := NewTokenValidator([]byte("test-signing-secret"))
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Validate("garbage.token.value", "203.0.113.5:1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenValidatorLocksOutAfterFailures(t *testing.T) {
	v, err := NewTokenValidator([]byte("test-signing-secret"))
	require.NoError(t, err)
	defer v.Close()

	addr := "203.0.113.9:1"
	for i := 0; i < MaxFailedAttempts; i++ {
		_, _ = v.Validate("bad", addr)
	}
	_, err = v.Validate("bad", addr)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestTokenValidatorVerifySecret(t *testing.T) {
	v, err := NewTokenValidator([]byte("correct-secret"))
	require.NoError(t, err)
	defer v.Close()

	assert.True(t, v.VerifySecret([]byte("correct-secret")))
	assert.False(t, v.VerifySecret([]byte("wrong-secret")))
}
