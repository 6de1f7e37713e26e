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

// Package errors defines the error taxonomy shared by every service and
// by the job engine's Failed events. A TaxonomyError is what a spawned
// worker converts its failure into before publishing a Failed event;
// it is also what RPC boundary validation returns synchronously.
package errors

import "fmt"

// Code classifies a failure the way it is surfaced on Failed.error.code.
type Code string

const (
	CodeInvalidArgument   Code = "InvalidArgument"
	CodeNotFound          Code = "NotFound"
	CodePermissionDenied  Code = "PermissionDenied"
	CodeUnavailable       Code = "Unavailable"
	CodeFailedPrecondition Code = "FailedPrecondition"
	CodeInternal          Code = "Internal"
	CodeCancelled         Code = "Cancelled"

	// Domain-specific codes.
	CodeAdbNotAvailable   Code = "AdbNotAvailable"
	CodeTargetNotReachable Code = "TargetNotReachable"
	CodeInstallFailed     Code = "InstallFailed"
	CodeLaunchFailed      Code = "LaunchFailed"
)

// TaxonomyError is the error type carried on a job's Failed event and
// returned synchronously for RPC-boundary validation failures.
type TaxonomyError struct {
	Code             Code
	Message          string
	TechnicalDetails string
	CorrelationID    string
	Cause            error
	suggestion       string
}

// Error implements the error interface.
func (e *TaxonomyError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/As against the underlying cause.
func (e *TaxonomyError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError. All taxonomy errors are
// meant to reach the end user via the Failed event they ride on.
func (e *TaxonomyError) IsUserVisible() bool {
	return true
}

// UserMessage implements UserVisibleError.
func (e *TaxonomyError) UserMessage() string {
	return e.Message
}

// Suggestion implements UserVisibleError. Most taxonomy codes have no
// canned suggestion; callers that know one can wrap with WithSuggestion.
func (e *TaxonomyError) Suggestion() string {
	return e.suggestion
}

// WithSuggestion returns a copy of e with an actionable suggestion attached.
func (e *TaxonomyError) WithSuggestion(s string) *TaxonomyError {
	clone := *e
	clone.suggestion = s
	return &clone
}

// ErrorType implements ErrorClassifier.
func (e *TaxonomyError) ErrorType() string {
	return string(e.Code)
}

// IsRetryable implements ErrorClassifier.
func (e *TaxonomyError) IsRetryable() bool {
	switch e.Code {
	case CodeUnavailable, CodeTargetNotReachable:
		return true
	default:
		return false
	}
}

// New constructs a TaxonomyError with the given code and message.
func New(code Code, message string) *TaxonomyError {
	return &TaxonomyError{Code: code, Message: message}
}

// Wrap constructs a TaxonomyError that carries cause as its Unwrap target.
func Wrap(code Code, message string, cause error) *TaxonomyError {
	return &TaxonomyError{Code: code, Message: message, Cause: cause}
}

// ValidationError represents user input validation failures at an RPC
// boundary, surfaced synchronously rather than via a job event.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found at an RPC boundary.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
