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

// Package redact scrubs sensitive values out of span attributes
// before they are persisted to internal/persistence/sqlite or handed
// to an exporter — job params and pipeline step outputs can carry
// API keys, signing tokens, or app secrets.
package redact

import (
	"regexp"
	"strings"
)

// Mode determines the level of redaction applied.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeStandard Mode = "standard"
	ModeStrict   Mode = "strict" // only attribute keys survive, all values become [REDACTED]
)

// Pattern defines a redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the built-in pattern set used in "standard" mode.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token|password)["\s:=]+([a-zA-Z0-9_\-]{12,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
		{
			Name:        "private_key",
			Regex:       regexp.MustCompile(`(?s)(-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----).*?(-----END (RSA |EC |DSA )?PRIVATE KEY-----)`),
			Replacement: "$1[REDACTED]$3",
		},
	}
}

var sensitiveKeySubstrings = []string{
	"password", "passwd", "pwd",
	"secret", "token",
	"api_key", "apikey",
	"private_key", "private",
	"authorization", "auth",
	"signing_key",
}

// Redactor applies redaction rules to span attribute maps.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// NewRedactor creates a redactor using the built-in pattern set.
func NewRedactor(mode Mode) *Redactor {
	return &Redactor{mode: mode, patterns: StandardPatterns()}
}

// NewRedactorWithPatterns creates a redactor with a custom pattern set,
// appended after the built-ins so operator patterns can't accidentally
// disable the defaults.
func NewRedactorWithPatterns(mode Mode, patterns []Pattern) *Redactor {
	return &Redactor{mode: mode, patterns: append(StandardPatterns(), patterns...)}
}

// RedactString applies pattern-based redaction to a string value.
func (r *Redactor) RedactString(s string) string {
	switch r.mode {
	case ModeNone:
		return s
	case ModeStrict:
		return "[REDACTED]"
	}
	result := s
	for _, p := range r.patterns {
		result = p.Regex.ReplaceAllString(result, p.Replacement)
	}
	return result
}

// RedactAttributes returns a copy of attrs with sensitive keys and
// values scrubbed according to the configured mode.
func (r *Redactor) RedactAttributes(attrs map[string]any) map[string]any {
	if r.mode == ModeNone || len(attrs) == 0 {
		return attrs
	}

	redacted := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if r.shouldRedactKey(k) {
			redacted[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok {
			redacted[k] = r.RedactString(s)
			continue
		}
		if r.mode == ModeStrict {
			redacted[k] = "[REDACTED]"
			continue
		}
		redacted[k] = v
	}
	return redacted
}

func (r *Redactor) shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
