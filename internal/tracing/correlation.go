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

package tracing

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	"github.com/aadk-dev/platform/internal/transport"
)

// CorrelationID identifies one job, run, or pipeline plan across the
// websocket RPC boundary. It rides on transport.Message.CorrelationID
// and on jobengine.Job.CorrelationID; this type exists so the tracing
// package can validate and propagate it without repeating the RFC 4122
// format check at every call site.
type CorrelationID string

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NewCorrelationID generates a new unique correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func (c CorrelationID) String() string {
	return string(c)
}

// IsValid reports whether c is a well-formed UUID.
func (c CorrelationID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// ToContext adds the correlation ID to the context, so every span
// started beneath it can tag itself without threading the ID through
// every function signature.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext retrieves the correlation ID from the context, minting a
// new one if none was set — callers that need a stable ID regardless
// of whether the caller supplied one.
func FromContext(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return NewCorrelationID()
}

// FromContextOrEmpty retrieves the correlation ID, or "" if unset.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return ""
}

// ValidateUUID checks s for UUID format and returns it as a CorrelationID.
func ValidateUUID(s string) (CorrelationID, bool) {
	if uuidRegex.MatchString(s) {
		return CorrelationID(s), true
	}
	return "", false
}

// FromMessage extracts the correlation ID carried on an inbound
// transport.Message request, validating its UUID format. The daemon
// already requires CorrelationID on every message (transport.Message.Validate),
// so this only re-checks shape, not presence.
func FromMessage(msg *transport.Message) (CorrelationID, bool) {
	if msg == nil || msg.CorrelationID == "" {
		return "", false
	}
	return ValidateUUID(msg.CorrelationID)
}

// ContextFromMessage returns a context carrying msg's correlation ID,
// generating one if the message's ID does not parse as a UUID (the
// wire format allows any non-empty string, tracing wants a UUID).
func ContextFromMessage(ctx context.Context, msg *transport.Message) context.Context {
	if id, ok := FromMessage(msg); ok {
		return ToContext(ctx, id)
	}
	return ToContext(ctx, NewCorrelationID())
}
