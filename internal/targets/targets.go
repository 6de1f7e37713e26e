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

// Package targets classifies and merges device targets across a
// "provider" dynamic-dispatch boundary: a small, fixed-composition
// list of Provider implementations (adb, cuttlefish) rather than an
// open plugin system.
package targets

import "context"

// Kind classifies a target by its serial form.
type Kind string

const (
	KindDevice       Kind = "device"
	KindEmulatorLike Kind = "emulator_like"
	KindRemote       Kind = "remote"
)

// Target is the minimal, opaque-id-addressable record the core exposes
// for a physical device, emulator-like target, or Cuttlefish instance.
type Target struct {
	TargetID    string
	Serial      string
	Kind        Kind
	DisplayName string
	Model       string
	Online      bool
}

// Provider contributes or augments the target list. ListTargets
// discovers targets of its own kind; AugmentTargets enriches a
// previously-discovered list with provider-specific metadata (e.g. the
// Cuttlefish provider annotates a running cvd instance's target with
// its WebRTC URL) without discovering new ones of its own.
type Provider interface {
	ListTargets(ctx context.Context) ([]Target, error)
	AugmentTargets(ctx context.Context, targets []Target) ([]Target, error)
}

// Registry holds the fixed, ordered composition of Providers. Order is
// significant: ListAll's de-dup keeps the first-seen Target for a given
// Serial, so earlier providers take priority for base metadata while
// later providers still get a chance to augment.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a Registry from an ordered provider list.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// ListAll runs ListTargets on every registered provider, de-duplicates
// by Serial (first-seen wins), then runs AugmentTargets on every
// provider over the merged list in registration order.
func (r *Registry) ListAll(ctx context.Context) ([]Target, error) {
	seen := make(map[string]bool)
	var merged []Target

	for _, p := range r.providers {
		ts, err := p.ListTargets(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			if seen[t.Serial] {
				continue
			}
			seen[t.Serial] = true
			merged = append(merged, t)
		}
	}

	for _, p := range r.providers {
		var err error
		merged, err = p.AugmentTargets(ctx, merged)
		if err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// ClassifyKind classifies a target by its serial form: "emulator-*" is
// emulator_like, anything containing ":" is remote, else it's a
// physical device.
func ClassifyKind(serial string) Kind {
	switch {
	case len(serial) >= len("emulator-") && serial[:len("emulator-")] == "emulator-":
		return KindEmulatorLike
	case containsColon(serial):
		return KindRemote
	default:
		return KindDevice
	}
}

func containsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}
