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

package targets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalLookupFoldsLocalhostForms(t *testing.T) {
	forms := []string{"localhost:6520", "127.0.0.1:6520", "0.0.0.0:6520", "[::1]:6520", "[::]:6520"}
	for _, a := range forms {
		for _, b := range forms {
			assert.Equal(t, CanonicalLookup(a), CanonicalLookup(b), "a=%s b=%s", a, b)
		}
	}
	assert.Equal(t, "localhost:6520", CanonicalLookup("localhost:6520"))
}

func TestCanonicalOutboundUsesLoopbackIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1:6520", CanonicalOutbound("localhost:6520"))
	assert.Equal(t, "127.0.0.1:6520", CanonicalOutbound("[::1]:6520"))
}

func TestCanonicalPreservesNonLocalhostHost(t *testing.T) {
	assert.Equal(t, "192.168.1.5:5555", CanonicalLookup("192.168.1.5:5555"))
	assert.Equal(t, "192.168.1.5:5555", CanonicalOutbound("192.168.1.5:5555"))
}

func TestClassifyKind(t *testing.T) {
	assert.Equal(t, KindEmulatorLike, ClassifyKind("emulator-5554"))
	assert.Equal(t, KindRemote, ClassifyKind("127.0.0.1:6520"))
	assert.Equal(t, KindDevice, ClassifyKind("HT8BV1A00123"))
}

type fakeProvider struct {
	list      []Target
	augmented func([]Target) []Target
}

func (f *fakeProvider) ListTargets(ctx context.Context) ([]Target, error) { return f.list, nil }
func (f *fakeProvider) AugmentTargets(ctx context.Context, targets []Target) ([]Target, error) {
	if f.augmented == nil {
		return targets, nil
	}
	return f.augmented(targets), nil
}

func TestRegistryListAllDedupesAndAugments(t *testing.T) {
	adb := &fakeProvider{list: []Target{{TargetID: "t1", Serial: "HT8BV1A00123", Kind: KindDevice}}}
	cuttlefish := &fakeProvider{
		list: []Target{{TargetID: "t2", Serial: "127.0.0.1:6520", Kind: KindRemote}},
		augmented: func(ts []Target) []Target {
			for i := range ts {
				if ts[i].Serial == "127.0.0.1:6520" {
					ts[i].DisplayName = "cuttlefish-1"
				}
			}
			return ts
		},
	}

	reg := NewRegistry(adb, cuttlefish)
	out, err := reg.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)

	var found bool
	for _, tgt := range out {
		if tgt.Serial == "127.0.0.1:6520" {
			assert.Equal(t, "cuttlefish-1", tgt.DisplayName)
			found = true
		}
	}
	assert.True(t, found)
}
