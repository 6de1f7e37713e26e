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

// Package secrets resolves daemon credentials (the RPC signing secret,
// the CI grid bearer token, per-provider toolchain registry
// credentials) from the OS keychain via zalando/go-keyring, the way
// the platform this codebase descends from resolves "keychain:" secret
// references.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service name under which every entry
// this daemon owns is namespaced.
const ServiceName = "aadk-platform"

const (
	// RPCSigningKeyKey is the HS256 secret internal/transport signs and
	// verifies bearer tokens with.
	RPCSigningKeyKey = "rpc-signing-key"

	// CIGridTokenKey is the bearer token internal/cuttlefish's CI grid
	// client presents when resolving build artifacts from a private
	// grid rather than the public one.
	CIGridTokenKey = "ci-grid-token"
)

// ErrNotFound is returned when no entry exists for a given key.
var ErrNotFound = errors.New("secrets: not found")

// ErrUnavailable is returned when the OS keychain/secret service cannot
// be reached at all (locked, no Secret Service daemon running, etc).
var ErrUnavailable = errors.New("secrets: backend unavailable")

// Get retrieves a secret, returning ErrNotFound if service/key has no
// entry yet.
func Get(service, key string) (string, error) {
	value, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, key)
		}
		if isUnavailable(err) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return "", fmt.Errorf("secrets: keychain error: %w", err)
	}
	return value, nil
}

// Set stores a secret under service/key.
func Set(service, key, value string) error {
	if err := keyring.Set(service, key, value); err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return fmt.Errorf("secrets: keychain error: %w", err)
	}
	return nil
}

// Delete removes a stored secret.
func Delete(service, key string) error {
	if err := keyring.Delete(service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, service, key)
		}
		if isUnavailable(err) {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return fmt.Errorf("secrets: keychain error: %w", err)
	}
	return nil
}

// IsNotFound reports whether err indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err indicates the keychain backend
// itself could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, indicator := range []string{"locked", "cannot access", "permission denied", "secret service", "dbus", "user canceled"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
