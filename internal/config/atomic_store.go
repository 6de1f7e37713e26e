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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLockTimeout is returned when file lock acquisition times out.
var ErrLockTimeout = errors.New("config: locked by another process")

const lockTimeout = 5 * time.Second

// Codec marshals and unmarshals the value an AtomicStore persists. JSON
// is used for every per-service state file; YAML is used for the
// daemon's own config.yaml.
type Codec struct {
	Marshal   func(v interface{}) ([]byte, error)
	Unmarshal func(data []byte, v interface{}) error
}

// JSONCodec persists with encoding/json, indented for human inspection.
var JSONCodec = Codec{
	Marshal:   func(v interface{}) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	Unmarshal: json.Unmarshal,
}

// YAMLCodec persists with gopkg.in/yaml.v3.
var YAMLCodec = Codec{
	Marshal:   func(v interface{}) ([]byte, error) { return yaml.Marshal(v) },
	Unmarshal: yaml.Unmarshal,
}

// AtomicStore manages a single persisted-state file with flock-guarded,
// write-tmp-then-rename atomic writes. Every piece of daemon state
// (default target, toolchain sets, recent projects, UI config,
// per-service state) is an AtomicStore[T] for its own T.
type AtomicStore[T any] struct {
	path     string
	codec    Codec
	lockFile *os.File
}

// NewAtomicStore creates a store for path using codec.
func NewAtomicStore[T any](path string, codec Codec) *AtomicStore[T] {
	return &AtomicStore[T]{path: path, codec: codec}
}

// Lock acquires an exclusive lock on the state file, timing out after
// lockTimeout rather than blocking forever on a wedged writer.
func (s *AtomicStore[T]) Lock() error {
	lockPath := s.path + ".lock"

	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			s.lockFile = lockFile
			return nil
		}

		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}
		<-ticker.C
	}
}

// Unlock releases the file lock.
func (s *AtomicStore[T]) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	if err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		s.lockFile.Close()
		s.lockFile = nil
		return fmt.Errorf("unlock: %w", err)
	}
	if err := s.lockFile.Close(); err != nil {
		s.lockFile = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	s.lockFile = nil
	return nil
}

// WithLock runs fn while holding the file lock, releasing it on return.
func (s *AtomicStore[T]) WithLock(fn func() error) error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	return fn()
}

// Load reads and decodes the state file. If it does not exist, Load
// returns a zero-value T rather than an error, so first-run callers do
// not need to special-case ENOENT.
func (s *AtomicStore[T]) Load() (T, error) {
	var zero T
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return zero, nil
		}
		return zero, fmt.Errorf("read state file: %w", err)
	}

	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("parse state file: %w", err)
	}
	return v, nil
}

// Save atomically writes v: marshal, write to path+".tmp", rename over
// path. The rename is what makes a concurrent reader see either the old
// or the new content, never a partial write.
func (s *AtomicStore[T]) Save(v T) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := s.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadLocked is a convenience wrapper that locks, loads, and unlocks.
func (s *AtomicStore[T]) LoadLocked() (T, error) {
	var v T
	err := s.WithLock(func() error {
		var loadErr error
		v, loadErr = s.Load()
		return loadErr
	})
	return v, err
}

// SaveLocked is a convenience wrapper that locks, saves, and unlocks.
func (s *AtomicStore[T]) SaveLocked(v T) error {
	return s.WithLock(func() error {
		return s.Save(v)
	})
}
