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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherInvokesOnReloadForWriteNotTmp(t *testing.T) {
	dir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var mu sync.Mutex
	var seen []string
	w, err := NewWatcher([]string{dir}, logger, func(path string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, path)
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	tmpPath := filepath.Join(dir, "state.json.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("{}"), 0600))

	finalPath := filepath.Join(dir, "state.json")
	require.NoError(t, os.Rename(tmpPath, finalPath))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range seen {
			if p == finalPath {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
