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
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches config.yaml and the data directory's state files for
// external edits (an operator hand-editing settings, or another
// process's atomic rename) and invokes onReload so each service's
// ReloadState RPC has something real to react to.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(path string)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a Watcher covering the given directories (typically
// the config dir and the data dir). onReload is invoked for every Write
// or Create event on a file not ending in .tmp or .lock; events are not
// debounced, so a single save can trigger more than one call.
func NewWatcher(dirs []string, logger *slog.Logger, onReload func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		fsw:      fsw,
		logger:   logger,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the watch loop in a goroutine until Stop is called.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Ignore the atomic-rename temp file and lock files so a
			// Save() mid-write doesn't trigger a reload on partial state.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if hasSuffix(event.Name, ".tmp") || hasSuffix(event.Name, ".lock") {
				continue
			}
			w.logger.Debug("config file changed", "path", event.Name, "op", event.Op.String())
			if w.onReload != nil {
				w.onReload(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

// Stop stops the watch loop and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fsw.Close()
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
