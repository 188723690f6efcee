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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher watches the policy bundle file for changes and invokes a
// callback after a short debounce, so the dispatcher can pick up an
// edited policy without a server restart. Editors commonly replace a file
// via rename-into-place rather than an in-place write, so both Write and
// Create events on the bundle's directory are treated as a change.
type PolicyWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func()
	logger    *slog.Logger
	debounce  time.Duration

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

// NewPolicyWatcher starts watching the directory containing path (not the
// file itself, so a rename-into-place replacement is still seen) and
// calls onChange, debounced by 200ms, whenever path's content is
// plausibly replaced.
func NewPolicyWatcher(path string, onChange func(), logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy bundle watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching policy bundle directory %s: %w", dir, err)
	}

	w := &PolicyWatcher{
		fsWatcher: fsw,
		path:      filepath.Clean(path),
		onChange:  onChange,
		logger:    logger,
		debounce:  200 * time.Millisecond,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *PolicyWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.scheduleReload()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy bundle watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *PolicyWatcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsWatcher.Close()
}
