// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// defaultWatchLimit bounds the number of concurrently watched
// directories so a substrate with millions of directories cannot
// exhaust the process's inotify instance.
const defaultWatchLimit = 8192

// watchManager keeps an LRU-capped set of watched directories, backed
// by fsnotify. Directories scored highest by recent activity (via
// touch/schedule) stay watched; the coldest are evicted first when the
// set is full.
type watchManager struct {
	root       string
	watchLimit int

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cache    *lru.Cache[string, float64]
	watching map[string]struct{}
	started  bool

	logger *log.Entry
}

func newWatchManager(root string, watchLimit int) (*watchManager, error) {
	if watchLimit <= 0 {
		watchLimit = defaultWatchLimit
	}
	wm := &watchManager{
		root:       root,
		watchLimit: watchLimit,
		watching:   make(map[string]struct{}),
		logger:     log.WithField("component", "fs-watch"),
	}
	cache, err := lru.NewWithEvict(watchLimit, wm.onEvict)
	if err != nil {
		return nil, err
	}
	wm.cache = cache
	return wm, nil
}

// onEvict is invoked by the LRU cache when a cold directory is pushed
// out to make room for a hotter one.
func (wm *watchManager) onEvict(path string, _ float64) {
	if wm.watcher != nil {
		_ = wm.watcher.Remove(path)
	}
	delete(wm.watching, path)
}

// schedule registers path at the given logical mtime without
// necessarily installing the OS watch yet (matches the pack's
// pre-scan, which builds the LRU set before start() installs watches).
func (wm *watchManager) schedule(path string, mtime float64) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.cache.Add(path, mtime)
	if wm.started {
		wm.installLocked(path)
	}
}

// touch refreshes path's recency, installing a watch for it if the
// directory set has room or path is already tracked.
func (wm *watchManager) touch(path string, mtime float64) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.cache.Add(path, mtime)
	if wm.started {
		wm.installLocked(path)
	}
}

func (wm *watchManager) installLocked(path string) {
	if _, ok := wm.watching[path]; ok {
		return
	}
	if wm.watcher == nil {
		return
	}
	if err := wm.watcher.Add(path); err != nil {
		wm.logger.WithError(err).WithField("path", path).Debug("failed to install watch")
		return
	}
	wm.watching[path] = struct{}{}
}

// unscheduleRecursive drops path and every tracked descendant, e.g.
// after the directory itself is deleted.
func (wm *watchManager) unscheduleRecursive(path string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	for _, k := range wm.cache.Keys() {
		if k == path || strings.HasPrefix(k, prefix) {
			wm.cache.Remove(k)
		}
	}
}

// start installs OS-level watches for every directory currently in
// the LRU set and returns the fsnotify event/error channels.
func (wm *watchManager) start() (*fsnotify.Watcher, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.started {
		return wm.watcher, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	wm.watcher = w
	wm.started = true
	for _, k := range wm.cache.Keys() {
		wm.installLocked(k)
	}
	return w, nil
}

func (wm *watchManager) stop() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.watcher != nil {
		_ = wm.watcher.Close()
	}
	wm.watcher = nil
	wm.started = false
	wm.watching = make(map[string]struct{})
}
