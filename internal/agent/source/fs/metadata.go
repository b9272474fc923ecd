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

// Package fs implements the agent-side filesystem source observer
// (spec.md §5): a "smart dynamic monitoring" strategy that pairs a
// one-time parallel directory scan with an LRU-capped fsnotify watch
// set, so a substrate with more directories than the process can watch
// still gets realtime coverage of its hottest subtrees.
package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/excelwang/fustor-sub001/internal/event"
)

// relPath reports path relative to root with a leading slash, matching
// the wire convention every other component expects ("/" for root
// itself).
func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "/"
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

// statRow stats path and returns the wire Row describing it, relative
// to root. Returns ok=false if the path no longer exists (a benign
// race between listing and stat, not an error).
func statRow(root, path string) (event.Row, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return event.Row{}, false
	}
	return event.Row{
		Path:         relPath(root, path),
		ModifiedTime: float64(info.ModTime().UnixNano()) / 1e9,
		CreatedTime:  float64(info.ModTime().UnixNano()) / 1e9,
		Size:         info.Size(),
		IsDirectory:  info.IsDir(),
	}, true
}
