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

package tree

import (
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Manager owns the path->Node maps for one view's tree. All methods
// assume the caller already holds the view's write lock: Manager does
// no locking of its own, matching the reader/writer discipline
// described in spec.md §5 which is enforced one layer up, in the view
// package.
type Manager struct {
	viewID string

	root  *Directory
	dirs  map[string]*Directory
	files map[string]*File

	maxNodes   int
	lastOOMLog time.Time

	logger *log.Entry
}

// NewManager constructs an empty tree rooted at "/". maxNodes <= 0
// disables the capacity check.
func NewManager(viewID string, maxNodes int) *Manager {
	root := newDirectory("", "/")
	root.knownByAgent = true
	return &Manager{
		viewID: viewID,
		root:   root,
		dirs:   map[string]*Directory{"/": root},
		files:  make(map[string]*File),
		maxNodes: maxNodes,
		logger:   log.WithField("component", "tree").WithField("view", viewID),
	}
}

// NormalizePath enforces the spec's path normal form: a leading slash,
// no trailing slash (except the root itself).
func NormalizePath(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	cleaned := path.Clean(raw)
	if cleaned != "/" {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

// Get returns the live node at path, or nil.
func (m *Manager) Get(p string) Node {
	p = NormalizePath(p)
	if d, ok := m.dirs[p]; ok {
		return d
	}
	if f, ok := m.files[p]; ok {
		return f
	}
	return nil
}

// Root returns the tree's root directory.
func (m *Manager) Root() *Directory { return m.root }

// Count returns the total number of live nodes, including the root.
func (m *Manager) Count() int { return len(m.dirs) + len(m.files) }

func (m *Manager) hasCapacity() bool {
	if m.maxNodes <= 0 {
		return true
	}
	if m.Count() < m.maxNodes {
		return true
	}
	if time.Since(m.lastOOMLog) > time.Minute {
		m.logger.Errorf("OOM protection: blocked node creation, max nodes (%d) reached", m.maxNodes)
		m.lastOOMLog = time.Now()
	}
	return false
}

// Upsert creates or updates the node at path, auto-creating any
// missing interior directories (whose LastUpdatedAt starts at 0,
// intentionally failing Stale-Evidence Protection until a real event
// confirms them — spec.md §4.4.2c). If a node of the opposing type
// already exists at path, it is deleted first (type-change
// protection). Returns the node, or nil when tree capacity refused the
// write.
func (m *Manager) Upsert(p string, size int64, mtime, ctime float64, isDir bool, auditSkipped bool, lastUpdatedAt float64) Node {
	p = NormalizePath(p)
	if p == "/" {
		node := m.root
		node.size = size
		node.modifiedTime = mtime
		node.createdTime = ctime
		node.auditSkipped = auditSkipped
		node.lastUpdatedAt = lastUpdatedAt
		return node
	}

	parentPath := NormalizePath(path.Dir(p))
	name := path.Base(p)

	if _, ok := m.dirs[parentPath]; !ok {
		if !m.ensureParentChain(parentPath) {
			return nil
		}
	}

	if isDir {
		if _, wasFile := m.files[p]; wasFile {
			m.Delete(p)
		}

		node, existed := m.dirs[p]
		if !existed {
			if !m.hasCapacity() {
				return nil
			}
			node = newDirectory(name, p)
			m.dirs[p] = node
		}
		node.size = size
		node.modifiedTime = mtime
		node.createdTime = ctime
		node.auditSkipped = auditSkipped
		node.lastUpdatedAt = lastUpdatedAt

		if parent, ok := m.dirs[parentPath]; ok {
			parent.children[name] = node
		}
		return node
	}

	if _, wasDir := m.dirs[p]; wasDir {
		m.Delete(p)
	}

	node, existed := m.files[p]
	if !existed {
		if !m.hasCapacity() {
			return nil
		}
		node = newFile(name, p, size, mtime, ctime)
		m.files[p] = node
	}
	node.size = size
	node.modifiedTime = mtime
	node.createdTime = ctime
	node.lastUpdatedAt = lastUpdatedAt

	if parent, ok := m.dirs[parentPath]; ok {
		parent.children[name] = node
	} else {
		m.logger.Warnf("orphan node %s: parent %s not found", p, parentPath)
	}
	return node
}

// ensureParentChain walks from root down to parentPath, creating any
// missing interior Directory nodes. Returns false if capacity ran out
// partway through the chain.
func (m *Manager) ensureParentChain(parentPath string) bool {
	parts := strings.Split(strings.Trim(parentPath, "/"), "/")
	current := ""
	parent := m.root
	for _, part := range parts {
		if part == "" {
			continue
		}
		current = NormalizePath(current + "/" + part)
		dir, ok := m.dirs[current]
		if !ok {
			if !m.hasCapacity() {
				return false
			}
			dir = newDirectory(part, current)
			parent.children[part] = dir
			m.dirs[current] = dir
		}
		parent = dir
	}
	return true
}

// Delete recursively removes the node at path (and, for a directory,
// every descendant) from the tree's maps and from its parent's
// children. The root directory can never be deleted. Returns the list
// of paths actually removed, so callers can clean up suspect/blind-spot
// bookkeeping that lives outside the tree.
func (m *Manager) Delete(p string) []string {
	p = NormalizePath(p)
	if p == "/" {
		m.logger.Warn("safety check: attempt to delete root directory blocked")
		return nil
	}

	parentPath := NormalizePath(path.Dir(p))
	name := path.Base(p)

	var removed []string

	if dirNode, ok := m.dirs[p]; ok {
		stack := []*Directory{dirNode}
		for len(stack) > 0 {
			curr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			delete(m.dirs, curr.path)
			removed = append(removed, curr.path)
			for _, child := range curr.children {
				if childDir, isDir := child.(*Directory); isDir {
					stack = append(stack, childDir)
				} else {
					delete(m.files, child.Path())
					removed = append(removed, child.Path())
				}
			}
		}
		if parent, ok := m.dirs[parentPath]; ok {
			delete(parent.children, name)
		}
		return removed
	}

	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		removed = append(removed, p)
		if parent, ok := m.dirs[parentPath]; ok {
			delete(parent.children, name)
		}
		return removed
	}

	return nil
}

// SetSuspect marks or clears a node's integrity-suspect flag.
func SetSuspect(n Node, v bool) {
	if n == nil {
		return
	}
	n.info().integritySuspect = v
}

// SetKnownByAgent marks or clears a node's known-by-agent flag.
func SetKnownByAgent(n Node, v bool) {
	if n == nil {
		return
	}
	n.info().knownByAgent = v
}
