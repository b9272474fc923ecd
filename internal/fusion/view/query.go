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

package view

import (
	"strings"

	"github.com/excelwang/fustor-sub001/internal/fusion/tree"
)

// NodeView is the JSON-serializable projection of a tree node returned
// by queries.
type NodeView struct {
	Path             string      `json:"path"`
	Name             string      `json:"name"`
	IsDir            bool        `json:"is_dir"`
	Size             int64       `json:"size"`
	ModifiedTime     float64     `json:"modified_time"`
	CreatedTime      float64     `json:"created_time"`
	IntegritySuspect bool        `json:"integrity_suspect"`
	KnownByAgent     bool        `json:"known_by_agent"`
	Children         []*NodeView `json:"children,omitempty"`
}

// BlindSpotList is the JSON-serializable response of GetBlindSpotList.
type BlindSpotList struct {
	AdditionsCount int         `json:"additions_count"`
	Additions      []*NodeView `json:"additions"`
	DeletionCount  int         `json:"deletion_count"`
	Deletions      []string    `json:"deletions"`
}

// Stats is the JSON-serializable response of GetStats, used for health
// reporting and the Fusion receiver's status endpoint.
type Stats struct {
	ItemCount          int      `json:"item_count"`
	TotalFiles         int      `json:"total_files"`
	TotalDirectories   int      `json:"total_directories"`
	LatencyMs          float64  `json:"latency_ms"`
	StalenessSeconds   float64  `json:"staleness_seconds"`
	OldestItemPath     *string  `json:"oldest_item_path"`
	HasBlindSpot       bool     `json:"has_blind_spot"`
	SuspectFileCount   int      `json:"suspect_file_count"`
	LogicalNow         float64  `json:"logical_now"`
	LastAuditFinished  float64  `json:"last_audit_finished_at"`
	AuditCycleCount    int      `json:"audit_cycle_count"`
}

func toNodeView(n tree.Node, recursive bool, maxDepth *int, onlyPath bool, depth int) *NodeView {
	if n == nil {
		return nil
	}
	v := &NodeView{Path: n.Path(), Name: n.Name(), IsDir: n.IsDir()}
	if onlyPath {
		return v
	}

	type detailer interface {
		Size() int64
		ModifiedTime() float64
		CreatedTime() float64
		IntegritySuspect() bool
		KnownByAgent() bool
	}
	d := n.(detailer)
	v.Size = d.Size()
	v.ModifiedTime = d.ModifiedTime()
	v.CreatedTime = d.CreatedTime()
	v.IntegritySuspect = d.IntegritySuspect()
	v.KnownByAgent = d.KnownByAgent()

	dir, isDir := n.(*tree.Directory)
	if !isDir || !recursive {
		return v
	}
	if maxDepth != nil && depth >= *maxDepth {
		return v
	}
	for _, child := range dir.Children() {
		v.Children = append(v.Children, toNodeView(child, recursive, maxDepth, onlyPath, depth+1))
	}
	return v
}

// Query answers read-only questions against a State's tree and
// consistency bookkeeping. Callers must hold State.RLock for the
// duration of any call, matching spec.md §5's reader set.
type Query struct {
	state *State
}

// NewQuery constructs a Query over state.
func NewQuery(state *State) *Query {
	return &Query{state: state}
}

// GetDirectoryTree returns the node at path (file or directory),
// optionally expanded recursively up to maxDepth. Returns nil if no
// node exists at path.
func (q *Query) GetDirectoryTree(path string, recursive bool, maxDepth *int, onlyPath bool) *NodeView {
	path = tree.NormalizePath(path)
	var result *NodeView
	q.state.WithData(func() {
		node := q.state.Tree.Get(path)
		result = toNodeView(node, recursive, maxDepth, onlyPath, 0)
	})
	return result
}

// GetBlindSpotList returns the current blind-spot bookkeeping.
func (q *Query) GetBlindSpotList() BlindSpotList {
	var out BlindSpotList
	q.state.WithData(func() {
		for path := range q.state.BlindSpotAdditions {
			if node := q.state.Tree.Get(path); node != nil {
				out.Additions = append(out.Additions, toNodeView(node, false, nil, false, 0))
			}
		}
		out.AdditionsCount = len(out.Additions)
		for path := range q.state.BlindSpotDeletions {
			out.Deletions = append(out.Deletions, path)
		}
		out.DeletionCount = len(out.Deletions)
	})
	return out
}

// GetSuspectList returns a copy of the path -> expiry-monotonic-seconds
// map, intended for debugging/inspection endpoints.
func (q *Query) GetSuspectList() map[string]float64 {
	out := make(map[string]float64)
	q.state.WithData(func() {
		for path, s := range q.state.Suspects {
			out[path] = float64(s.ExpiryMonotonic.UnixNano()) / 1e9
		}
	})
	return out
}

// SearchFiles returns every file whose name contains query,
// case-insensitive.
func (q *Query) SearchFiles(query string) []*NodeView {
	needle := strings.ToLower(query)
	var results []*NodeView
	q.state.WithData(func() {
		var walk func(d *tree.Directory)
		walk = func(d *tree.Directory) {
			for _, child := range d.Children() {
				if childDir, ok := child.(*tree.Directory); ok {
					walk(childDir)
					continue
				}
				if strings.Contains(strings.ToLower(child.Name()), needle) {
					results = append(results, toNodeView(child, false, nil, false, 0))
				}
			}
		}
		walk(q.state.Tree.Root())
	})
	return results
}

// GetStats collects health/observability metrics for the view.
func (q *Query) GetStats() Stats {
	var out Stats
	q.state.WithData(func() {
		var oldestPath *string
		var oldestMtime float64
		found := false

		var fileCount, dirCount, suspectFileCount int
		var walk func(d *tree.Directory, isRoot bool)
		walk = func(d *tree.Directory, isRoot bool) {
			if !isRoot {
				dirCount++
				if !found || d.ModifiedTime() < oldestMtime {
					p := d.Path()
					oldestPath = &p
					oldestMtime = d.ModifiedTime()
					found = true
				}
			}
			for _, child := range d.Children() {
				if childDir, ok := child.(*tree.Directory); ok {
					walk(childDir, false)
					continue
				}
				fileCount++
				if child.(interface{ IntegritySuspect() bool }).IntegritySuspect() {
					suspectFileCount++
				}
			}
		}
		walk(q.state.Tree.Root(), true)

		logicalNow := q.state.Clock.GetWatermark()
		staleness := 0.0
		if found {
			staleness = logicalNow - oldestMtime
			if staleness < 0 {
				staleness = 0
			}
		}

		out = Stats{
			ItemCount:         fileCount + dirCount,
			TotalFiles:        fileCount,
			TotalDirectories:  dirCount,
			LatencyMs:         q.state.LastEventLatencyMs,
			StalenessSeconds:  staleness,
			OldestItemPath:    oldestPath,
			HasBlindSpot:      len(q.state.BlindSpotAdditions)+len(q.state.BlindSpotDeletions) > 0,
			SuspectFileCount:  suspectFileCount,
			LogicalNow:        logicalNow,
			LastAuditFinished: q.state.LastAuditFinishedAt,
			AuditCycleCount:   q.state.AuditCycleCount,
		}
	})
	return out
}
