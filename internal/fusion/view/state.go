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

// Package view holds the per-view in-memory state described by
// spec.md §3: the tree, tombstones, suspects, blind-spot sets, audit
// bookkeeping, and the logical clock, guarded by the reader/writer
// discipline of spec.md §5.
package view

import (
	"container/heap"
	"sync"
	"time"

	"github.com/excelwang/fustor-sub001/internal/clock"
	"github.com/excelwang/fustor-sub001/internal/fusion/tree"
)

// Tombstone records a deletion, blocking reincarnation by stale
// observations until a strictly newer mtime arrives.
type Tombstone struct {
	LogicalMtime     float64
	PhysicalDeleteTS float64
}

// Suspect records a node whose state is not yet trusted.
type Suspect struct {
	ExpiryMonotonic time.Time
	MtimeAtMarking  float64
}

// heapItem is the suspect min-heap's element, keyed by expiry. Stale
// entries (invalidated by a renewal that pushed a fresh item without
// removing the old one) are detected on pop by comparing against the
// authoritative Suspects map, per spec.md §9's "heap with invalidatable
// entries" design note.
type heapItem struct {
	expiry time.Time
	path   string
}

type suspectHeap []heapItem

func (h suspectHeap) Len() int            { return len(h) }
func (h suspectHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h suspectHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *suspectHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *suspectHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config bundles the per-view knobs that the arbitrator and audit
// coordinator consult.
type Config struct {
	HotFileThreshold       float64
	TombstoneTTLSeconds    float64
	SuspectCleanupInterval time.Duration
	MaxNodes               int
}

// DefaultConfig matches the defaults named in spec.md §4.3/§4.4.5.
func DefaultConfig() Config {
	return Config{
		HotFileThreshold:       30,
		TombstoneTTLSeconds:    3600,
		SuspectCleanupInterval: 500 * time.Millisecond,
		MaxNodes:               0,
	}
}

// State is the complete per-view model. The zero value is not usable;
// construct with New.
//
// Locking: barrier follows spec.md §5's reader/writer split exactly —
// consistencyLock.RLock is held by process_event, GetTree, Search,
// GetStats and sentinel updates, while handle_audit_start,
// handle_audit_end, Reset and on_session_start take the exclusive
// Lock. Go's sync.RWMutex already blocks new readers once a writer is
// waiting, giving the writer-non-starvation property spec.md §5
// requires without an extra library. Because concurrently-held RLocks
// still let multiple goroutines race on the same Go maps, a second,
// plain dataMu protects the actual map/heap mutations; callers that
// already hold the RWMutex acquire dataMu around their critical
// section instead of re-entering consistencyLock.
type State struct {
	ViewID string
	Config Config

	Tree  *tree.Manager
	Clock *clock.Clock

	consistencyLock sync.RWMutex
	dataMu          sync.Mutex

	Tombstones         map[string]Tombstone
	Suspects           map[string]Suspect
	suspectHeap        suspectHeap
	BlindSpotAdditions map[string]struct{}
	BlindSpotDeletions map[string]struct{}
	AuditSeenPaths     map[string]struct{}

	LastAuditStart      *float64 // physical unix seconds; nil when no audit in progress
	LastAuditFinishedAt float64
	AuditCycleCount     int

	LastEventLatencyMs     float64
	lastSuspectCleanupMono time.Time
}

// New constructs an empty view state.
func New(viewID string, cfg Config) *State {
	return &State{
		ViewID:             viewID,
		Config:             cfg,
		Tree:               tree.NewManager(viewID, cfg.MaxNodes),
		Clock:              clock.New(),
		Tombstones:         make(map[string]Tombstone),
		Suspects:           make(map[string]Suspect),
		BlindSpotAdditions: make(map[string]struct{}),
		BlindSpotDeletions: make(map[string]struct{}),
		AuditSeenPaths:     make(map[string]struct{}),
	}
}

// RLock / RUnlock implement the reader side of the discipline.
func (s *State) RLock()   { s.consistencyLock.RLock() }
func (s *State) RUnlock() { s.consistencyLock.RUnlock() }

// Lock / Unlock implement the exclusive writer side, used by audit
// start/end and Reset.
func (s *State) Lock()   { s.consistencyLock.Lock() }
func (s *State) Unlock() { s.consistencyLock.Unlock() }

// WithData runs fn with the internal data mutex held. Callers must
// already hold either RLock or Lock on the State.
func (s *State) WithData(fn func()) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	fn()
}

// pushSuspectHeap pushes a new heap entry for path with the given expiry.
// Must be called from within WithData.
func (s *State) pushSuspectHeap(path string, expiry time.Time) {
	heap.Push(&s.suspectHeap, heapItem{expiry: expiry, path: path})
}

// PushSuspect records or renews a suspect and pushes its heap entry.
// Must be called from within WithData.
func (s *State) PushSuspect(path string, expiry time.Time, mtime float64) {
	s.Suspects[path] = Suspect{ExpiryMonotonic: expiry, MtimeAtMarking: mtime}
	s.pushSuspectHeap(path, expiry)
}

// PopExpiredSuspects pops every heap entry whose expiry has passed
// `now`, invoking fn(path, cur) for each entry that still matches the
// authoritative Suspects map, where cur is the current Suspect. Entries
// whose path is no longer a suspect, or that were superseded by a
// renewal, are discarded without calling fn. fn decides whether to
// clear or renew; renewal is the caller's responsibility via
// PushSuspect.
//
// Must be called from within WithData.
func (s *State) PopExpiredSuspects(now time.Time, fn func(path string, cur Suspect)) {
	for len(s.suspectHeap) > 0 && !s.suspectHeap[0].expiry.After(now) {
		item := heap.Pop(&s.suspectHeap).(heapItem)
		cur, ok := s.Suspects[item.path]
		if !ok {
			continue
		}
		if !cur.ExpiryMonotonic.Equal(item.expiry) {
			// Stale entry: a renewal already pushed a fresher one.
			continue
		}
		fn(item.path, cur)
	}
}

// ShouldRunSuspectCleanup reports whether enough time has passed since
// the last sweep, and if so records now as the new last-run time.
// Must be called from within WithData.
func (s *State) ShouldRunSuspectCleanup(now time.Time) bool {
	if now.Sub(s.lastSuspectCleanupMono) < s.Config.SuspectCleanupInterval {
		return false
	}
	s.lastSuspectCleanupMono = now
	return true
}

// ClearSuspect removes path from the suspect map (the heap entry, if
// any, is left to be discarded lazily on pop) and clears the node's
// integrity-suspect flag if it still exists.
// Must be called from within WithData.
func (s *State) ClearSuspect(path string) {
	delete(s.Suspects, path)
	tree.SetSuspect(s.Tree.Get(path), false)
}

// Reset wipes the view back to an empty tree and clears all
// consistency bookkeeping. Callers must hold the exclusive Lock.
func (s *State) Reset() {
	s.WithData(func() {
		s.Tree = tree.NewManager(s.ViewID, s.Config.MaxNodes)
		s.Tombstones = make(map[string]Tombstone)
		s.Suspects = make(map[string]Suspect)
		s.suspectHeap = nil
		s.BlindSpotAdditions = make(map[string]struct{})
		s.BlindSpotDeletions = make(map[string]struct{})
		s.AuditSeenPaths = make(map[string]struct{})
		s.LastAuditStart = nil
		s.LastEventLatencyMs = 0
	})
	s.Clock.Reset(0)
}
