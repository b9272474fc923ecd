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

// Package driver wires one view's State, Arbitrator, audit Coordinator
// and Query together behind the small set of operations the Fusion
// receiver and session manager actually call: process_event,
// audit-start/end, session lifecycle hooks, reset, and the read-only
// query surface. It is the composition root for a single view,
// mirroring how the teacher's logical replication loop composes a
// Conn's Appliers/Stagers/Watchers behind one entry point.
package driver

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/arbitrator"
	"github.com/excelwang/fustor-sub001/internal/fusion/audit"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
)

// Driver is the per-view entry point. Safe for concurrent use: every
// method takes the correct side (reader or writer) of the view's
// consistency lock internally.
type Driver struct {
	ViewID string

	state      *view.State
	arbitrator *arbitrator.Arbitrator
	audit      *audit.Coordinator
	query      *view.Query

	jobMu         sync.Mutex
	completedJobs map[string]struct{}

	logger *log.Entry
}

// New constructs a Driver for viewID with cfg.
func New(viewID string, cfg view.Config) *Driver {
	state := view.New(viewID, cfg)
	return &Driver{
		ViewID:        viewID,
		state:         state,
		arbitrator:    arbitrator.New(state),
		audit:         audit.New(state),
		query:         view.NewQuery(state),
		completedJobs: make(map[string]struct{}),
		logger:        log.WithField("component", "view-driver").WithField("view", viewID),
	}
}

// MarkJobComplete records that an on-demand scan job (spec.md §4.5/§4.6)
// finished ingesting, so a query blocked on its completion can retry.
func (d *Driver) MarkJobComplete(jobID string) {
	if jobID == "" {
		return
	}
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	d.completedJobs[jobID] = struct{}{}
}

// JobComplete reports whether jobID has finished, consuming the record
// so the map does not grow unbounded across the view's lifetime.
func (d *Driver) JobComplete(jobID string) bool {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	_, ok := d.completedJobs[jobID]
	if ok {
		delete(d.completedJobs, jobID)
	}
	return ok
}

// ProcessEvent is the entry point for all events (Realtime, Snapshot,
// Audit, OnDemand). A reader with respect to the audit barrier.
func (d *Driver) ProcessEvent(ev event.Event) {
	d.state.RLock()
	defer d.state.RUnlock()
	d.arbitrator.ProcessEvent(ev)
}

// HandleAuditStart brackets the beginning of a full audit cycle. A
// writer: blocks until every in-flight reader (ProcessEvent, queries,
// sentinel updates) has released the lock.
func (d *Driver) HandleAuditStart() {
	d.state.Lock()
	defer d.state.Unlock()
	d.audit.HandleStart()
}

// HandleAuditEnd closes the audit cycle and runs the missing-item
// sweep. A writer.
func (d *Driver) HandleAuditEnd() {
	d.state.Lock()
	defer d.state.Unlock()
	d.audit.HandleEnd()
}

// CleanupExpiredSuspects runs the periodic suspect-stability sweep. A
// reader: it only touches the suspect bookkeeping and node flags, never
// the audit barrier.
func (d *Driver) CleanupExpiredSuspects() int {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.arbitrator.CleanupExpiredSuspects()
}

// UpdateSuspect applies sentinel feedback for a single path. A reader.
func (d *Driver) UpdateSuspect(path string, mtime float64, size *int64) {
	d.state.RLock()
	defer d.state.RUnlock()
	d.arbitrator.UpdateSuspect(path, mtime, size)
}

// OnSessionStart invalidates any in-progress audit cycle and clears
// blind-spot bookkeeping: a new session sequence may rediscover them
// fresh, and stale blind-spot entries from the previous session would
// otherwise linger forever. A writer.
func (d *Driver) OnSessionStart() {
	d.state.Lock()
	defer d.state.Unlock()
	d.state.WithData(func() {
		d.state.LastAuditStart = nil
		d.state.AuditSeenPaths = make(map[string]struct{})
		d.state.BlindSpotAdditions = make(map[string]struct{})
		d.state.BlindSpotDeletions = make(map[string]struct{})
	})
	d.logger.Info("new session sequence started; cleared audit buffer and blind-spot lists")
}

// OnSessionClose is a no-op for the generic filesystem view: it does
// not reset state purely because one session closed, since other
// sessions for the same view may still be live.
func (d *Driver) OnSessionClose() {}

// Reset wipes the view back to empty, affecting only this view's
// in-memory state; global session bookkeeping is untouched. A writer.
func (d *Driver) Reset() {
	d.state.Lock()
	defer d.state.Unlock()
	d.state.Reset()
	d.logger.Info("view state reset")
}

// GetDirectoryTree, GetBlindSpotList, GetSuspectList, SearchFiles and
// GetStats delegate to the read-only Query surface, each taking the
// reader side of the lock.

func (d *Driver) GetDirectoryTree(path string, recursive bool, maxDepth *int, onlyPath bool) *view.NodeView {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.query.GetDirectoryTree(path, recursive, maxDepth, onlyPath)
}

func (d *Driver) GetBlindSpotList() view.BlindSpotList {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.query.GetBlindSpotList()
}

func (d *Driver) GetSuspectList() map[string]float64 {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.query.GetSuspectList()
}

func (d *Driver) SearchFiles(q string) []*view.NodeView {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.query.SearchFiles(q)
}

func (d *Driver) GetStats() view.Stats {
	d.state.RLock()
	defer d.state.RUnlock()
	return d.query.GetStats()
}
