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

// Package audit coordinates one view's periodic full-tree audit
// cycles: start/end bracketing, late-start detection, and the
// missing-item sweep that turns "audit didn't see this path" into a
// blind-spot deletion, subject to Stale-Evidence Protection.
package audit

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/fusion/tree"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
	"github.com/excelwang/fustor-sub001/internal/metrics"
)

// lateStartThreshold is the window after a prior Start within which a
// repeated Start, once paths have been observed, is treated as a late
// duplicate of the current cycle rather than a new one.
const lateStartThreshold = 5 * time.Second

// Coordinator brackets one view's audit cycles.
type Coordinator struct {
	state  *view.State
	logger *log.Entry
}

// New constructs a Coordinator over state.
func New(state *view.State) *Coordinator {
	return &Coordinator{
		state:  state,
		logger: log.WithField("component", "audit").WithField("view", state.ViewID),
	}
}

// HandleStart marks the beginning of a full audit pass. Callers must
// hold the view's exclusive Lock (audit start/end are writers, per
// spec.md §5).
//
// If a start arrives within lateStartThreshold of a prior start that
// never closed and some paths have already been observed, the observed
// set is preserved rather than cleared: this is a late duplicate start
// signal, not a new cycle.
func (c *Coordinator) HandleStart() {
	c.state.WithData(func() {
		now := nowPhysical()
		isLateStart := false
		if c.state.LastAuditStart != nil &&
			now-*c.state.LastAuditStart < lateStartThreshold.Seconds() &&
			len(c.state.AuditSeenPaths) > 0 {
			isLateStart = true
			c.logger.Info("audit start signal received late; preserving observed flags")
		}

		c.state.LastAuditStart = &now
		if !isLateStart {
			c.state.AuditSeenPaths = make(map[string]struct{})
		}
	})
}

func nowPhysical() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// HandleEnd closes the audit cycle: it drops expired tombstones and
// runs the missing-item sweep (sweepMissingLocked), which deletes as
// blind spots the unreported children of directories this cycle
// visited, unless Stale-Evidence Protection shows a child was confirmed
// by a Realtime signal after the cycle started. Callers must hold the
// view's exclusive Lock.
func (c *Coordinator) HandleEnd() {
	c.state.WithData(func() {
		if c.state.LastAuditStart == nil {
			c.logger.Warn("audit end received with no matching start; ignoring")
			return
		}
		cycleStart := *c.state.LastAuditStart

		c.cleanupExpiredTombstonesLocked()
		c.sweepMissingLocked(cycleStart)

		c.state.LastAuditStart = nil
		c.state.LastAuditFinishedAt = nowPhysical()
		c.state.AuditCycleCount++
		c.state.AuditSeenPaths = make(map[string]struct{})
		metrics.AuditCycles.WithLabelValues(c.state.ViewID).Inc()
	})
}

// cleanupExpiredTombstonesLocked drops tombstones whose TTL has
// elapsed, so that a very old deletion does not block reincarnation
// forever. Must be called from within WithData.
func (c *Coordinator) cleanupExpiredTombstonesLocked() {
	now := nowPhysical()
	ttl := c.state.Config.TombstoneTTLSeconds
	for path, ts := range c.state.Tombstones {
		if now-ts.PhysicalDeleteTS > ttl {
			delete(c.state.Tombstones, path)
			metrics.TombstonesExpired.WithLabelValues(c.state.ViewID).Inc()
		}
	}
}

// sweepMissingLocked examines only the directories this audit cycle
// actually visited (AuditSeenPaths). For each such directory that was
// not itself flagged audit-skipped (the silent-directory optimisation),
// every child not also present in AuditSeenPaths is a candidate for a
// blind-spot deletion, unless a tombstone already covers it or
// Stale-Evidence Protection shows it was realtime-confirmed after the
// cycle began. A directory never visited this cycle is left untouched:
// its absence from AuditSeenPaths says nothing about its children.
// Must be called from within WithData.
func (c *Coordinator) sweepMissingLocked(cycleStart float64) {
	var missing []string

	for path := range c.state.AuditSeenPaths {
		node := c.state.Tree.Get(path)
		dirNode, ok := node.(*tree.Directory)
		if !ok || dirNode.AuditSkipped() {
			continue
		}

		for _, child := range dirNode.Children() {
			childPath := child.Path()
			if _, seen := c.state.AuditSeenPaths[childPath]; seen {
				continue
			}
			if _, tombstoned := c.state.Tombstones[childPath]; tombstoned {
				continue
			}
			if child.LastUpdatedAt() > cycleStart {
				c.logger.WithField("path", childPath).Debug("stale-evidence protection: preserving node from audit sweep")
				continue
			}
			if childPath == "/" {
				c.logger.Warn("safety check: audit sweep attempted to delete root directory, blocked")
				continue
			}
			missing = append(missing, childPath)
		}
	}

	for _, path := range missing {
		c.state.Tree.Delete(path)
		c.state.BlindSpotDeletions[path] = struct{}{}
		metrics.BlindSpotsCreated.WithLabelValues(c.state.ViewID).Inc()
		delete(c.state.BlindSpotAdditions, path)
		delete(c.state.Suspects, path)
		c.logger.WithField("path", path).Info("blind-spot deletion detected by audit sweep")
	}
}
