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

// Package arbitrator implements the smart-merge logic that fuses
// heterogeneous event streams from multiple agents into one
// authoritative tree: tombstone protection, suspect/blind-spot
// bookkeeping, and clock-skew-tolerant staleness checks. This is the
// core of the consistency engine described in spec.md §4.4.
package arbitrator

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/tree"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
	"github.com/excelwang/fustor-sub001/internal/metrics"
)

// floatEpsilon is the tolerance used for float mtime equality
// comparisons.
const floatEpsilon = 1e-6

// tombstoneEpsilon is the buffer required for a reincarnation mtime to
// clear a tombstone, guarding against mtime values equal to the
// tombstone's logical timestamp being treated as newer due to float
// rounding.
const tombstoneEpsilon = 1e-5

// Arbitrator applies Event rows to one view's State.
type Arbitrator struct {
	state  *view.State
	logger *log.Entry
}

// New constructs an Arbitrator over state.
func New(state *view.State) *Arbitrator {
	return &Arbitrator{
		state:  state,
		logger: log.WithField("component", "arbitrator").WithField("view", state.ViewID),
	}
}

// ProcessEvent applies every row of ev to the view, in order. Per
// spec.md §5, this is a reader with respect to the view's audit
// barrier: callers must hold state.RLock for the duration.
func (a *Arbitrator) ProcessEvent(ev event.Event) {
	if len(ev.Rows) == 0 {
		return
	}

	isRealtime := ev.MessageSource == event.Realtime
	isAudit := ev.MessageSource == event.Audit

	if isAudit {
		a.state.WithData(func() {
			if a.state.LastAuditStart == nil {
				now := nowPhysical()
				a.state.LastAuditStart = &now
				a.logger.Infof("auto-detected audit start at %v", now)
			}
		})
	}

	for _, row := range ev.Rows {
		path := tree.NormalizePath(row.Path)
		if path == "" {
			continue
		}

		a.state.Clock.Update(row.ModifiedTime, isRealtime)
		watermark := a.state.Clock.GetWatermark()
		a.state.WithData(func() {
			a.state.LastEventLatencyMs = math.Max(0, (watermark-row.ModifiedTime)*1000.0)
		})
		metrics.EventLatencyMS.WithLabelValues(a.state.ViewID).Set(a.state.LastEventLatencyMs)

		if isAudit {
			a.state.WithData(func() {
				a.state.AuditSeenPaths[path] = struct{}{}
				if ev.EventType != event.Delete {
					delete(a.state.BlindSpotDeletions, path)
				}
			})
		}

		switch ev.EventType {
		case event.Delete:
			a.handleDelete(path, isRealtime, row.ModifiedTime)
		case event.Insert, event.Update:
			a.handleUpsert(path, row, ev.MessageSource, isRealtime, watermark)
		}
	}
}

func nowPhysical() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func (a *Arbitrator) handleDelete(path string, isRealtime bool, mtime float64) {
	a.state.WithData(func() {
		if isRealtime {
			a.state.Tree.Delete(path)

			logicalTS := a.state.Clock.GetWatermark()
			a.state.Tombstones[path] = view.Tombstone{LogicalMtime: logicalTS, PhysicalDeleteTS: nowPhysical()}
			metrics.TombstonesCreated.WithLabelValues(a.state.ViewID).Inc()

			delete(a.state.Suspects, path)
			altPath := alternateLeadingSlash(path)
			delete(a.state.Suspects, altPath)

			delete(a.state.BlindSpotDeletions, path)
			delete(a.state.BlindSpotAdditions, path)
			return
		}

		// Compensatory (Audit/Snapshot/OnDemand) delete: rare, since
		// these sources normally report presence, not absence.
		if _, tombstoned := a.state.Tombstones[path]; tombstoned {
			return
		}

		if existing := a.state.Tree.Get(path); existing != nil {
			if existing.(modTimer).ModifiedTime() > mtime {
				return
			}
		}

		a.state.Tree.Delete(path)
		a.state.BlindSpotDeletions[path] = struct{}{}
		metrics.BlindSpotsCreated.WithLabelValues(a.state.ViewID).Inc()
		delete(a.state.Suspects, path)
		delete(a.state.BlindSpotAdditions, path)
	})
}

// alternateLeadingSlash flips the presence of a leading slash, a
// defensive cleanup against agents that occasionally emit paths
// without normalization (see SPEC_FULL.md §9).
func alternateLeadingSlash(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return "/" + path
}

func (a *Arbitrator) handleUpsert(path string, row event.Row, source event.Source, isRealtime bool, watermark float64) {
	var dropped bool
	a.state.WithData(func() {
		if ts, ok := a.state.Tombstones[path]; ok {
			if row.ModifiedTime > ts.LogicalMtime+tombstoneEpsilon {
				delete(a.state.Tombstones, path)
			} else {
				dropped = true
			}
		}
	})
	if dropped {
		return
	}

	isCompensation := source.IsCompensation()
	isSnapshot := source == event.Snapshot

	if isCompensation {
		var stale bool
		a.state.WithData(func() {
			existing := a.state.Tree.Get(path)
			if existing != nil {
				em := existing.(modTimer).ModifiedTime()
				if !row.AuditSkipped && em >= row.ModifiedTime {
					stale = true
					return
				}
			}
			if source == event.Audit && existing == nil {
				// Parent-mtime freshness: if the in-memory parent has
				// been updated by a newer signal than what audit saw
				// for it, the audit observation of this child is
				// itself stale and must be dropped.
				parentPath := tree.NormalizePath(row.ParentPath)
				if parentPath != "" {
					if parent := a.state.Tree.Get(parentPath); parent != nil {
						if parent.(modTimer).ModifiedTime() > row.ParentMtime {
							stale = true
						}
					}
				}
			}
		})
		if stale {
			return
		}
	}

	lastUpdatedAt := 0.0
	a.state.WithData(func() {
		if existing := a.state.Tree.Get(path); existing != nil {
			lastUpdatedAt = existing.(lastUpdater).LastUpdatedAt()
		}
	})
	if isRealtime {
		lastUpdatedAt = nowPhysical()
	}

	var node tree.Node
	var oldMtime float64
	var existedBefore bool
	a.state.WithData(func() {
		if existing := a.state.Tree.Get(path); existing != nil {
			existedBefore = true
			oldMtime = existing.(modTimer).ModifiedTime()
		}
		node = a.state.Tree.Upsert(path, row.Size, row.ModifiedTime, row.CreatedTime, row.IsDirectory, row.AuditSkipped, lastUpdatedAt)
	})
	if node == nil {
		return
	}

	a.state.WithData(func() {
		a.applyAuthorityEffects(path, node, row, source, isRealtime, isSnapshot, existedBefore, oldMtime, watermark)
	})
}

type modTimer interface{ ModifiedTime() float64 }
type lastUpdater interface{ LastUpdatedAt() float64 }

// applyAuthorityEffects implements spec.md §4.4.2d. Must be called
// from within WithData.
func (a *Arbitrator) applyAuthorityEffects(
	path string, node tree.Node, row event.Row, source event.Source,
	isRealtime, isSnapshot, existedBefore bool, oldMtime, watermark float64,
) {
	if isRealtime {
		if row.IsAtomicWrite {
			if _, wasSuspect := a.state.Suspects[path]; wasSuspect {
				metrics.SuspectsExpired.WithLabelValues(a.state.ViewID).Inc()
			}
			delete(a.state.Suspects, path)
			tree.SetSuspect(node, false)
		} else {
			if _, alreadySuspect := a.state.Suspects[path]; !alreadySuspect {
				metrics.SuspectsCreated.WithLabelValues(a.state.ViewID).Inc()
			}
			expiry := time.Now().Add(time.Duration(a.state.Config.HotFileThreshold * float64(time.Second)))
			a.state.PushSuspect(path, expiry, row.ModifiedTime)
			tree.SetSuspect(node, true)
		}
		delete(a.state.BlindSpotDeletions, path)
		delete(a.state.BlindSpotAdditions, path)
		tree.SetKnownByAgent(node, true)
		return
	}

	age := watermark - row.ModifiedTime
	mtimeChanged := !existedBefore || math.Abs(oldMtime-row.ModifiedTime) > floatEpsilon

	if mtimeChanged {
		if isSnapshot {
			tree.SetKnownByAgent(node, true)
			if _, wasBlindSpot := a.state.BlindSpotAdditions[path]; wasBlindSpot {
				metrics.BlindSpotsCleared.WithLabelValues(a.state.ViewID).Inc()
			}
			delete(a.state.BlindSpotAdditions, path)
		} else {
			if _, alreadyBlindSpot := a.state.BlindSpotAdditions[path]; !alreadyBlindSpot {
				metrics.BlindSpotsCreated.WithLabelValues(a.state.ViewID).Inc()
			}
			a.state.BlindSpotAdditions[path] = struct{}{}
			tree.SetKnownByAgent(node, false)
		}

		if age < a.state.Config.HotFileThreshold {
			tree.SetSuspect(node, true)
			if _, alreadySuspect := a.state.Suspects[path]; !alreadySuspect {
				metrics.SuspectsCreated.WithLabelValues(a.state.ViewID).Inc()
				remaining := math.Min(a.state.Config.HotFileThreshold, a.state.Config.HotFileThreshold-age)
				if remaining < 0 {
					remaining = 0
				}
				expiry := time.Now().Add(time.Duration(remaining * float64(time.Second)))
				a.state.PushSuspect(path, expiry, row.ModifiedTime)
			}
		} else {
			if _, wasSuspect := a.state.Suspects[path]; wasSuspect {
				metrics.SuspectsExpired.WithLabelValues(a.state.ViewID).Inc()
			}
			tree.SetSuspect(node, false)
			delete(a.state.Suspects, path)
		}
		return
	}

	if isSnapshot {
		tree.SetKnownByAgent(node, true)
		if _, wasBlindSpot := a.state.BlindSpotAdditions[path]; wasBlindSpot {
			metrics.BlindSpotsCleared.WithLabelValues(a.state.ViewID).Inc()
		}
		delete(a.state.BlindSpotAdditions, path)
	}
	if age >= a.state.Config.HotFileThreshold {
		if _, wasSuspect := a.state.Suspects[path]; wasSuspect {
			metrics.SuspectsExpired.WithLabelValues(a.state.ViewID).Inc()
		}
		tree.SetSuspect(node, false)
		delete(a.state.Suspects, path)
	}
}

// CleanupExpiredSuspects implements spec.md §4.4.3's periodic stability
// sweep. Callers should hold state.RLock (this is a reader, like
// ProcessEvent). Returns the number of suspects processed.
func (a *Arbitrator) CleanupExpiredSuspects() int {
	now := time.Now()
	processed := 0
	a.state.WithData(func() {
		if !a.state.ShouldRunSuspectCleanup(now) {
			return
		}
		a.state.PopExpiredSuspects(now, func(path string, cur view.Suspect) {
			processed++
			node := a.state.Tree.Get(path)
			if node == nil {
				delete(a.state.Suspects, path)
				return
			}
			if math.Abs(node.(modTimer).ModifiedTime()-cur.MtimeAtMarking) > floatEpsilon {
				// Active: renew.
				newExpiry := now.Add(time.Duration(a.state.Config.HotFileThreshold * float64(time.Second)))
				a.state.PushSuspect(path, newExpiry, node.(modTimer).ModifiedTime())
			} else {
				// Stable: cool-off complete.
				delete(a.state.Suspects, path)
				tree.SetSuspect(node, false)
				metrics.SuspectsExpired.WithLabelValues(a.state.ViewID).Inc()
			}
		})
	})
	return processed
}

// UpdateSuspect resolves a suspect using a fresh stat() result from a
// sentinel check (spec.md §4.4.4). Sentinel feedback never samples
// clock skew: it often targets files well past their hot window, and
// letting that "lag" into the skew histogram would pollute the skew
// estimate used elsewhere. size may be nil when the substrate did not
// report one.
//
// Apart from feeding mtime to the clock watermark, a path not currently
// in the suspect list is a no-op: sentinel checks are scoped to
// confirming suspects, not general ingestion.
func (a *Arbitrator) UpdateSuspect(path string, mtime float64, size *int64) {
	a.state.Clock.Update(mtime, false)

	a.state.WithData(func() {
		if _, tracked := a.state.Suspects[path]; !tracked {
			return
		}
		node := a.state.Tree.Get(path)
		if node == nil {
			delete(a.state.Suspects, path)
			return
		}

		oldMtime := node.(modTimer).ModifiedTime()
		watermark := a.state.Clock.GetWatermark()
		skew := a.state.Clock.GetSkew()

		isRawStable := math.Abs(oldMtime-mtime) < floatEpsilon
		isSkewStable := math.Abs(oldMtime-(mtime+skew)) < floatEpsilon
		isMtimeStable := isRawStable
		reportMtime := mtime
		if isSkewStable && !isRawStable {
			// A skewed agent reports mtime+skew; once corrected it
			// matches what we already have on file, so treat it as
			// stable and leave the node's mtime untouched.
			isMtimeStable = true
			reportMtime = oldMtime
		}

		isSizeStable := true
		if size != nil {
			isSizeStable = node.(sizer).Size() == *size
		}
		isStable := isMtimeStable && isSizeStable

		logicalAge := watermark - mtime
		physicalAge := (watermark + skew) - mtime
		age := math.Min(logicalAge, physicalAge)
		isHot := age < a.state.Config.HotFileThreshold

		if isStable {
			if !isHot {
				delete(a.state.Suspects, path)
				tree.SetSuspect(node, false)
				metrics.SuspectsExpired.WithLabelValues(a.state.ViewID).Inc()
			}
			// Stable but still hot: leave it for the TTL sweep to prove
			// stability over time.
			return
		}

		node = a.state.Tree.Upsert(path, sizeOrKeep(node, size), reportMtime, node.(createTimer).CreatedTime(), node.IsDir(), false, node.(lastUpdater).LastUpdatedAt())
		tree.SetSuspect(node, true)
		expiry := time.Now().Add(time.Duration(a.state.Config.HotFileThreshold * float64(time.Second)))
		a.state.PushSuspect(path, expiry, reportMtime)
	})
}

func sizeOrKeep(node tree.Node, size *int64) int64 {
	if size != nil {
		return *size
	}
	return node.(sizer).Size()
}

type createTimer interface{ CreatedTime() float64 }
type sizer interface{ Size() int64 }
