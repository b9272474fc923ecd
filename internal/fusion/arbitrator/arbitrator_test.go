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

package arbitrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
)

func newTestState() *view.State {
	cfg := view.DefaultConfig()
	cfg.HotFileThreshold = 30
	return view.New("test-view", cfg)
}

func upsertEvent(path string, mtime float64, source event.Source) event.Event {
	return event.Event{
		EventType:     event.Update,
		MessageSource: source,
		Rows: []event.Row{
			{Path: path, ModifiedTime: mtime, Size: 10},
		},
	}
}

func deleteEvent(path string, mtime float64, source event.Source) event.Event {
	return event.Event{
		EventType:     event.Delete,
		MessageSource: source,
		Rows: []event.Row{
			{Path: path, ModifiedTime: mtime},
		},
	}
}

// TestTombstoneBlocksStaleReincarnation matches scenario: a Realtime
// delete tombstones a path; a subsequent compensatory (Audit) upsert
// carrying an older mtime than the tombstone must be dropped entirely.
func TestTombstoneBlocksStaleReincarnation(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/a/b.txt", 100, event.Realtime))
	a.ProcessEvent(deleteEvent("/a/b.txt", 105, event.Realtime))
	s.RUnlock()

	require.Nil(t, s.Tree.Get("/a/b.txt"))

	s.RLock()
	a.ProcessEvent(upsertEvent("/a/b.txt", 103, event.Audit))
	s.RUnlock()

	require.Nil(t, s.Tree.Get("/a/b.txt"), "stale audit reincarnation must stay dropped")
}

// TestTombstoneClearedByNewerMtime verifies that a reincarnation with a
// strictly newer mtime (beyond tombstoneEpsilon) clears the tombstone.
func TestTombstoneClearedByNewerMtime(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/a/b.txt", 100, event.Realtime))
	a.ProcessEvent(deleteEvent("/a/b.txt", 105, event.Realtime))
	a.ProcessEvent(upsertEvent("/a/b.txt", 200, event.Realtime))
	s.RUnlock()

	require.NotNil(t, s.Tree.Get("/a/b.txt"))
	require.NotContains(t, s.Tombstones, "/a/b.txt")
}

// TestRealtimeAtomicWriteClearsSuspect verifies that an atomic write
// reported over Realtime is never marked suspect.
func TestRealtimeAtomicWriteClearsSuspect(t *testing.T) {
	s := newTestState()
	a := New(s)

	ev := upsertEvent("/f.bin", 50, event.Realtime)
	ev.Rows[0].IsAtomicWrite = true

	s.RLock()
	a.ProcessEvent(ev)
	s.RUnlock()

	node := s.Tree.Get("/f.bin")
	require.NotNil(t, node)
	require.False(t, node.(interface{ IntegritySuspect() bool }).IntegritySuspect())
}

// TestRealtimeNonAtomicWriteMarksSuspect verifies a non-atomic Realtime
// write is provisionally marked suspect until cool-off.
func TestRealtimeNonAtomicWriteMarksSuspect(t *testing.T) {
	s := newTestState()
	a := New(s)

	ev := upsertEvent("/f.bin", 50, event.Realtime)
	ev.Rows[0].IsAtomicWrite = false

	s.RLock()
	a.ProcessEvent(ev)
	s.RUnlock()

	node := s.Tree.Get("/f.bin")
	require.NotNil(t, node)
	require.True(t, node.(interface{ IntegritySuspect() bool }).IntegritySuspect())
	require.Contains(t, s.Suspects, "/f.bin")
}

// TestCompensatoryUpsertDoesNotRegressNewerRealtime verifies a Snapshot
// or Audit row carrying an older mtime than what Realtime already
// reported does not clobber the existing node (Stale-Evidence
// Protection).
func TestCompensatoryUpsertDoesNotRegressNewerRealtime(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/f.bin", 500, event.Realtime))
	a.ProcessEvent(upsertEvent("/f.bin", 100, event.Audit))
	s.RUnlock()

	node := s.Tree.Get("/f.bin")
	require.NotNil(t, node)
	require.Equal(t, 500.0, node.(interface{ ModifiedTime() float64 }).ModifiedTime())
}

// TestSnapshotObservationMarksKnownByAgent verifies a Snapshot upsert of
// a never-before-seen path marks it known (Tier 2 authority), unlike a
// bare Audit discovery.
func TestSnapshotObservationMarksKnownByAgent(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/new.txt", 10, event.Snapshot))
	s.RUnlock()

	node := s.Tree.Get("/new.txt")
	require.NotNil(t, node)
	require.True(t, node.(interface{ KnownByAgent() bool }).KnownByAgent())
	require.NotContains(t, s.BlindSpotAdditions, "/new.txt")
}

// TestAuditOnlyDiscoveryIsBlindSpot verifies a path whose only
// observation is an Audit (Tier 3) mtime-change is flagged as a
// blind-spot addition and not marked known.
func TestAuditOnlyDiscoveryIsBlindSpot(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/hidden.txt", 10, event.Audit))
	s.RUnlock()

	node := s.Tree.Get("/hidden.txt")
	require.NotNil(t, node)
	require.False(t, node.(interface{ KnownByAgent() bool }).KnownByAgent())
	require.Contains(t, s.BlindSpotAdditions, "/hidden.txt")
}

// TestDeleteClearsSuspectAndBlindSpots verifies a Realtime delete wipes
// the suspect and blind-spot bookkeeping for the removed path and
// leaves a tombstone.
func TestDeleteClearsSuspectAndBlindSpots(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.RLock()
	a.ProcessEvent(upsertEvent("/hidden.txt", 10, event.Audit))
	require.Contains(t, s.BlindSpotAdditions, "/hidden.txt")

	a.ProcessEvent(deleteEvent("/hidden.txt", 20, event.Realtime))
	s.RUnlock()

	require.NotContains(t, s.BlindSpotAdditions, "/hidden.txt")
	require.NotContains(t, s.Suspects, "/hidden.txt")
	require.Nil(t, s.Tree.Get("/hidden.txt"))
	require.Contains(t, s.Tombstones, "/hidden.txt")
}

// TestCleanupExpiredSuspectsStabilizesUnchangedNode verifies that once
// a suspect's expiry passes with no mtime change, the cleanup sweep
// clears it.
func TestCleanupExpiredSuspectsStabilizesUnchangedNode(t *testing.T) {
	s := newTestState()
	s.Config.SuspectCleanupInterval = 0
	s.Config.HotFileThreshold = 0
	a := New(s)

	ev := upsertEvent("/f.bin", 50, event.Realtime)
	s.RLock()
	a.ProcessEvent(ev)
	s.RUnlock()

	require.Contains(t, s.Suspects, "/f.bin")

	time.Sleep(time.Millisecond)

	s.RLock()
	a.CleanupExpiredSuspects()
	s.RUnlock()

	require.NotContains(t, s.Suspects, "/f.bin")
}
