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

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub001/internal/fusion/view"
)

func newTestState() *view.State {
	return view.New("test-view", view.DefaultConfig())
}

// TestMissingChildIsBlindSpotDeleted verifies that a child of a visited
// directory that the audit never re-observed is deleted and flagged.
func TestMissingChildIsBlindSpotDeleted(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.Lock()
	s.Tree.Upsert("/a", 0, 1, 1, true, false, 0)
	s.Tree.Upsert("/a/b.txt", 10, 1, 1, false, false, 0)
	s.Unlock()

	s.Lock()
	a.HandleStart()
	s.WithData(func() {
		s.AuditSeenPaths["/a"] = struct{}{}
		// /a/b.txt deliberately not marked seen this cycle.
	})
	a.HandleEnd()
	s.Unlock()

	require.Nil(t, s.Tree.Get("/a/b.txt"))
	require.Contains(t, s.BlindSpotDeletions, "/a/b.txt")
}

// TestStaleEvidenceProtectionPreservesFreshNode verifies a child
// realtime-confirmed after the audit cycle began survives the sweep
// even though audit never saw it.
func TestStaleEvidenceProtectionPreservesFreshNode(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.Lock()
	s.Tree.Upsert("/a", 0, 1, 1, true, false, 0)
	s.Unlock()

	s.Lock()
	a.HandleStart()
	cycleStart := *s.LastAuditStart
	s.Unlock()

	s.Lock()
	s.Tree.Upsert("/a/fresh.txt", 10, 5, 5, false, false, cycleStart+10)
	s.WithData(func() {
		s.AuditSeenPaths["/a"] = struct{}{}
	})
	a.HandleEnd()
	s.Unlock()

	require.NotNil(t, s.Tree.Get("/a/fresh.txt"))
	require.NotContains(t, s.BlindSpotDeletions, "/a/fresh.txt")
}

// TestAuditSkippedDirectorySurvivesWithoutScanningChildren verifies the
// silent-directory optimisation: a directory marked AuditSkipped is not
// examined for missing children even if visited.
func TestAuditSkippedDirectorySurvivesWithoutScanningChildren(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.Lock()
	s.Tree.Upsert("/a", 0, 1, 1, true, true, 0) // auditSkipped=true
	s.Tree.Upsert("/a/b.txt", 10, 1, 1, false, false, 0)
	s.Unlock()

	s.Lock()
	a.HandleStart()
	s.WithData(func() {
		s.AuditSeenPaths["/a"] = struct{}{}
	})
	a.HandleEnd()
	s.Unlock()

	require.NotNil(t, s.Tree.Get("/a/b.txt"))
}

// TestUnvisitedDirectoryIsUntouched verifies that a directory the
// audit never visited this cycle is left alone entirely, since its
// absence from AuditSeenPaths says nothing about its children.
func TestUnvisitedDirectoryIsUntouched(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.Lock()
	s.Tree.Upsert("/a", 0, 1, 1, true, false, 0)
	s.Tree.Upsert("/a/b.txt", 10, 1, 1, false, false, 0)
	s.Unlock()

	s.Lock()
	a.HandleStart()
	// Never mark /a as seen this cycle.
	a.HandleEnd()
	s.Unlock()

	require.NotNil(t, s.Tree.Get("/a/b.txt"))
}

// TestLateStartPreservesObservedPaths verifies a start signal that
// arrives shortly after a prior start, with paths already observed,
// does not clear the observed set.
func TestLateStartPreservesObservedPaths(t *testing.T) {
	s := newTestState()
	a := New(s)

	s.Lock()
	a.HandleStart()
	s.WithData(func() {
		s.AuditSeenPaths["/a"] = struct{}{}
	})
	s.Unlock()

	s.Lock()
	a.HandleStart() // late duplicate
	s.Unlock()

	s.RLock()
	_, stillSeen := s.AuditSeenPaths["/a"]
	s.RUnlock()
	require.True(t, stillSeen)
}

// TestTombstoneCleanupRespectsTTL verifies expired tombstones are
// dropped at audit end, while fresh ones survive.
func TestTombstoneCleanupRespectsTTL(t *testing.T) {
	s := newTestState()
	s.Config.TombstoneTTLSeconds = 1
	a := New(s)

	s.Lock()
	s.WithData(func() {
		s.Tombstones["/old"] = view.Tombstone{LogicalMtime: 1, PhysicalDeleteTS: float64(time.Now().Add(-2 * time.Second).UnixNano()) / 1e9}
		s.Tombstones["/fresh"] = view.Tombstone{LogicalMtime: 1, PhysicalDeleteTS: float64(time.Now().UnixNano()) / 1e9}
	})
	a.HandleStart()
	a.HandleEnd()
	s.Unlock()

	require.NotContains(t, s.Tombstones, "/old")
	require.Contains(t, s.Tombstones, "/fresh")
}
