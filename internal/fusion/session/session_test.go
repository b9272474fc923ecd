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

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstSessionBecomesLeader(t *testing.T) {
	r := New()
	s, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 10, AllowConcurrent: true})
	require.NoError(t, err)
	require.Equal(t, RoleLeader, s.Role)
}

func TestSecondSessionBecomesFollower(t *testing.T) {
	r := New()
	_, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 10, AllowConcurrent: true})
	require.NoError(t, err)
	s2, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentB:p1", TimeoutSeconds: 10, AllowConcurrent: true})
	require.NoError(t, err)
	require.Equal(t, RoleFollower, s2.Role)
}

func TestConcurrentPushForbidden(t *testing.T) {
	r := New()
	_, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 10, AllowConcurrent: false})
	require.NoError(t, err)
	_, err = r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentB:p1", TimeoutSeconds: 10, AllowConcurrent: false})
	require.ErrorIs(t, err, ErrConcurrentPushForbidden)
}

func TestHeartbeatUnknownSessionIsObsolete(t *testing.T) {
	r := New()
	_, _, err := r.Heartbeat("v1", "does-not-exist", true)
	require.ErrorIs(t, err, ErrObsolete)
}

// TestFailoverPromotesSurvivingFollower matches scenario S5: the
// leader's heartbeat times out and a surviving follower is promoted.
func TestFailoverPromotesSurvivingFollower(t *testing.T) {
	r := New()
	leader, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 5, AllowConcurrent: true})
	require.NoError(t, err)
	follower, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentB:p1", TimeoutSeconds: 30, AllowConcurrent: true})
	require.NoError(t, err)
	require.Equal(t, RoleLeader, leader.Role)
	require.Equal(t, RoleFollower, follower.Role)

	// The follower's longer timeout keeps it alive through the sweep
	// below, while the leader's 5s timeout goes stale.
	role, _, err := r.Heartbeat("v1", follower.SessionID, true)
	require.NoError(t, err)
	require.Equal(t, RoleFollower, role)

	future := time.Now().Add(10 * time.Second)
	changed := r.SweepFailovers(future)
	require.Contains(t, changed, "v1")

	newRole, _, err := r.Heartbeat("v1", follower.SessionID, true)
	require.NoError(t, err)
	require.Equal(t, RoleLeader, newRole)

	_, _, err = r.Heartbeat("v1", leader.SessionID, true)
	require.ErrorIs(t, err, ErrObsolete)
}

// TestReturningOriginalLeaderComesBackAsFollower verifies no
// preemption: once failover has promoted a new leader, the original
// leader creating a fresh session joins as follower.
func TestReturningOriginalLeaderComesBackAsFollower(t *testing.T) {
	r := New()
	_, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 5, AllowConcurrent: true})
	require.NoError(t, err)
	_, err = r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentB:p1", TimeoutSeconds: 30, AllowConcurrent: true})
	require.NoError(t, err)

	// Only agentA's 5s session times out; agentB survives and is promoted.
	r.SweepFailovers(time.Now().Add(10 * time.Second))

	rejoin, err := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 5, AllowConcurrent: true})
	require.NoError(t, err)
	require.Equal(t, RoleFollower, rejoin.Role)
}

func TestQueueCommandBroadcast(t *testing.T) {
	r := New()
	s1, _ := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentA:p1", TimeoutSeconds: 10, AllowConcurrent: true})
	s2, _ := r.CreateSession(CreateParams{ViewID: "v1", TaskID: "agentB:p1", TimeoutSeconds: 10, AllowConcurrent: true})

	ok := r.QueueCommand("v1", "", Command{Type: "scan", Fields: map[string]interface{}{"path": "/x"}})
	require.True(t, ok)

	_, cmds1, _ := r.Heartbeat("v1", s1.SessionID, true)
	_, cmds2, _ := r.Heartbeat("v1", s2.SessionID, true)
	require.Len(t, cmds1, 1)
	require.Len(t, cmds2, 1)
}
