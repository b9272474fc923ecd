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

// Package event contains the data types that define the evidence
// flowing from an agent's source observer through to Fusion's
// arbitrator. Keeping them in one package makes it easy to compose the
// pipeline without import cycles between the agent and fusion sides.
package event

import "github.com/pkg/errors"

// Type enumerates the kind of mutation a Row represents.
type Type string

// The three mutation kinds a Row may carry.
const (
	Insert Type = "insert"
	Update Type = "update"
	Delete Type = "delete"
)

// Source ranks the authority of an Event by where it originated. See
// the authority tiers table: realtime is Tier 1 (authoritative),
// snapshot is Tier 2 (observed-known), audit and on-demand are Tier 3
// (observed-unverified).
type Source string

// The four message sources an Event may be tagged with.
const (
	Realtime    Source = "realtime"
	Snapshot    Source = "snapshot"
	Audit       Source = "audit"
	OnDemandJob Source = "on_demand_job"
)

// IsCompensation reports whether the source is a stat()-based,
// non-causal observation (Tier 2 or Tier 3), as opposed to a
// kernel-causal Realtime event.
func (s Source) IsCompensation() bool {
	return s == Snapshot || s == Audit || s == OnDemandJob
}

// Row carries one substrate-specific observation. Filesystem
// substrates populate Path/ModifiedTime/Size/IsDirectory/IsAtomicWrite;
// audit-sourced rows additionally carry ParentPath/ParentMtime/
// AuditSkipped.
type Row struct {
	Path          string
	ModifiedTime  float64
	CreatedTime   float64
	Size          int64
	IsDirectory   bool
	IsAtomicWrite bool

	ParentPath   string
	ParentMtime  float64
	AuditSkipped bool
}

// Event is a tagged batch of Rows sharing one event type and source.
// Index is a monotonic agent-side sequence (physical-time milliseconds
// with drift compensation, see the source observer's drift sampling),
// used for resume and for ordering within a session.
type Event struct {
	Schema        string
	Table         string
	EventType     Type
	Rows          []Row
	Fields        []string
	MessageSource Source
	Index         uint64
}

// Batch is what the sender transmits to Fusion for one phase of one
// session. An empty Batch with IsFinal set signals phase completion
// (end of snapshot, end of audit, or job completion).
type Batch struct {
	SessionID string
	Phase     Source
	Events    []Event
	IsFinal   bool
	Metadata  map[string]string
}

// Role is the leader/follower assignment of a Session.
type Role string

// The two roles a Session may hold.
const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleUnknown  Role = ""
)

// Session mirrors the wire Session record: created by agent request to
// Fusion, role assigned by the session manager, destroyed on explicit
// close, heartbeat timeout, or ErrSessionObsolete rejection.
type Session struct {
	SessionID         string
	ViewID            string
	AgentID           string
	PipeID            string
	Role              Role
	TimeoutSeconds    float64
	LastHeartbeat     float64 // monotonic seconds
	CanRealtime       bool
	AuditIntervalSec  float64
	SentinelIntervalS float64
}

// TaskID returns the canonical "agent_id:pipe_id" task identifier.
func (s *Session) TaskID() string {
	return s.AgentID + ":" + s.PipeID
}

// Sentinel error values used for control-flow dispatch instead of type
// switches on generic errors, matching the pack's reliance on
// github.com/pkg/errors for Is/As-compatible wrapping.
var (
	// ErrSessionObsolete corresponds to wire status 410 (Gone), the
	// status the receiver writes and the sender checks; the wire does
	// not use 419. It means the session_id
	// is unknown to Fusion (expired, or never existed) and the caller
	// must reconnect without backoff.
	ErrSessionObsolete = errors.New("fustor: session obsolete")

	// ErrConcurrentPushForbidden corresponds to wire status 409: the
	// view's allow_concurrent_push is false and a foreign active
	// session already exists.
	ErrConcurrentPushForbidden = errors.New("fustor: concurrent push forbidden")

	// ErrUnsupportedOnDemand is returned by the receiver's on-demand
	// query fallback when the requested path is unknown and no scan
	// could fill it in: the view has no leader session, or the scan job
	// did not complete before the timeout.
	ErrUnsupportedOnDemand = errors.New("fustor: on-demand scan required")

	// ErrCapacityExceeded names the condition of the tree's node cap
	// being reached. tree.Manager.Upsert reports that condition by
	// returning nil; no code path returns this value.
	ErrCapacityExceeded = errors.New("fustor: tree node capacity exceeded")
)
