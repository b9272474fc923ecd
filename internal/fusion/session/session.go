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

// Package session implements the Fusion-side session registry: per-view
// leader election, heartbeat tracking, failover promotion, and the
// Fusion→Agent command queue (spec.md §4.3/§4.6).
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrConcurrentPushForbidden is returned by CreateSession when the
// view disallows concurrent pushers and a foreign active session
// already exists.
var ErrConcurrentPushForbidden = errors.New("concurrent push forbidden for this view")

// ErrObsolete is returned by Heartbeat/IngestBatch/GetCommittedIndex
// for a session_id the registry no longer recognizes.
var ErrObsolete = errors.New("session obsolete")

// Command is a Fusion→Agent instruction attached to a heartbeat
// response, per spec.md §4.6.
type Command struct {
	Type     string                 `json:"type"`
	JobID    string                 `json:"job_id,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Session mirrors spec.md §3's Session entity.
type Session struct {
	SessionID        string
	ViewID           string
	AgentID          string
	TaskID           string
	Role             Role
	TimeoutSeconds   float64
	LastHeartbeat    time.Time
	CanRealtime      bool
	AuditIntervalSec float64
	SentinelInterval float64
	// CommittedIndex is the highest event.Index Fusion has successfully
	// ingested for this session, used to answer a reconnecting agent's
	// committed-index query (spec.md §4.3).
	CommittedIndex uint64

	commands []Command
}

// Role is a session's election state.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// viewState is the per-view bookkeeping: session registry plus the
// current leader, if any.
type viewState struct {
	sessions           map[string]*Session
	leaderSessionID    string
	allowConcurrent    bool
}

// Registry tracks sessions for every view and performs leader
// election/failover. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	views map[string]*viewState

	logger *log.Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		views:  make(map[string]*viewState),
		logger: log.WithField("component", "session-registry"),
	}
}

func (r *Registry) viewLocked(viewID string, allowConcurrent bool) *viewState {
	v, ok := r.views[viewID]
	if !ok {
		v = &viewState{sessions: make(map[string]*Session), allowConcurrent: allowConcurrent}
		r.views[viewID] = v
	}
	return v
}

// CreateParams bundles a session-create request's fields.
type CreateParams struct {
	ViewID           string
	TaskID           string
	AgentID          string
	TimeoutSeconds   float64
	CanRealtime      bool
	AllowConcurrent  bool
	AuditIntervalSec float64
	SentinelInterval float64
}

// CreateSession registers a new session for a view, running leader
// election: the first session for a view (or the first after the
// previous leader died) is promoted to leader; otherwise it joins as
// follower. Returns ErrConcurrentPushForbidden if the view disallows
// concurrent pushers and a foreign session is already active.
func (r *Registry) CreateSession(p CreateParams) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.viewLocked(p.ViewID, p.AllowConcurrent)

	if !v.allowConcurrent && len(v.sessions) > 0 {
		for _, existing := range v.sessions {
			if existing.TaskID != p.TaskID {
				return nil, ErrConcurrentPushForbidden
			}
		}
	}

	sess := &Session{
		SessionID:        uuid.NewString(),
		ViewID:           p.ViewID,
		AgentID:          p.AgentID,
		TaskID:           p.TaskID,
		Role:             RoleFollower,
		TimeoutSeconds:   p.TimeoutSeconds,
		LastHeartbeat:    time.Now(),
		CanRealtime:      p.CanRealtime,
		AuditIntervalSec: p.AuditIntervalSec,
		SentinelInterval: p.SentinelInterval,
	}
	v.sessions[sess.SessionID] = sess

	if v.leaderSessionID == "" {
		v.leaderSessionID = sess.SessionID
		sess.Role = RoleLeader
		r.logger.WithField("view", p.ViewID).WithField("session", sess.SessionID).Info("session promoted to leader on creation")
	}

	return sess, nil
}

// Heartbeat updates last-heartbeat time and returns the session's
// current role plus any queued commands (drained). Returns ErrObsolete
// if sessionID is unknown to the registry in any view.
func (r *Registry) Heartbeat(viewID, sessionID string, canRealtime bool) (Role, []Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return RoleFollower, nil, ErrObsolete
	}
	sess, ok := v.sessions[sessionID]
	if !ok {
		return RoleFollower, nil, ErrObsolete
	}

	sess.LastHeartbeat = time.Now()
	sess.CanRealtime = canRealtime

	cmds := sess.commands
	sess.commands = nil
	return sess.Role, cmds, nil
}

// UpdateCommittedIndex raises a session's committed index if index is
// higher than what is already recorded (never regresses). Silently
// no-ops for an unknown view or session, matching the other best-effort
// bookkeeping calls in this registry.
func (r *Registry) UpdateCommittedIndex(viewID, sessionID string, index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return
	}
	sess, ok := v.sessions[sessionID]
	if !ok {
		return
	}
	if index > sess.CommittedIndex {
		sess.CommittedIndex = index
	}
}

// CommittedIndex returns the watermark a reconnecting session should
// resume from. Returns ErrObsolete for an unknown view or session.
func (r *Registry) CommittedIndex(viewID, sessionID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return 0, ErrObsolete
	}
	sess, ok := v.sessions[sessionID]
	if !ok {
		return 0, ErrObsolete
	}
	return sess.CommittedIndex, nil
}

// QueueCommand appends a command to every live session for a view
// (broadcast) or, if sessionID is non-empty, to just that session.
func (r *Registry) QueueCommand(viewID, sessionID string, cmd Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return false
	}
	if sessionID != "" {
		sess, ok := v.sessions[sessionID]
		if !ok {
			return false
		}
		sess.commands = append(sess.commands, cmd)
		return true
	}
	queued := false
	for _, sess := range v.sessions {
		sess.commands = append(sess.commands, cmd)
		queued = true
	}
	return queued
}

// ViewSessions returns a snapshot of every live session for a view,
// keyed by session_id.
func (r *Registry) ViewSessions(viewID string) map[string]*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return nil
	}
	out := make(map[string]*Session, len(v.sessions))
	for id, s := range v.sessions {
		cp := *s
		out[id] = &cp
	}
	return out
}

// CloseSession removes a session and, if it held the leader role,
// releases leadership (it is not automatically reassigned; the next
// failover sweep or CreateSession will promote a successor).
func (r *Registry) CloseSession(viewID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok {
		return
	}
	delete(v.sessions, sessionID)
	if v.leaderSessionID == sessionID {
		v.leaderSessionID = ""
	}
}

// SweepFailovers scans every view for sessions whose heartbeat has
// timed out, evicts them, and promotes an arbitrary surviving follower
// if the dead session held leadership (spec.md §4.3's failover
// detection). Returns the view_ids that changed leader this sweep, so
// callers can invalidate per-view caches (e.g. the audit mtime cache
// on the new leader's side, via its next heartbeat response).
func (r *Registry) SweepFailovers(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for viewID, v := range r.views {
		wasLeaderEvicted := false
		for id, sess := range v.sessions {
			if now.Sub(sess.LastHeartbeat).Seconds() > sess.TimeoutSeconds {
				r.logger.WithField("view", viewID).WithField("session", id).Warn("session heartbeat timeout; evicting")
				delete(v.sessions, id)
				if v.leaderSessionID == id {
					v.leaderSessionID = ""
					wasLeaderEvicted = true
				}
			}
		}
		if wasLeaderEvicted || (v.leaderSessionID == "" && len(v.sessions) > 0) {
			for id, sess := range v.sessions {
				v.leaderSessionID = id
				sess.Role = RoleLeader
				r.logger.WithField("view", viewID).WithField("session", id).Info("promoted to leader via failover")
				changed = append(changed, viewID)
				break
			}
		}
	}
	return changed
}

// LeaderSession returns the current leader session for a view, if any.
func (r *Registry) LeaderSession(viewID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[viewID]
	if !ok || v.leaderSessionID == "" {
		return nil, false
	}
	sess, ok := v.sessions[v.leaderSessionID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}
