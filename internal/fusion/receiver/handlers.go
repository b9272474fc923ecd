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

package receiver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/session"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
	"github.com/excelwang/fustor-sub001/internal/wireapi"
)

// onDemandScanTimeout bounds how long handleGetTree waits for a
// requested scan job to complete before giving up (spec.md §4.5).
const onDemandScanTimeout = 10 * time.Second

// onDemandScanPollInterval is how often handleGetTree checks whether a
// queued scan job has finished ingesting.
const onDemandScanPollInterval = 200 * time.Millisecond

// defaultSessionTimeoutSeconds is used when a CreateSession request
// omits session_timeout_seconds; spec.md §4.3 recommends 5-30s for
// fast-failover configurations.
const defaultSessionTimeoutSeconds = 15.0

// minHeartbeatIntervalSeconds floors the derived heartbeat interval so
// a very short session_timeout_seconds cannot drive the agent into a
// busy-loop.
const minHeartbeatIntervalSeconds = 0.1

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	var req wireapi.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	timeout := req.SessionTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultSessionTimeoutSeconds
	}

	sess, err := s.sessions.CreateSession(session.CreateParams{
		ViewID:          rv.cfg.ViewID,
		TaskID:          req.TaskID,
		AgentID:         req.TaskID,
		TimeoutSeconds:  timeout,
		AllowConcurrent: rv.cfg.AllowConcurrent,
	})
	if err != nil {
		writeError(w, http.StatusConflict, "concurrent_push_forbidden", err.Error())
		return
	}

	rv.driver.OnSessionStart()

	heartbeatInterval := timeout / 3
	if heartbeatInterval < minHeartbeatIntervalSeconds {
		heartbeatInterval = minHeartbeatIntervalSeconds
	}

	writeJSON(w, http.StatusOK, wireapi.CreateSessionResponse{
		SessionID:                      sess.SessionID,
		Role:                           sess.Role.String(),
		SuggestedHeartbeatIntervalSecs: heartbeatInterval,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	sessionID := chi.URLParam(r, "sessionID")

	var req wireapi.HeartbeatRequest
	_ = decodeJSON(r, &req)

	role, cmds, err := s.sessions.Heartbeat(rv.cfg.ViewID, sessionID, req.CanRealtime)
	if err != nil {
		writeError(w, http.StatusGone, "obsolete", err.Error())
		return
	}
	wireCmds := make([]wireapi.Command, 0, len(cmds))
	for _, c := range cmds {
		wireCmds = append(wireCmds, wireapi.Command{Type: c.Type, JobID: c.JobID, Fields: c.Fields})
	}
	writeJSON(w, http.StatusOK, wireapi.HeartbeatResponse{Role: role.String(), Commands: wireCmds})
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	sessionID := chi.URLParam(r, "sessionID")

	role, cmds, err := s.sessions.Heartbeat(rv.cfg.ViewID, sessionID, true)
	if err != nil {
		writeError(w, http.StatusGone, "obsolete", err.Error())
		return
	}
	// Heartbeat drains queued commands; requeue them so the agent's next
	// heartbeat response still carries them.
	for _, c := range cmds {
		s.sessions.QueueCommand(rv.cfg.ViewID, sessionID, c)
	}

	var req wireapi.IngestBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch req.SourceType {
	case "audit":
		if req.IsEnd {
			rv.driver.HandleAuditEnd()
		} else if len(req.Events) == 0 {
			rv.driver.HandleAuditStart()
		}
	case "on_demand_job":
		if req.IsEnd {
			rv.driver.MarkJobComplete(req.Metadata["job_id"])
		}
	}

	var maxIndex uint64
	for _, we := range req.Events {
		rv.driver.ProcessEvent(toDomainEvent(we))
		if we.Index > maxIndex {
			maxIndex = we.Index
		}
	}
	if maxIndex > 0 {
		s.sessions.UpdateCommittedIndex(rv.cfg.ViewID, sessionID, maxIndex)
	}

	writeJSON(w, http.StatusOK, wireapi.IngestBatchResponse{Role: role.String()})
}

func toDomainEvent(we wireapi.Event) event.Event {
	ev := event.Event{
		Schema:        we.EventSchema,
		Table:         we.Table,
		Fields:        we.Fields,
		MessageSource: eventSourceFromWire(we.MessageSource),
		Index:         we.Index,
	}
	switch we.EventType {
	case "insert":
		ev.EventType = event.Insert
	case "update":
		ev.EventType = event.Update
	case "delete":
		ev.EventType = event.Delete
	}
	for _, wr := range we.Rows {
		ev.Rows = append(ev.Rows, event.Row{
			Path:          wr.Path,
			ModifiedTime:  wr.ModifiedTime,
			CreatedTime:   wr.CreatedTime,
			Size:          wr.Size,
			IsDirectory:   wr.IsDirectory,
			IsAtomicWrite: wr.IsAtomicWrite,
			ParentPath:    wr.ParentPath,
			ParentMtime:   wr.ParentMtime,
			AuditSkipped:  wr.AuditSkipped,
		})
	}
	return ev
}

func (s *Server) handleGetCommittedIndex(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	sessionID := chi.URLParam(r, "sessionID")
	_, cmds, err := s.sessions.Heartbeat(rv.cfg.ViewID, sessionID, true)
	if err != nil {
		writeError(w, http.StatusGone, "obsolete", err.Error())
		return
	}
	for _, c := range cmds {
		s.sessions.QueueCommand(rv.cfg.ViewID, sessionID, c)
	}
	idx, err := s.sessions.CommittedIndex(rv.cfg.ViewID, sessionID)
	if err != nil {
		writeError(w, http.StatusGone, "obsolete", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wireapi.CommittedIndexResponse{CommittedIndex: idx})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	sessionID := chi.URLParam(r, "sessionID")
	s.sessions.CloseSession(rv.cfg.ViewID, sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSentinelTasks(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	suspects := rv.driver.GetSuspectList()
	if len(suspects) == 0 {
		writeJSON(w, http.StatusOK, wireapi.SentinelTasksResponse{})
		return
	}
	paths := make([]string, 0, len(suspects))
	for p := range suspects {
		paths = append(paths, p)
	}
	writeJSON(w, http.StatusOK, wireapi.SentinelTasksResponse{Type: "suspect_check", Paths: paths})
}

func (s *Server) handleSubmitSentinelResults(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	var req wireapi.SubmitSentinelResultsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for _, u := range req.Updates {
		if u.Status == "missing" {
			continue
		}
		rv.driver.UpdateSuspect(u.Path, u.Mtime, u.Size)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	recursive := r.URL.Query().Get("recursive") != "false"
	onDemandScan := r.URL.Query().Get("on_demand_scan") == "true"
	var maxDepth *int
	if md := r.URL.Query().Get("max_depth"); md != "" {
		if v, err := strconv.Atoi(md); err == nil {
			maxDepth = &v
		}
	}

	node, err := s.queryTreeOrScan(r.Context(), rv, path, recursive, maxDepth, onDemandScan)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "on-demand scan did not complete: "+err.Error())
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "not_found", "no node at path")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// queryTreeOrScan implements spec.md §4.5's on-demand fallback: it
// attempts the primary query first, and only when the caller opted
// into on_demand_scan and the path is unknown does it select the
// view's leader session, enqueue a scan command for it, and poll
// JobComplete until the job finishes (or onDemandScanTimeout elapses)
// before retrying the query once.
func (s *Server) queryTreeOrScan(ctx context.Context, rv *registeredView, path string, recursive bool, maxDepth *int, onDemandScan bool) (*view.NodeView, error) {
	if node := rv.driver.GetDirectoryTree(path, recursive, maxDepth, false); node != nil || !onDemandScan {
		return node, nil
	}

	leader, ok := s.sessions.LeaderSession(rv.cfg.ViewID)
	if !ok {
		return nil, event.ErrUnsupportedOnDemand
	}
	jobID := uuid.NewString()
	s.sessions.QueueCommand(rv.cfg.ViewID, leader.SessionID, session.Command{
		Type:   "scan",
		JobID:  jobID,
		Fields: map[string]interface{}{"path": path, "recursive": recursive},
	})

	deadline := time.Now().Add(onDemandScanTimeout)
	for time.Now().Before(deadline) {
		if rv.driver.JobComplete(jobID) {
			return rv.driver.GetDirectoryTree(path, recursive, maxDepth, false), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(onDemandScanPollInterval):
		}
	}
	return nil, event.ErrUnsupportedOnDemand
}

func (s *Server) handleGetBlindSpots(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	writeJSON(w, http.StatusOK, rv.driver.GetBlindSpotList())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	q := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, rv.driver.SearchFiles(q))
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	rv := viewFromContext(r)
	writeJSON(w, http.StatusOK, rv.driver.GetStats())
}
