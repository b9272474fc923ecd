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

package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/wireapi"
)

func TestCreateSessionSendsAPIKeyAndDecodesRole(t *testing.T) {
	var gotKey string
	var gotReq wireapi.CreateSessionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Fustor-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		require.Equal(t, "/v1/sessions", r.URL.Path)
		json.NewEncoder(w).Encode(wireapi.CreateSessionResponse{
			SessionID:                      "sess-1",
			Role:                           "leader",
			SuggestedHeartbeatIntervalSecs: 5,
		})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k-123"})
	sessionID, meta, err := c.CreateSession(context.Background(), "agentA:p1", "fs", 15)
	require.NoError(t, err)
	require.Equal(t, "sess-1", sessionID)
	require.Equal(t, event.RoleLeader, meta.Role)
	require.Equal(t, "k-123", gotKey)
	require.Equal(t, "agentA:p1", gotReq.TaskID)
}

func TestHeartbeatObsoleteMapsToSessionObsolete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(wireapi.ErrorResponse{Error: "obsolete", Message: "unknown session"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k"})
	_, _, err := c.Heartbeat(context.Background(), "dead-session", true)
	require.ErrorIs(t, err, event.ErrSessionObsolete)
}

func TestCreateSessionConcurrentPushForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(wireapi.ErrorResponse{Error: "concurrent_push_forbidden", Message: "foreign session active"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k"})
	_, _, err := c.CreateSession(context.Background(), "agentB:p1", "fs", 15)
	require.Error(t, err)
	require.True(t, IsConcurrentPushForbidden(err))
}

func TestSendBatchRoundTripsRows(t *testing.T) {
	var gotReq wireapi.IngestBatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/sess-1/ingest", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(wireapi.IngestBatchResponse{Role: "leader"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k"})
	role, err := c.SendBatch(context.Background(), "sess-1", "message", []event.Event{{
		EventType:     event.Insert,
		MessageSource: event.Realtime,
		Rows: []event.Row{
			{Path: "/a/b.txt", ModifiedTime: 100.5, Size: 42},
		},
	}}, false, nil)
	require.NoError(t, err)
	require.Equal(t, event.RoleLeader, role)
	require.Len(t, gotReq.Events, 1)
	require.Equal(t, "/a/b.txt", gotReq.Events[0].Rows[0].Path)
}

func TestSendBatchFinalEmptyBatchSignalsPhaseEnd(t *testing.T) {
	var gotReq wireapi.IngestBatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(wireapi.IngestBatchResponse{Role: "leader"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k"})
	_, err := c.SendBatch(context.Background(), "sess-1", "audit", nil, true, nil)
	require.NoError(t, err)
	require.True(t, gotReq.IsEnd)
	require.Empty(t, gotReq.Events)
}

func TestGetSentinelTasksAndSubmitResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/sess-1/sentinel-tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireapi.SentinelTasksResponse{Type: "suspect_check", Paths: []string{"/hot.bin"}})
	})
	var gotUpdates wireapi.SubmitSentinelResultsRequest
	mux.HandleFunc("/v1/sessions/sess-1/sentinel-results", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotUpdates)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "k"})
	paths, err := c.GetSentinelTasks(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{"/hot.bin"}, paths)

	size := int64(99)
	err = c.SubmitSentinelResults(context.Background(), "sess-1", []wireapi.SentinelUpdate{
		{Path: "/hot.bin", Mtime: 12.0, Size: &size},
	})
	require.NoError(t, err)
	require.Len(t, gotUpdates.Updates, 1)
	require.Equal(t, "/hot.bin", gotUpdates.Updates[0].Path)
}
