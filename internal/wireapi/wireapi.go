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

// Package wireapi contains the JSON request/response types that define
// the HTTP protocol between an agent's sender and the Fusion receiver
// (spec.md §6). Sharing one package between both sides means the
// struct definitions can never drift out of sync with each other.
package wireapi

// Row is one substrate observation as it travels on the wire.
type Row struct {
	Path          string  `json:"path"`
	ModifiedTime  float64 `json:"modified_time"`
	CreatedTime   float64 `json:"created_time"`
	Size          int64   `json:"size"`
	IsDirectory   bool    `json:"is_directory"`
	IsAtomicWrite bool    `json:"is_atomic_write"`
	ParentPath    string  `json:"parent_path,omitempty"`
	ParentMtime   float64 `json:"parent_mtime,omitempty"`
	AuditSkipped  bool    `json:"audit_skipped,omitempty"`
}

// Event is one tagged batch of Rows as it travels on the wire.
type Event struct {
	EventType     string   `json:"event_type"`
	EventSchema   string   `json:"event_schema"`
	Table         string   `json:"table"`
	Fields        []string `json:"fields,omitempty"`
	Rows          []Row    `json:"rows"`
	MessageSource string   `json:"message_source"`
	Index         uint64   `json:"index,omitempty"`
}

// Command is a Fusion→Agent instruction attached to a heartbeat
// response (spec.md §4.6): a realtime on-demand scan, or a pipe
// control directive.
type Command struct {
	Type   string                 `json:"type"`
	JobID  string                 `json:"job_id,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	TaskID                string  `json:"task_id"`
	SourceType            string  `json:"source_type"`
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds"`
	SourceURI             string  `json:"source_uri,omitempty"`
}

// CreateSessionResponse is the body returned by POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID                      string  `json:"session_id"`
	Role                           string  `json:"role"`
	AuditIntervalSec               float64 `json:"audit_interval_sec,omitempty"`
	SentinelIntervalSec            float64 `json:"sentinel_interval_sec,omitempty"`
	SuggestedHeartbeatIntervalSecs float64 `json:"suggested_heartbeat_interval_seconds"`
}

// HeartbeatRequest is the body of POST /v1/sessions/{id}/heartbeat.
type HeartbeatRequest struct {
	CanRealtime bool `json:"can_realtime"`
}

// HeartbeatResponse is the body returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Role     string    `json:"role"`
	Commands []Command `json:"commands"`
}

// IngestBatchRequest is the body of POST /v1/sessions/{id}/ingest.
type IngestBatchRequest struct {
	Events     []Event           `json:"events"`
	SourceType string            `json:"source_type"`
	IsEnd      bool              `json:"is_end,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestBatchResponse is the body returned by the ingest endpoint.
type IngestBatchResponse struct {
	Role string `json:"role"`
}

// CommittedIndexResponse is the body returned by GET
// /v1/sessions/{id}/committed-index.
type CommittedIndexResponse struct {
	CommittedIndex uint64 `json:"committed_index"`
}

// SentinelTasksResponse is the body returned by GET
// /v1/sessions/{id}/sentinel-tasks. An empty Type means no task is
// currently pending.
type SentinelTasksResponse struct {
	Type  string   `json:"type,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// SentinelUpdate reports one sentinel probe's result for a suspect
// path: either the observed mtime/size, or Status "missing" if the
// path could not be stat()'d.
type SentinelUpdate struct {
	Path   string  `json:"path"`
	Mtime  float64 `json:"mtime"`
	Size   *int64  `json:"size,omitempty"`
	Status string  `json:"status,omitempty"`
}

// SubmitSentinelResultsRequest is the body of POST
// /v1/sessions/{id}/sentinel-results.
type SubmitSentinelResultsRequest struct {
	Type    string           `json:"type"`
	Updates []SentinelUpdate `json:"updates"`
}

// ErrorResponse is the body returned for any non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
