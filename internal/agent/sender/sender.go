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

// Package sender is the agent-side HTTP transport to a Fusion server's
// receiver (spec.md §6). It implements pipe.Sender for the control
// loop, and a richer Client surface that an internal/agent/source
// observer uses to push batched events, poll sentinel tasks, and
// report sentinel results.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/agent/pipe"
	"github.com/excelwang/fustor-sub001/internal/config"
	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/wireapi"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the Fusion receiver's address, e.g.
	// "https://fusion.example.com".
	BaseURL string
	// APIKey is sent as X-Fustor-Api-Key on every request.
	APIKey string
	// Timeout bounds a single HTTP round-trip.
	Timeout time.Duration
}

// Client is the agent-side transport to one Fusion view. It implements
// pipe.Sender.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Entry
}

// NewClient constructs a Client with a pooled transport, matching the
// pack's convention for outbound HTTP connectors.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: log.WithField("component", "sender"),
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fustor-Api-Key", c.cfg.APIKey)
}

// httpError carries the Fusion-assigned status so callers can classify
// 410 (obsolete) and 409 (concurrent push forbidden) without parsing
// strings.
type httpError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("fusion returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fusion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp wireapi.ErrorResponse
		respBody, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(respBody, &errResp)
		return &httpError{StatusCode: resp.StatusCode, Code: errResp.Error, Message: errResp.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateSession implements pipe.Sender.
func (c *Client) CreateSession(ctx context.Context, taskID, sourceType string, timeoutSeconds float64) (string, pipe.SessionMetadata, error) {
	req := wireapi.CreateSessionRequest{
		TaskID:                taskID,
		SourceType:            sourceType,
		SessionTimeoutSeconds: timeoutSeconds,
	}
	var resp wireapi.CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return "", pipe.SessionMetadata{}, err
	}
	meta := pipe.SessionMetadata{
		Role:                roleFromWire(resp.Role),
		AuditIntervalSec:    resp.AuditIntervalSec,
		SentinelIntervalSec: resp.SentinelIntervalSec,
	}
	return resp.SessionID, meta, nil
}

// Heartbeat implements pipe.Sender.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, canRealtime bool) (event.Role, []pipe.Command, error) {
	req := wireapi.HeartbeatRequest{CanRealtime: canRealtime}
	var resp wireapi.HeartbeatResponse
	path := fmt.Sprintf("/v1/sessions/%s/heartbeat", sessionID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		if isObsolete(err) {
			return event.RoleUnknown, nil, event.ErrSessionObsolete
		}
		return event.RoleUnknown, nil, err
	}
	cmds := make([]pipe.Command, 0, len(resp.Commands))
	for _, wc := range resp.Commands {
		cmds = append(cmds, pipe.Command{Type: wc.Type, JobID: wc.JobID, Fields: wc.Fields})
	}
	return roleFromWire(resp.Role), cmds, nil
}

// CloseSession implements pipe.Sender.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/close", sessionID)
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// SendBatch pushes one phase's events to Fusion. An empty events slice
// with isFinal set signals phase completion (end of snapshot, end of
// audit, or on-demand job completion), matching the pack's
// zero-row-sentinel convention for phase boundaries.
func (c *Client) SendBatch(ctx context.Context, sessionID string, sourceType string, events []event.Event, isFinal bool, metadata map[string]string) (event.Role, error) {
	req := wireapi.IngestBatchRequest{
		Events:     make([]wireapi.Event, 0, len(events)),
		SourceType: sourceType,
		IsEnd:      isFinal,
		Metadata:   metadata,
	}
	for _, ev := range events {
		req.Events = append(req.Events, toWireEvent(ev))
	}
	var resp wireapi.IngestBatchResponse
	path := fmt.Sprintf("/v1/sessions/%s/ingest", sessionID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		if isObsolete(err) {
			return event.RoleUnknown, event.ErrSessionObsolete
		}
		return event.RoleUnknown, err
	}
	return roleFromWire(resp.Role), nil
}

// GetCommittedIndex returns the watermark a reconnecting session
// should resume from.
func (c *Client) GetCommittedIndex(ctx context.Context, sessionID string) (uint64, error) {
	var resp wireapi.CommittedIndexResponse
	path := fmt.Sprintf("/v1/sessions/%s/committed-index", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.CommittedIndex, nil
}

// ReportConfig implements pipe.Sender's "report_config" command: it
// reads a local file relative to $FUSTOR_HOME and reports its contents
// (or the read error) to Fusion as an empty phase=config_report batch,
// matching the zero-row-sentinel convention SendBatch already uses for
// phase boundaries.
func (c *Client) ReportConfig(ctx context.Context, sessionID, filename string) error {
	meta := map[string]string{"phase": "config_report", "filename": filename}
	data, err := os.ReadFile(filepath.Join(config.HomeDir(), filename))
	if err != nil {
		meta["error"] = err.Error()
	} else {
		meta["content"] = string(data)
	}
	_, sendErr := c.SendBatch(ctx, sessionID, "config_report", nil, true, meta)
	return sendErr
}

// GetSentinelTasks polls for the current suspect set the leader should
// stat() and report back.
func (c *Client) GetSentinelTasks(ctx context.Context, sessionID string) ([]string, error) {
	var resp wireapi.SentinelTasksResponse
	path := fmt.Sprintf("/v1/sessions/%s/sentinel-tasks", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// SubmitSentinelResults reports stat() results for the polled suspect
// set.
func (c *Client) SubmitSentinelResults(ctx context.Context, sessionID string, updates []wireapi.SentinelUpdate) error {
	req := wireapi.SubmitSentinelResultsRequest{Type: "suspect_check", Updates: updates}
	path := fmt.Sprintf("/v1/sessions/%s/sentinel-results", sessionID)
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func isObsolete(err error) bool {
	he, ok := err.(*httpError)
	return ok && he.StatusCode == http.StatusGone
}

// IsConcurrentPushForbidden reports whether err is the 409 Fusion
// returns when a view disallows concurrent pushers.
func IsConcurrentPushForbidden(err error) bool {
	he, ok := err.(*httpError)
	return ok && he.StatusCode == http.StatusConflict
}

func roleFromWire(s string) event.Role {
	switch s {
	case "leader":
		return event.RoleLeader
	case "follower":
		return event.RoleFollower
	default:
		return event.RoleUnknown
	}
}

func toWireEvent(ev event.Event) wireapi.Event {
	we := wireapi.Event{
		EventType:     string(ev.EventType),
		EventSchema:   ev.Schema,
		Table:         ev.Table,
		Fields:        ev.Fields,
		MessageSource: string(ev.MessageSource),
		Index:         ev.Index,
	}
	for _, row := range ev.Rows {
		we.Rows = append(we.Rows, wireapi.Row{
			Path:          row.Path,
			ModifiedTime:  row.ModifiedTime,
			CreatedTime:   row.CreatedTime,
			Size:          row.Size,
			IsDirectory:   row.IsDirectory,
			IsAtomicWrite: row.IsAtomicWrite,
			ParentPath:    row.ParentPath,
			ParentMtime:   row.ParentMtime,
			AuditSkipped:  row.AuditSkipped,
		})
	}
	return we
}
