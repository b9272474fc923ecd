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

// Package pipe implements the agent-side session orchestrator: one
// Pipe drives a single session's lifecycle, phase tasks (snapshot,
// message-sync, audit, sentinel), role transitions and error recovery,
// per spec.md §4.2. The stability rule is "never crash": every loop
// backs off and retries instead of exiting, except on an explicit stop.
package pipe

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/metrics"
	"github.com/excelwang/fustor-sub001/internal/util/stopper"
)

// State is a bitmask; combinations are valid (spec.md §4.2).
type State uint32

const (
	Initializing State = 1 << iota
	Running
	SnapshotSync
	MessageSync
	AuditPhase
	Paused // follower standby
	Reconnecting
	Error
	Stopping
	Stopped
)

// Has reports whether every bit in mask is set.
func (s State) Has(mask State) bool { return s&mask == mask }

// Config bundles one pipe's tunables, defaulted to match spec.md §4.2's
// named constants.
type Config struct {
	AgentID               string
	PipeID                string
	SessionTimeoutSeconds float64
	AuditIntervalSec      float64
	SentinelIntervalSec   float64
	ControlLoopInterval   time.Duration
	FollowerStandby       time.Duration
	ErrorRetryInterval    time.Duration
	MaxConsecutiveErrors  int
	BackoffMultiplier     float64
	MaxBackoffSeconds     time.Duration

	// UpdateConfigHandler, if set, implements the "update_config"
	// command (spec.md §4.6): validate configYAML syntactically and
	// semantically, back up the current file, write the new one, and
	// trigger a reload. filename names the file relative to the
	// agent's config directory. Left nil, update_config is logged and
	// ignored.
	UpdateConfigHandler func(filename, configYAML string) error

	// UpgradeHandler, if set, implements the "upgrade" command:
	// install the named version and re-exec the process. Left nil,
	// upgrade is logged and ignored — self-replacing the running
	// binary is deliberately out of scope for this pass (see
	// SPEC_FULL.md §9).
	UpgradeHandler func(version string) error
}

// DefaultConfig matches the interval defaults observed in the pack's
// agent runtime.
func DefaultConfig(agentID, pipeID string) Config {
	return Config{
		AgentID:               agentID,
		PipeID:                pipeID,
		SessionTimeoutSeconds: 15,
		AuditIntervalSec:      600,
		SentinelIntervalSec:   120,
		ControlLoopInterval:   time.Second,
		FollowerStandby:       time.Second,
		ErrorRetryInterval:    5 * time.Second,
		MaxConsecutiveErrors:  5,
		BackoffMultiplier:     2.0,
		MaxBackoffSeconds:     60 * time.Second,
	}
}

// SessionMetadata is what the Sender returns from CreateSession /
// learns from a heartbeat response.
type SessionMetadata struct {
	Role                event.Role
	AuditIntervalSec    float64
	SentinelIntervalSec float64
}

// Sender is the agent-side transport to Fusion (implemented by
// internal/agent/sender).
type Sender interface {
	CreateSession(ctx context.Context, taskID, sourceType string, timeoutSeconds float64) (sessionID string, meta SessionMetadata, err error)
	Heartbeat(ctx context.Context, sessionID string, canRealtime bool) (event.Role, []Command, error)
	CloseSession(ctx context.Context, sessionID string) error
	// GetCommittedIndex returns the watermark Fusion last committed for
	// a freshly created session, used to compute the resume position
	// (never regress) per spec.md §4.
	GetCommittedIndex(ctx context.Context, sessionID string) (uint64, error)
	// ReportConfig implements the "report_config" command: read a
	// local config file and push its contents (or read error) to
	// Fusion as a phase=config_report batch.
	ReportConfig(ctx context.Context, sessionID, filename string) error
}

// Source is the agent-side filesystem observer (implemented by
// internal/agent/source/fs).
type Source interface {
	RunSnapshot(ctx context.Context, sessionID string) error
	RunMessageSync(ctx context.Context, sessionID string, startPosition uint64) error
	RunAudit(ctx context.Context, sessionID string) error
	RunSentinel(ctx context.Context, sessionID string) error
	RunOnDemandScan(ctx context.Context, sessionID, path string, recursive bool, jobID string) error
	ClearAuditCache()
}

// Command mirrors a Fusion→Agent command (spec.md §4.6).
type Command struct {
	Type   string
	JobID  string
	Fields map[string]interface{}
}

// Pipe drives one session's lifecycle.
type Pipe struct {
	cfg    Config
	sender Sender
	source Source
	logger *log.Entry

	mu                sync.Mutex
	state             State
	sessionID         string
	currentRole       event.Role
	heartbeatInterval time.Duration
	auditIntervalSec  float64
	sentinelInterval  float64
	consecutiveErrors int
	leaderCtx         context.Context
	leaderCancel      context.CancelFunc

	// resumePosition is the local floor below which this pipe never
	// lets a generated or resumed index regress, per the "never
	// regress" resume invariant. Bumped to max(local, remote) on every
	// reconnect once Fusion reports its committed index.
	resumePosition uint64

	stop *stopper.Context
}

// New constructs a Pipe; call Start to begin its control loop.
func New(cfg Config, sender Sender, source Source) *Pipe {
	return &Pipe{
		cfg:              cfg,
		sender:           sender,
		source:           source,
		logger:           log.WithField("component", "pipe").WithField("pipe", cfg.AgentID+":"+cfg.PipeID),
		state:            Initializing,
		auditIntervalSec: cfg.AuditIntervalSec,
		sentinelInterval: cfg.SentinelIntervalSec,
	}
}

// TaskID is the agent_id:pipe_id identifier used in session creation.
func (p *Pipe) TaskID() string { return p.cfg.AgentID + ":" + p.cfg.PipeID }

// ReloadConfig applies non-destructive interval changes (audit and
// sentinel cadence) picked up from a SIGHUP-triggered config reload.
// Destructive knobs (root path, watch limits) require a process
// restart and are not touched here.
func (p *Pipe) ReloadConfig(auditIntervalSec, sentinelIntervalSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if auditIntervalSec > 0 {
		p.auditIntervalSec = auditIntervalSec
	}
	if sentinelIntervalSec > 0 {
		p.sentinelInterval = sentinelIntervalSec
	}
	p.logger.WithField("audit_interval_sec", p.auditIntervalSec).
		WithField("sentinel_interval_sec", p.sentinelInterval).
		Info("pipe config reloaded")
}

func (p *Pipe) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	metrics.PipeState.WithLabelValues(p.cfg.PipeID).Set(float64(s))
}

func (p *Pipe) getState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// calculateBackoff implements the standard exponential backoff used by
// every loop in the pipe.
func (p *Pipe) calculateBackoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return 0
	}
	backoff := float64(p.cfg.ErrorRetryInterval) * math.Pow(p.cfg.BackoffMultiplier, float64(consecutiveErrors-1))
	if backoff > float64(p.cfg.MaxBackoffSeconds) {
		backoff = float64(p.cfg.MaxBackoffSeconds)
	}
	return time.Duration(backoff)
}

// handleLoopError increments the shared error counter and returns the
// backoff duration the caller's loop should sleep. It deliberately
// never drives the pipe to a terminal state: past the consecutive
// error threshold it logs at a higher severity and caps backoff, but
// the control loop keeps retrying so the pipe can self-heal.
func (p *Pipe) handleLoopError(err error, loopName string) time.Duration {
	p.mu.Lock()
	p.consecutiveErrors++
	n := p.consecutiveErrors
	p.mu.Unlock()

	backoff := p.calculateBackoff(n)
	metrics.PipeBackoffSeconds.WithLabelValues(p.cfg.PipeID).Set(backoff.Seconds())
	if n >= p.cfg.MaxConsecutiveErrors {
		p.logger.WithError(err).Errorf("%s loop reached %d consecutive errors; continuing with max backoff", loopName, n)
		p.setState(Running | Error | Reconnecting)
		metrics.PipeBackoffSeconds.WithLabelValues(p.cfg.PipeID).Set(p.cfg.MaxBackoffSeconds.Seconds())
		return p.cfg.MaxBackoffSeconds
	}
	p.logger.WithError(err).Warnf("%s loop error, retrying in %s", loopName, backoff)
	return backoff
}

// Start launches the pipe's control loop under ctx's stopper.
func (p *Pipe) Start(parent context.Context) {
	p.stop = stopper.WithContext(parent)
	p.setState(Running)
	p.stop.Go(func() error {
		p.runControlLoop(p.stop)
		return nil
	})
}

// Stop requests a graceful shutdown, waiting up to grace for all
// phase goroutines to exit before forcing cancellation.
func (p *Pipe) Stop(grace time.Duration) {
	p.setState(Stopping)
	if p.stop == nil {
		return
	}
	p.stop.Stop(grace)

	if p.hasActiveSession() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.sender.CloseSession(closeCtx, p.sessionID); err != nil {
			p.logger.WithError(err).Warn("error closing session during stop")
		}
	}
	p.setState(Stopped)
}

func (p *Pipe) hasActiveSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID != ""
}

func (p *Pipe) runControlLoop(sctx *stopper.Context) {
	p.logger.Info("control loop started")
	for sctx.Err() == nil {
		if p.getState().Has(Stopping) {
			return
		}

		p.mu.Lock()
		n := p.consecutiveErrors
		p.mu.Unlock()
		if n > 0 {
			backoff := p.calculateBackoff(n)
			if !sleepOrDone(sctx, backoff) {
				return
			}
		}

		if !p.hasActiveSession() {
			p.setState(Running | Reconnecting)
			if err := p.reconnect(sctx); err != nil {
				backoff := p.handleLoopError(err, "control")
				sleepOrDone(sctx, backoff)
				continue
			}
			p.mu.Lock()
			p.consecutiveErrors = 0
			p.mu.Unlock()
		}

		role := p.getRole()
		switch role {
		case event.RoleLeader:
			p.ensureLeaderTasks(sctx)
			sleepOrDone(sctx, p.cfg.ControlLoopInterval)
		case event.RoleFollower:
			p.cancelLeaderTasks()
			p.setState((p.getState() | Running | Paused) &^ SnapshotSync)
			sleepOrDone(sctx, p.cfg.FollowerStandby)
		default:
			sleepOrDone(sctx, p.cfg.ControlLoopInterval)
		}
	}
}

func sleepOrDone(sctx *stopper.Context, d time.Duration) bool {
	if d <= 0 {
		return sctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-sctx.Stopping():
		return false
	case <-sctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pipe) getRole() event.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRole
}

func (p *Pipe) reconnect(sctx *stopper.Context) error {
	p.logger.Info("no active session; reconnecting")
	sessionID, meta, err := p.sender.CreateSession(sctx, p.TaskID(), "fs", p.cfg.SessionTimeoutSeconds)
	if err != nil {
		return err
	}

	remote, err := p.sender.GetCommittedIndex(sctx, sessionID)
	if err != nil {
		p.logger.WithError(err).Warn("failed to query committed index on reconnect; resuming from local position only")
	} else {
		p.mu.Lock()
		if remote > p.resumePosition {
			p.resumePosition = remote
		}
		p.mu.Unlock()
	}

	p.onSessionCreated(sessionID, meta)
	return nil
}

const minHeartbeatInterval = 100 * time.Millisecond

func (p *Pipe) onSessionCreated(sessionID string, meta SessionMetadata) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.currentRole = meta.Role
	if p.currentRole == event.RoleUnknown {
		p.currentRole = event.RoleFollower
	}
	interval := time.Duration(p.cfg.SessionTimeoutSeconds/3*float64(time.Second))
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	p.heartbeatInterval = interval
	if meta.AuditIntervalSec > 0 {
		p.auditIntervalSec = meta.AuditIntervalSec
	}
	if meta.SentinelIntervalSec > 0 {
		p.sentinelInterval = meta.SentinelIntervalSec
	}
	recovered := p.consecutiveErrors > 0
	p.consecutiveErrors = 0
	p.mu.Unlock()

	p.source.ClearAuditCache()

	p.stop.Go(func() error {
		p.runHeartbeatLoop(p.stop, sessionID)
		return nil
	})

	if recovered {
		p.logger.WithField("session", sessionID).Info("session recovered after errors")
	} else {
		p.logger.WithField("session", sessionID).WithField("role", p.currentRole).Info("session created")
	}
}

func (p *Pipe) onSessionClosed() {
	p.mu.Lock()
	p.sessionID = ""
	p.currentRole = event.RoleUnknown
	p.mu.Unlock()
	p.source.ClearAuditCache()
}

func (p *Pipe) runHeartbeatLoop(sctx *stopper.Context, sessionID string) {
	for sctx.Err() == nil {
		p.mu.Lock()
		interval := p.heartbeatInterval
		curSession := p.sessionID
		p.mu.Unlock()
		if curSession != sessionID {
			return
		}

		role, cmds, err := p.sender.Heartbeat(sctx, sessionID, true)
		if err != nil {
			if err == event.ErrSessionObsolete {
				p.logger.Warn("session obsolete; reconnecting without backoff")
				p.onSessionClosed()
				return
			}
			backoff := p.handleLoopError(err, "heartbeat")
			if backoff < interval {
				backoff = interval
			}
			if !sleepOrDone(sctx, backoff) {
				return
			}
			continue
		}

		p.handleRoleChange(role)
		p.handleCommands(sctx, sessionID, cmds)

		if !sleepOrDone(sctx, interval) {
			return
		}
	}
}

func (p *Pipe) handleRoleChange(newRole event.Role) {
	p.mu.Lock()
	changed := newRole != p.currentRole
	p.currentRole = newRole
	p.mu.Unlock()
	if !changed {
		return
	}
	p.logger.WithField("role", newRole).Info("role changed")
	if newRole == event.RoleLeader {
		// Promotion: clear the audit mtime cache so the new leader
		// re-scans the full tree authoritatively rather than trusting
		// a stale follower-side cache.
		p.source.ClearAuditCache()
	} else {
		p.cancelLeaderTasks()
	}
}

// ensureLeaderTasks starts the leader-only phase goroutines
// (snapshot/audit/sentinel/message-sync) exactly once per promotion;
// cancelLeaderTasks tears them down on a role change or session loss.
func (p *Pipe) ensureLeaderTasks(sctx *stopper.Context) {
	p.mu.Lock()
	alreadyRunning := p.leaderCtx != nil
	sessionID := p.sessionID
	p.mu.Unlock()
	if alreadyRunning || sessionID == "" {
		return
	}

	leaderCtx, cancel := context.WithCancel(sctx)
	p.mu.Lock()
	p.leaderCtx = leaderCtx
	p.leaderCancel = cancel
	p.mu.Unlock()

	p.setState(p.getState() | SnapshotSync)
	p.stop.Go(func() error {
		start := time.Now()
		err := p.source.RunSnapshot(leaderCtx, sessionID)
		metrics.PipePhaseDurations.WithLabelValues(p.cfg.PipeID, "snapshot").Observe(time.Since(start).Seconds())
		if err != nil && leaderCtx.Err() == nil {
			p.handleLoopError(err, "snapshot")
		}
		return nil
	})
	p.stop.Go(func() error {
		p.runAuditLoop(leaderCtx, sessionID)
		return nil
	})
	p.stop.Go(func() error {
		p.runSentinelLoop(leaderCtx, sessionID)
		return nil
	})
	p.mu.Lock()
	startPosition := p.resumePosition
	p.mu.Unlock()
	p.stop.Go(func() error {
		if err := p.source.RunMessageSync(leaderCtx, sessionID, startPosition); err != nil && leaderCtx.Err() == nil {
			p.handleLoopError(err, "message-sync")
		}
		return nil
	})
}

func (p *Pipe) cancelLeaderTasks() {
	p.mu.Lock()
	cancel := p.leaderCancel
	p.leaderCtx = nil
	p.leaderCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipe) runAuditLoop(ctx context.Context, sessionID string) {
	for ctx.Err() == nil {
		p.mu.Lock()
		interval := time.Duration(p.auditIntervalSec * float64(time.Second))
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if ctx.Err() != nil || p.getRole() != event.RoleLeader {
			continue
		}
		start := time.Now()
		err := p.source.RunAudit(ctx, sessionID)
		metrics.PipePhaseDurations.WithLabelValues(p.cfg.PipeID, "audit").Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil {
			p.handleLoopError(err, "audit")
		}
	}
}

func (p *Pipe) runSentinelLoop(ctx context.Context, sessionID string) {
	for ctx.Err() == nil {
		p.mu.Lock()
		interval := time.Duration(p.sentinelInterval * float64(time.Second))
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if ctx.Err() != nil || p.getRole() != event.RoleLeader {
			continue
		}
		start := time.Now()
		err := p.source.RunSentinel(ctx, sessionID)
		metrics.PipePhaseDurations.WithLabelValues(p.cfg.PipeID, "sentinel").Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil {
			p.handleLoopError(err, "sentinel")
		}
	}
}

func (p *Pipe) handleCommands(sctx *stopper.Context, sessionID string, cmds []Command) {
	for _, cmd := range cmds {
		cmd := cmd
		switch cmd.Type {
		case "scan":
			path, _ := cmd.Fields["path"].(string)
			recursive, _ := cmd.Fields["recursive"].(bool)
			p.stop.Go(func() error {
				if err := p.source.RunOnDemandScan(sctx, sessionID, path, recursive, cmd.JobID); err != nil {
					p.logger.WithError(err).WithField("job", cmd.JobID).Warn("on-demand scan failed")
				}
				return nil
			})

		case "reload_config":
			auditSec, _ := cmd.Fields["audit_interval_sec"].(float64)
			sentinelSec, _ := cmd.Fields["sentinel_interval_sec"].(float64)
			p.ReloadConfig(auditSec, sentinelSec)

		case "stop_pipe":
			pipeID, _ := cmd.Fields["pipe_id"].(string)
			if pipeID != "" && pipeID != p.cfg.PipeID {
				continue
			}
			go p.Stop(2 * time.Second)

		case "update_config":
			filename, _ := cmd.Fields["filename"].(string)
			configYAML, _ := cmd.Fields["config_yaml"].(string)
			if p.cfg.UpdateConfigHandler == nil {
				p.logger.Warn("update_config command received but no handler is configured for this pipe")
				continue
			}
			if err := p.cfg.UpdateConfigHandler(filename, configYAML); err != nil {
				p.logger.WithError(err).WithField("filename", filename).Warn("update_config failed")
			}

		case "report_config":
			filename, _ := cmd.Fields["filename"].(string)
			p.stop.Go(func() error {
				if err := p.sender.ReportConfig(sctx, sessionID, filename); err != nil {
					p.logger.WithError(err).WithField("filename", filename).Warn("report_config failed")
				}
				return nil
			})

		case "upgrade":
			version, _ := cmd.Fields["version"].(string)
			if p.cfg.UpgradeHandler == nil {
				p.logger.WithField("version", version).Warn("upgrade command received but this build does not support self-upgrade")
				continue
			}
			if err := p.cfg.UpgradeHandler(version); err != nil {
				p.logger.WithError(err).WithField("version", version).Error("upgrade failed")
			}

		default:
			p.logger.WithField("command", cmd.Type).Debug("command not handled by this pipe type")
		}
	}
}
