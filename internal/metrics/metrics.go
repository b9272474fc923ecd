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

// Package metrics declares the Prometheus instrumentation shared by
// the agent and fusion binaries, matching the teacher's
// promauto-based metrics idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets mirrors the teacher's staging-layer histogram
// buckets, suitable for sub-second to multi-second phase durations.
var LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// ViewLabel is the label every view-scoped arbitrator metric carries.
var ViewLabel = []string{"view"}

var (
	// TombstonesCreated counts paths that transitioned to a tombstone
	// after a realtime delete.
	TombstonesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_tombstones_created_total",
		Help: "the number of tombstones created by the arbitrator",
	}, ViewLabel)

	// TombstonesExpired counts tombstones evicted after their TTL.
	TombstonesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_tombstones_expired_total",
		Help: "the number of tombstones evicted after their TTL elapsed",
	}, ViewLabel)

	// BlindSpotsCreated counts paths newly marked as a blind spot.
	BlindSpotsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_blind_spots_created_total",
		Help: "the number of blind spots created by the arbitrator",
	}, ViewLabel)

	// BlindSpotsCleared counts blind spots resolved by corroborating
	// evidence.
	BlindSpotsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_blind_spots_cleared_total",
		Help: "the number of blind spots cleared by the arbitrator",
	}, ViewLabel)

	// SuspectsCreated counts paths newly marked suspect by the
	// arbitrator: a non-atomic realtime write or a hot compensatory
	// observation.
	SuspectsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_suspects_created_total",
		Help: "the number of suspects created by the arbitrator",
	}, ViewLabel)

	// SuspectsExpired counts suspects resolved (confirmed or
	// discarded) by a sentinel probe or cleanup sweep.
	SuspectsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_suspects_expired_total",
		Help: "the number of suspects resolved by the arbitrator",
	}, ViewLabel)

	// AuditCycles counts completed audit walks per view.
	AuditCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_arbitrator_audit_cycles_total",
		Help: "the number of completed audit cycles",
	}, ViewLabel)

	// EventLatencyMS reports how far behind the logical watermark the
	// most recently processed event's mtime was, supplementing
	// arbitrator.py's last_event_latency.
	EventLatencyMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_arbitrator_event_latency_ms",
		Help: "milliseconds between the view watermark and the most recently processed event's reported mtime",
	}, ViewLabel)
)

// PipeLabel is the label every agent pipe-scoped metric carries.
var PipeLabel = []string{"pipe"}

var (
	// PipeState exposes the agent pipe's current State bitmask as a
	// gauge, so dashboards can chart state transitions over time.
	PipeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fustor_agent_pipe_state",
		Help: "the current pipe.State bitmask for this pipe",
	}, PipeLabel)

	// PipeBackoffSeconds exposes the current error-backoff duration in
	// effect for a pipe's control loop.
	PipeBackoffSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fustor_agent_pipe_backoff_seconds",
		Help: "the current backoff duration applied after consecutive errors",
	}, PipeLabel)

	// PipePhaseDurations records how long each phase task
	// (snapshot/audit/sentinel/message-sync) takes to complete.
	PipePhaseDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fustor_agent_pipe_phase_duration_seconds",
		Help:    "the length of time a pipe phase task took to complete",
		Buckets: LatencyBuckets,
	}, []string{"pipe", "phase"})
)
