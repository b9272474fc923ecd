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

// Package config loads and validates the YAML configuration files
// consumed by cmd/agent and cmd/fusion, and supports SIGHUP-triggered
// hot reload of non-destructive knobs (intervals, thresholds, log
// level) without a process restart.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AgentConfig is the root configuration for a fustor agent process,
// covering one or more pipes (view/source pairs) against a Fusion
// server.
type AgentConfig struct {
	// AgentID identifies this agent process across the pipes it runs;
	// combined with each pipe's PipeID to form a Fusion task_id.
	// Defaults to the host's hostname if left empty.
	AgentID string `yaml:"agent_id"`

	// FusionURL is the base URL of the Fusion server this agent pushes
	// evidence to, e.g. "https://fusion.internal:8443".
	FusionURL string `yaml:"fusion_url"`

	// APIKey authenticates this agent's sessions against a view.
	APIKey string `yaml:"api_key"`

	// Pipes lists the view/source pairs this agent observes.
	Pipes []PipeConfig `yaml:"pipes"`

	// HeartbeatIntervalSec is parsed and exposed through
	// HeartbeatInterval, but pipes do not read it: they derive their
	// heartbeat interval from the session timeout (one third of it).
	// Default: 5.
	HeartbeatIntervalSec float64 `yaml:"heartbeat_interval_sec"`

	// RequestTimeoutSec bounds every HTTP call to Fusion. Default: 15.
	RequestTimeoutSec float64 `yaml:"request_timeout_sec"`

	// LogLevel controls the minimum logrus level (debug, info, warn,
	// error). Default: info.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the Prometheus metrics HTTP bind address, empty to
	// disable. Default: 127.0.0.1:9110.
	MetricsAddr string `yaml:"metrics_addr"`

	// Chaos is parsed from the config file but no component reads it;
	// there is no fault-injection harness in this tree.
	Chaos ChaosConfig `yaml:"chaos"`
}

// PipeConfig describes one agent-side pipe: a named source directory
// pushed to one Fusion view under one task identity.
type PipeConfig struct {
	// PipeID, combined with the agent's identity, forms the task_id
	// used to key Fusion sessions and the sender's resume index.
	PipeID string `yaml:"pipe_id"`

	// ViewID names the Fusion view this pipe feeds.
	ViewID string `yaml:"view_id"`

	// SourceType selects the source observer implementation. Only "fs"
	// is implemented.
	SourceType string `yaml:"source_type"`

	// Root is the filesystem path this pipe observes.
	Root string `yaml:"root"`

	// WatchLimit caps how many directories may hold a live fsnotify
	// watch at once. Default: 8192.
	WatchLimit int `yaml:"watch_limit"`

	// BatchSize caps how many rows accumulate before a batch is pushed
	// to Fusion. Default: 100.
	BatchSize int `yaml:"batch_size"`

	// MaxScanWorkers bounds the parallel directory-scan worker pool.
	// Default: 4.
	MaxScanWorkers int `yaml:"max_scan_workers"`

	// AuditIntervalSec is how often a full audit re-walk runs.
	// Default: 300.
	AuditIntervalSec float64 `yaml:"audit_interval_sec"`

	// SentinelIntervalSec is how often outstanding suspects are
	// re-probed. Default: 5.
	SentinelIntervalSec float64 `yaml:"sentinel_interval_sec"`
}

// ChaosConfig holds fault-injection rates. It is parsed only; nothing
// in the filesystem source observer or elsewhere consults it.
type ChaosConfig struct {
	Enabled          bool    `yaml:"enabled"`
	PermissionDenied float64 `yaml:"permission_denied_rate"`
	VanishedPath     float64 `yaml:"vanished_path_rate"`
}

// FusionConfig is the root configuration for a fustor-fusion process,
// covering one or more views.
type FusionConfig struct {
	// BindAddr is the network address the receiver HTTP server binds.
	// Default: ":8443".
	BindAddr string `yaml:"bind_addr"`

	// DisableAuth lets a view's api_key be empty at validation time;
	// never set in production. The receiver still checks the API-key
	// header on every request: a view with an empty key is reached by
	// requests that send no key, and an unknown key is still rejected.
	DisableAuth bool `yaml:"disable_auth"`

	// TLSCertFile/TLSPrivateKey, if both set, serve TLS.
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSPrivateKey string `yaml:"tls_private_key"`

	// Views lists the views this Fusion instance serves.
	Views []ViewConfig `yaml:"views"`

	// LogLevel controls the minimum logrus level.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9111.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ViewConfig describes one authoritative tree view Fusion serves.
type ViewConfig struct {
	ViewID          string `yaml:"view_id"`
	APIKey          string `yaml:"api_key"`
	AllowConcurrent bool   `yaml:"allow_concurrent"`

	// HotFileThresholdSec is the age (clock watermark minus mtime) below
	// which a compensatory observation marks a file suspect, and how
	// long a suspect mark lasts before the expiry sweep re-checks it.
	// Default: 30.
	HotFileThresholdSec float64 `yaml:"hot_file_threshold_sec"`

	// TombstoneTTLSec is how long a deleted path's tombstone survives
	// before eviction. Default: 3600.
	TombstoneTTLSec float64 `yaml:"tombstone_ttl_sec"`

	// SuspectCleanupIntervalMs is how often the suspect-expiry sweep
	// runs. Default: 500.
	SuspectCleanupIntervalMs int64 `yaml:"suspect_cleanup_interval_ms"`

	// MaxNodes caps the tree's total node count; 0 means unbounded.
	MaxNodes int `yaml:"max_nodes"`
}

// DefaultAgentConfig returns an AgentConfig populated with the pack's
// observed defaults; Load overlays file values on top of it.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		HeartbeatIntervalSec: 5,
		RequestTimeoutSec:    15,
		LogLevel:             "info",
		MetricsAddr:          "127.0.0.1:9110",
	}
}

// DefaultFusionConfig returns a FusionConfig populated with the pack's
// observed defaults.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		BindAddr:    ":8443",
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9111",
	}
}

func defaultPipe(p PipeConfig) PipeConfig {
	if p.WatchLimit <= 0 {
		p.WatchLimit = 8192
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.MaxScanWorkers <= 0 {
		p.MaxScanWorkers = 4
	}
	if p.AuditIntervalSec <= 0 {
		p.AuditIntervalSec = 300
	}
	if p.SentinelIntervalSec <= 0 {
		p.SentinelIntervalSec = 5
	}
	return p
}

func defaultView(v ViewConfig) ViewConfig {
	if v.HotFileThresholdSec <= 0 {
		v.HotFileThresholdSec = 30
	}
	if v.TombstoneTTLSec <= 0 {
		v.TombstoneTTLSec = 3600
	}
	if v.SuspectCleanupIntervalMs <= 0 {
		v.SuspectCleanupIntervalMs = 500
	}
	return v
}

// LoadAgentConfig reads and validates an agent config file from path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %q", path)
	}
	if cfg.AgentID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.AgentID = host
		} else {
			cfg.AgentID = "agent"
		}
	}
	for i, p := range cfg.Pipes {
		cfg.Pipes[i] = defaultPipe(p)
	}
	if err := ValidateAgentConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: validation failed")
	}
	return &cfg, nil
}

// LoadFusionConfig reads and validates a fusion config file from path.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	cfg := DefaultFusionConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %q", path)
	}
	for i, v := range cfg.Views {
		cfg.Views[i] = defaultView(v)
	}
	if err := ValidateFusionConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: validation failed")
	}
	return &cfg, nil
}

// ApplyUpdate implements the agent-side half of the "update_config"
// command (spec.md §4.6): validate yamlContent syntactically and
// semantically as an AgentConfig, back up the file currently at path,
// then overwrite it. The caller is responsible for triggering a reload
// once this returns successfully.
func ApplyUpdate(path, yamlContent string) error {
	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal([]byte(yamlContent), &cfg); err != nil {
		return errors.Wrap(err, "update_config: parse failed")
	}
	for i, p := range cfg.Pipes {
		cfg.Pipes[i] = defaultPipe(p)
	}
	if err := ValidateAgentConfig(&cfg); err != nil {
		return errors.Wrap(err, "update_config: validation failed")
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", existing, 0o600); err != nil {
			return errors.Wrap(err, "update_config: backup failed")
		}
	}
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		return errors.Wrap(err, "update_config: write failed")
	}
	return nil
}

// ValidateAgentConfig checks an AgentConfig for internal consistency.
func ValidateAgentConfig(cfg *AgentConfig) error {
	if cfg.FusionURL == "" {
		return errors.New("fusion_url must not be empty")
	}
	if cfg.APIKey == "" {
		return errors.New("api_key must not be empty")
	}
	if len(cfg.Pipes) == 0 {
		return errors.New("at least one pipe must be configured")
	}
	seen := make(map[string]bool, len(cfg.Pipes))
	for _, p := range cfg.Pipes {
		if p.PipeID == "" {
			return errors.New("pipe_id must not be empty")
		}
		if seen[p.PipeID] {
			return errors.Errorf("duplicate pipe_id %q", p.PipeID)
		}
		seen[p.PipeID] = true
		if p.ViewID == "" {
			return errors.Errorf("pipe %q: view_id must not be empty", p.PipeID)
		}
		if p.SourceType != "fs" {
			return errors.Errorf("pipe %q: unsupported source_type %q", p.PipeID, p.SourceType)
		}
		if p.Root == "" {
			return errors.Errorf("pipe %q: root must not be empty", p.PipeID)
		}
	}
	return nil
}

// ValidateFusionConfig checks a FusionConfig for internal consistency.
func ValidateFusionConfig(cfg *FusionConfig) error {
	if cfg.BindAddr == "" {
		return errors.New("bind_addr must not be empty")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSPrivateKey == "") {
		return errors.New("either both of tls_cert_file and tls_private_key must be set, or neither")
	}
	if len(cfg.Views) == 0 {
		return errors.New("at least one view must be configured")
	}
	seen := make(map[string]bool, len(cfg.Views))
	for _, v := range cfg.Views {
		if v.ViewID == "" {
			return errors.New("view_id must not be empty")
		}
		if seen[v.ViewID] {
			return errors.Errorf("duplicate view_id %q", v.ViewID)
		}
		seen[v.ViewID] = true
		if v.APIKey == "" && !cfg.DisableAuth {
			return errors.Errorf("view %q: api_key must not be empty unless disable_auth is set", v.ViewID)
		}
	}
	return nil
}

// heartbeatInterval converts HeartbeatIntervalSec to a time.Duration.
func (c *AgentConfig) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec * float64(time.Second))
}

// RequestTimeout returns RequestTimeoutSec as a time.Duration.
func (c *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec * float64(time.Second))
}

// HeartbeatInterval returns HeartbeatIntervalSec as a time.Duration.
func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return c.heartbeatInterval()
}
