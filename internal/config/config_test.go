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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAgentConfigAppliesPipeDefaults(t *testing.T) {
	path := writeConfig(t, `
fusion_url: https://fusion.example:8443
api_key: agent-key
pipes:
  - pipe_id: docs
    view_id: docs-view
    source_type: fs
    root: /srv/docs
`)
	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://fusion.example:8443", cfg.FusionURL)
	require.Len(t, cfg.Pipes, 1)
	require.Equal(t, 8192, cfg.Pipes[0].WatchLimit)
	require.Equal(t, 100, cfg.Pipes[0].BatchSize)
	require.Equal(t, float64(300), cfg.Pipes[0].AuditIntervalSec)
	require.Equal(t, float64(5), cfg.HeartbeatIntervalSec)
}

func TestLoadAgentConfigRejectsUnsupportedSourceType(t *testing.T) {
	path := writeConfig(t, `
fusion_url: https://fusion.example:8443
api_key: agent-key
pipes:
  - pipe_id: docs
    view_id: docs-view
    source_type: s3
    root: /srv/docs
`)
	_, err := LoadAgentConfig(path)
	require.Error(t, err)
}

func TestLoadAgentConfigRejectsDuplicatePipeIDs(t *testing.T) {
	path := writeConfig(t, `
fusion_url: https://fusion.example:8443
api_key: agent-key
pipes:
  - pipe_id: docs
    view_id: v1
    source_type: fs
    root: /a
  - pipe_id: docs
    view_id: v2
    source_type: fs
    root: /b
`)
	_, err := LoadAgentConfig(path)
	require.Error(t, err)
}

func TestLoadFusionConfigAppliesViewDefaults(t *testing.T) {
	path := writeConfig(t, `
bind_addr: ":8443"
views:
  - view_id: docs-view
    api_key: secret
`)
	cfg, err := LoadFusionConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Views, 1)
	require.Equal(t, float64(30), cfg.Views[0].HotFileThresholdSec)
	require.Equal(t, float64(3600), cfg.Views[0].TombstoneTTLSec)
	require.Equal(t, int64(500), cfg.Views[0].SuspectCleanupIntervalMs)
}

func TestLoadFusionConfigRequiresAPIKeyUnlessAuthDisabled(t *testing.T) {
	path := writeConfig(t, `
bind_addr: ":8443"
views:
  - view_id: docs-view
`)
	_, err := LoadFusionConfig(path)
	require.Error(t, err)

	path2 := writeConfig(t, `
bind_addr: ":8443"
disable_auth: true
views:
  - view_id: docs-view
`)
	cfg, err := LoadFusionConfig(path2)
	require.NoError(t, err)
	require.Empty(t, cfg.Views[0].APIKey)
}

func TestLoadFusionConfigRejectsMismatchedTLSFiles(t *testing.T) {
	path := writeConfig(t, `
bind_addr: ":8443"
tls_cert_file: /etc/fustor/cert.pem
views:
  - view_id: docs-view
    api_key: secret
`)
	_, err := LoadFusionConfig(path)
	require.Error(t, err)
}

func TestHomeDirRespectsFustorHomeEnv(t *testing.T) {
	t.Setenv("FUSTOR_HOME", "/tmp/fustor-test-home")
	require.Equal(t, "/tmp/fustor-test-home", HomeDir())
	require.Equal(t, "/tmp/fustor-test-home/agent.yaml", DefaultAgentConfigPath())
}
