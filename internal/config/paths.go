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
)

// HomeDir resolves the fustor home directory used for default config
// and PID file locations: $FUSTOR_HOME if set, else $HOME/.fustor.
func HomeDir() string {
	if dir := os.Getenv("FUSTOR_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fustor"
	}
	return filepath.Join(home, ".fustor")
}

// DefaultAgentConfigPath is $FUSTOR_HOME/agent.yaml.
func DefaultAgentConfigPath() string {
	return filepath.Join(HomeDir(), "agent.yaml")
}

// DefaultFusionConfigPath is $FUSTOR_HOME/fusion.yaml.
func DefaultFusionConfigPath() string {
	return filepath.Join(HomeDir(), "fusion.yaml")
}

// PIDPath returns the PID file path for the named process (e.g.
// "agent", "fusion"), used by the start/stop/status CLI subcommands.
func PIDPath(name string) string {
	return filepath.Join(HomeDir(), name+".pid")
}
