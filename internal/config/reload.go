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
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// WatchSIGHUP installs a SIGHUP handler that calls onReload on every
// signal until ctx is canceled. onReload is responsible for
// re-reading and re-validating the config file and applying whatever
// non-destructive changes it finds; an error from onReload is logged
// and the previous configuration remains active.
func WatchSIGHUP(ctx context.Context, onReload func() error) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sighup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				log.Info("SIGHUP received, reloading config")
				if err := onReload(); err != nil {
					log.WithError(err).Error("config reload failed, retaining previous configuration")
					continue
				}
				log.Info("config reload succeeded")
			}
		}
	}()
}
