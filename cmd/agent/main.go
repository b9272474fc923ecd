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

// Command agent runs one fustor agent process: one or more pipes,
// each observing a filesystem root and pushing evidence to a Fusion
// view per spec.md §4.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"github.com/excelwang/fustor-sub001/internal/agent/pipe"
	"github.com/excelwang/fustor-sub001/internal/agent/sender"
	"github.com/excelwang/fustor-sub001/internal/agent/source/fs"
	"github.com/excelwang/fustor-sub001/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fustor-agent",
	Short: "Fustor agent",
	Long:  `Agent observes a filesystem substrate across realtime/snapshot/audit/sentinel phases and pushes evidence to a Fusion server.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to agent.yaml (defaults to $FUSTOR_HOME/agent.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)

	startCmd.Flags().IntP("port", "p", 0, "override metrics_addr's port")
	startCmd.Flags().BoolP("daemon", "D", false, "daemonize: write a PID file under $FUSTOR_HOME")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start every configured pipe",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether this agent is running, per its PID file",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the pipes configured for this agent",
	RunE:  runList,
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultAgentConfigPath()
	}
	return path
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid, err := os.ReadFile(config.PIDPath("agent"))
	if err != nil {
		fmt.Println("agent is not running")
		return nil
	}
	fmt.Printf("agent is running, pid %s\n", pid)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}
	for _, p := range cfg.Pipes {
		fmt.Printf("%s\tview=%s\tsource=%s\troot=%s\n", p.PipeID, p.ViewID, p.SourceType, p.Root)
	}
	return nil
}

// buildPipe wires one configured pipe's sender, source observer, and
// control loop, matching the composition the pack's logical replicator
// does for a changefeed loop: one concrete Sender/Source pair handed
// to a generic driver.
func buildPipe(agentCfg *config.AgentConfig, p config.PipeConfig, logger *log.Entry, configFile string) (*pipe.Pipe, error) {
	if p.SourceType != "fs" {
		return nil, fmt.Errorf("pipe %q: unsupported source_type %q", p.PipeID, p.SourceType)
	}

	client := sender.NewClient(sender.Config{
		BaseURL: agentCfg.FusionURL,
		APIKey:  agentCfg.APIKey,
		Timeout: agentCfg.RequestTimeout(),
	})

	fsCfg := fs.DefaultConfig(p.Root)
	fsCfg.BatchSize = p.BatchSize
	fsCfg.MaxScanWorkers = p.MaxScanWorkers
	fsCfg.WatchLimit = p.WatchLimit

	source, err := fs.New(fsCfg, client)
	if err != nil {
		return nil, fmt.Errorf("pipe %q: constructing fs source: %w", p.PipeID, err)
	}

	pipeCfg := pipe.DefaultConfig(agentCfg.AgentID, p.PipeID)
	pipeCfg.AuditIntervalSec = p.AuditIntervalSec
	pipeCfg.SentinelIntervalSec = p.SentinelIntervalSec

	// update_config always targets this process's own config file; the
	// command's filename field only matters for report_config. Writing
	// triggers the same SIGHUP reload path an operator would use by hand.
	pipeCfg.UpdateConfigHandler = func(_ string, configYAML string) error {
		if err := config.ApplyUpdate(configFile, configYAML); err != nil {
			return err
		}
		return syscall.Kill(os.Getpid(), syscall.SIGHUP)
	}
	// UpgradeHandler is left nil: self-replacing the running binary is
	// not implemented by this build, so an "upgrade" command just logs
	// and is otherwise ignored (see pipe.Pipe.handleCommands).

	logger.WithField("pipe", p.PipeID).WithField("root", p.Root).Info("pipe configured")
	return pipe.New(pipeCfg, client, source), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	logger := log.WithField("component", "cmd/agent").WithField("agent_id", cfg.AgentID)

	if daemon, _ := cmd.Flags().GetBool("daemon"); daemon {
		if err := os.WriteFile(config.PIDPath("agent"), []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			logger.WithError(err).Warn("failed to write PID file")
		}
		defer os.Remove(config.PIDPath("agent"))
	}

	pipesByID := make(map[string]*pipe.Pipe, len(cfg.Pipes))
	for _, p := range cfg.Pipes {
		pp, err := buildPipe(cfg, p, logger, configPath(cmd))
		if err != nil {
			return err
		}
		pipesByID[p.PipeID] = pp
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, pp := range pipesByID {
		pp.Start(ctx)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	reloadCtx, reloadCancel := context.WithCancel(context.Background())
	defer reloadCancel()
	config.WatchSIGHUP(reloadCtx, func() error {
		fresh, err := config.LoadAgentConfig(configPath(cmd))
		if err != nil {
			return err
		}
		for _, p := range fresh.Pipes {
			if pp, ok := pipesByID[p.PipeID]; ok {
				pp.ReloadConfig(p.AuditIntervalSec, p.SentinelIntervalSec)
			}
		}
		level, err := log.ParseLevel(fresh.LogLevel)
		if err == nil {
			log.SetLevel(level)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	logger.Info("agent started")
	<-sigCh
	logger.Info("shutdown signal received")

	for _, pp := range pipesByID {
		pp.Stop(10 * time.Second)
	}
	logger.Info("agent stopped")
	return nil
}

func serveMetrics(addr string, logger *log.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Warn("metrics server stopped")
	}
}
