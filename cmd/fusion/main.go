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

// Command fusion runs the Fusion server: the authoritative view
// holder that arbitrates evidence pushed by agent pipes into a
// consistent tree per spec.md §4-§6.
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

	"github.com/excelwang/fustor-sub001/internal/config"
	"github.com/excelwang/fustor-sub001/internal/fusion/receiver"
	"github.com/excelwang/fustor-sub001/internal/fusion/session"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fustor-fusion",
	Short: "Fustor Fusion server",
	Long:  `Fusion fuses evidence from agent pipes into one authoritative view per monitored root.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to fusion.yaml (defaults to $FUSTOR_HOME/fusion.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)

	startCmd.Flags().IntP("port", "p", 0, "override bind_addr's port")
	startCmd.Flags().BoolP("daemon", "D", false, "daemonize: write a PID file under $FUSTOR_HOME (logging is not redirected)")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Fusion server",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a Fusion server is running, per its PID file",
	RunE:  runStatus,
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultFusionConfigPath()
	}
	return path
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid, err := os.ReadFile(config.PIDPath("fusion"))
	if err != nil {
		fmt.Println("fusion is not running")
		return nil
	}
	fmt.Printf("fusion is running, pid %s\n", pid)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFusionConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading fusion config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.BindAddr = fmt.Sprintf(":%d", port)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	logger := log.WithField("component", "cmd/fusion")

	if daemon, _ := cmd.Flags().GetBool("daemon"); daemon {
		if err := os.WriteFile(config.PIDPath("fusion"), []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			logger.WithError(err).Warn("failed to write PID file")
		}
		defer os.Remove(config.PIDPath("fusion"))
	}

	sessions := session.New()
	srv := receiver.NewServer(sessions)
	for _, v := range cfg.Views {
		srv.RegisterView(receiver.ViewConfig{
			ViewID:          v.ViewID,
			APIKey:          v.APIKey,
			AllowConcurrent: v.AllowConcurrent,
			TreeConfig: view.Config{
				HotFileThreshold:       v.HotFileThresholdSec,
				TombstoneTTLSeconds:    v.TombstoneTTLSec,
				SuspectCleanupInterval: time.Duration(v.SuspectCleanupIntervalMs) * time.Millisecond,
				MaxNodes:               v.MaxNodes,
			},
		})
		logger.WithField("view", v.ViewID).Info("view registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.RunFailoverSweeper(ctx, 5*time.Second)
	go srv.RunSuspectSweeper(ctx, 500*time.Millisecond)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	reloadCtx, reloadCancel := context.WithCancel(context.Background())
	defer reloadCancel()
	config.WatchSIGHUP(reloadCtx, func() error {
		fresh, err := config.LoadFusionConfig(configPath(cmd))
		if err != nil {
			return err
		}
		level, err := log.ParseLevel(fresh.LogLevel)
		if err == nil {
			log.SetLevel(level)
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" && cfg.TLSPrivateKey != "" {
			logger.WithField("addr", cfg.BindAddr).Info("fusion listening (TLS)")
			errCh <- httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSPrivateKey)
			return
		}
		logger.WithField("addr", cfg.BindAddr).Info("fusion listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("fusion server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown timed out")
	}
	logger.Info("fusion stopped")
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
