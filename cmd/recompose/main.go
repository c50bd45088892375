// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Command recompose drives the reactive composition runtime from the
// command line.
//
// Usage:
//
//	recompose demo                    # keyed list: reorder, remove, insert
//	recompose stress --writers 16     # concurrent snapshot writers
//	recompose history --object 3      # commit journal and history queries
//	recompose serve --addr :8080      # live list over HTTP and WebSocket
//	recompose config                  # effective configuration
//
// Configuration is read from --config (YAML or JSON), then RECOMPOSE_*
// environment variables, then flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/recompose/pkg/logging"
	"github.com/AleutianAI/recompose/services/compose/config"
	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------------

// app carries the process-wide state set up before every subcommand.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool

	cfg      config.Config
	logger   *logging.Logger
	logTail  *logging.BufferedExporter
	shutdown func(context.Context) error
}

// logTailSize bounds the log entries kept for /v1/logs.
const logTailSize = 500

// log returns the process logger, or the default logger before setup ran.
func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "recompose",
		Short:             "Reactive composition runtime",
		Long:              "Runs compositions over a slot table, MVCC snapshots and an invalidation scheduler.",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (YAML or JSON)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")

	root.AddCommand(
		newDemoCmd(a),
		newStressCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration, then installs logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON = a.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	lc := cfg.LoggingConfig("recompose")
	lc.Writer = cmd.ErrOrStderr()
	if !flags.Changed("log-json") && lc.Writer == os.Stderr && !logging.IsTerminal(os.Stderr) {
		lc.JSON = true
	}
	a.logTail = logging.NewBufferedExporter(logTailSize)
	lc.Exporter = a.logTail
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger.Install()
	a.logger = logger

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig())
	if err != nil {
		_ = logger.Close()
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown

	a.log().Debug("configuration loaded",
		slog.String("config", a.configPath),
		slog.Int("max_passes_per_frame", cfg.MaxPassesPerFrame),
		slog.String("equality_policy", cfg.EqualityPolicy),
	)
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if a.shutdown != nil {
		err = a.shutdown(ctx)
		a.shutdown = nil
	}
	if a.logger != nil {
		if cerr := a.logger.Close(); cerr != nil && err == nil {
			err = cerr
		}
		a.logger = nil
	}
	return err
}
