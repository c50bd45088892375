// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/recompose/pkg/extensions"
	"github.com/AleutianAI/recompose/pkg/validation"
	"github.com/AleutianAI/recompose/services/compose/host"
	"github.com/AleutianAI/recompose/services/compose/listview"
	"github.com/AleutianAI/recompose/services/compose/server"
)

type serveOptions struct {
	addr  string
	items []string
	token string
	debug bool
}

func newServeCmd(a *app) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a live keyed list over HTTP and WebSocket",
		Long: `Runs the host loop continuously and serves the composition:

  GET  /v1/tree      latest node tree and pass statistics
  PUT  /v1/items     {"label": "...", "items": ["a", "b"]}
  GET  /v1/watch     WebSocket stream of trees
  GET  /v1/history   committed write sets
  GET  /v1/journal   journal entries (with journal enabled)
  GET  /v1/audit     audit events of edits
  GET  /v1/logs      recent log entries
  GET  /metrics      Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "listen address")
	flags.StringSliceVar(&opts.items, "items", []string{"a", "b", "c"}, "initial list items")
	flags.StringVar(&opts.token, "token", os.Getenv("RECOMPOSE_TOKEN"), "bearer token required for edits (default: none required)")
	flags.BoolVar(&opts.debug, "debug", false, "log every request")
	return cmd
}

// serve runs the loop and the HTTP server until ctx is done or either
// fails.
func (a *app) serve(ctx context.Context, opts serveOptions) error {
	logger := a.log()

	var svc *server.Service
	rt, err := a.newRuntime(runtimeOptions{
		onFrame: func(fs host.FrameStats) { svc.OnFrame(fs) },
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := validation.ValidateItems(opts.items); err != nil {
		return fmt.Errorf("initial items: %w", err)
	}
	list, err := listview.New(rt.sys, "initial", opts.items)
	if err != nil {
		return err
	}

	ext := extensions.DefaultOptions().WithAudit(extensions.NewMemoryAuditLogger(a.cfg.HistorySize))
	if opts.token != "" {
		ext = ext.WithAuth(extensions.NewTokenAuthProvider(opts.token))
	} else {
		logger.Warn("serving without a token, every client may edit")
	}
	svc = server.NewService(server.Deps{
		Applier:    rt.applier,
		Loop:       rt.loop,
		List:       list,
		History:    rt.history,
		Journal:    rt.journal,
		Extensions: ext,
		Logs:       a.logTail,
		Logger:     logger,
	})
	defer svc.Close()
	rt.comp.SetContent(list.Content())

	if !opts.debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.NewHandlers(svc), server.RouterConfig{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Debug:       opts.debug,
	})
	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", opts.addr), slog.String("session", rt.session))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		svc.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", slog.Int64("frames", rt.loop.Frames()))
	return err
}
