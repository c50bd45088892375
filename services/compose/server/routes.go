// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName names server spans.
	ServiceName string

	// Debug adds gin's request logger.
	Debug bool
}

// RegisterRoutes registers the /v1 endpoints.
//
// Inputs:
//
//	rg - Router group, typically /v1
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET /v1/tree - Latest View
//	PUT /v1/items - Replace the list items (editor token)
//	GET /v1/history - Committed write sets
//	GET /v1/journal - Journal entries
//	GET /v1/audit - Audit events
//	GET /v1/logs - Recent log entries
//	GET /v1/watch - WebSocket stream of Views
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/tree", handlers.HandleTree)
	rg.PUT("/items", handlers.RequireEditor, handlers.HandleSetItems)
	rg.GET("/history", handlers.HandleHistory)
	rg.GET("/journal", handlers.HandleJournal)
	rg.GET("/audit", handlers.HandleAudit)
	rg.GET("/logs", handlers.HandleLogs)
	rg.GET("/watch", handlers.HandleWatch)
}

// NewRouter builds the engine with recovery, tracing, health, metrics and
// the /v1 routes.
func NewRouter(handlers *Handlers, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "recompose"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/readyz", handlers.HandleReady)
	router.GET("/metrics", gin.WrapH(metricsHandler()))

	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

// metricsHandler prefers the handler installed with the Prometheus metric
// exporter and falls back to the default registry.
func metricsHandler() http.Handler {
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}
