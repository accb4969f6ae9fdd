// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
)

// Options configures SetupRoutes. Zero values are usable.
type Options struct {
	// Version is reported by /health.
	Version string
	// Metrics may be nil.
	Metrics *observability.StreamingMetrics
	// MetricsHandler serves /metrics; defaults to promhttp.Handler().
	MetricsHandler http.Handler
	// KeepAliveInterval for SSE streams.
	KeepAliveInterval time.Duration
	// Authenticator, when set, requires bearer tokens on /v1 routes.
	Authenticator middleware.Authenticator
	Logger        *slog.Logger
}

// SetupRoutes registers every endpoint on router.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/chat/stream
//	GET  /v1/chat/ws
//	POST /v1/chat/cancel/:message_id
//	POST /v1/chat
//	POST /v1/sessions
//	GET  /v1/sessions/:session_id
//	GET  /v1/sessions/:session_id/messages
//	PUT  /v1/sessions/:session_id/title
func SetupRoutes(router *gin.Engine, svc handlers.ChatService, opts Options) {
	if svc == nil {
		panic("routes: chat service must not be nil")
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}

	streaming := handlers.NewStreamingChatHandler(svc, handlers.StreamingOptions{
		KeepAliveInterval: opts.KeepAliveInterval,
		Metrics:           opts.Metrics,
		Logger:            opts.Logger,
	})
	sessions := handlers.NewSessionHandler(svc, opts.Logger)

	router.GET("/health", handlers.HandleHealth(svc, opts.Version))
	router.GET("/metrics", gin.WrapH(opts.MetricsHandler))

	v1 := router.Group("/v1")
	v1.Use(middleware.Identity(opts.Authenticator))
	{
		chat := v1.Group("/chat")
		{
			chat.POST("", handlers.HandleChat(svc, opts.Metrics, opts.Logger))
			chat.GET("/stream", streaming.HandleChatStream)
			chat.GET("/ws", streaming.HandleChatWebSocket)
			chat.POST("/cancel/:message_id", handlers.HandleCancel(svc, opts.Metrics, opts.Logger))
		}
		sessionGroup := v1.Group("/sessions")
		{
			sessionGroup.POST("", sessions.Create)
			sessionGroup.GET("/:session_id", sessions.Get)
			sessionGroup.GET("/:session_id/messages", sessions.Messages)
			sessionGroup.PUT("/:session_id/title", sessions.UpdateTitle)
		}
	}
}
