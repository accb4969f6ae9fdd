// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
)

// DefaultKeepAliveInterval is how often an idle stream gets a comment line.
const DefaultKeepAliveInterval = 15 * time.Second

// StreamingOptions configures StreamingChatHandler.
type StreamingOptions struct {
	// KeepAliveInterval defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
	// Metrics may be nil.
	Metrics *observability.StreamingMetrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StreamingChatHandler serves the SSE and WebSocket chat transports.
//
// # Thread Safety
//
// Safe for concurrent use. Each request owns its stream.
type StreamingChatHandler struct {
	svc       ChatService
	keepAlive time.Duration
	metrics   *observability.StreamingMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewStreamingChatHandler builds the handler.
func NewStreamingChatHandler(svc ChatService, opts StreamingOptions) *StreamingChatHandler {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StreamingChatHandler{
		svc:       svc,
		keepAlive: opts.KeepAliveInterval,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(slog.String("component", "streaming_handler")),
		tracer:    otel.Tracer("aleutian.handlers"),
	}
}

// HandleChatStream serves GET /v1/chat/stream as Server-Sent Events.
//
// # Description
//
// Query parameters: session_id, message, rag_enabled, rag_strategy. After
// the stream starts the response carries X-Message-ID and a "start" event
// with the same id, which the client passes to the cancel endpoint. Then
// "message" events, at most one "cancelled" or "error", and "done".
//
// # Outputs
//
//   - 400/404/500 JSON before streaming for setup failures.
//   - 200 text/event-stream otherwise.
func (h *StreamingChatHandler) HandleChatStream(c *gin.Context) {
	endpoint := observability.EndpointSSEStream
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	var req datatypes.StreamRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.rejectInvalid(c, span, endpoint, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectInvalid(c, span, endpoint, err)
		return
	}

	// Cancelled when the client disconnects or the writer fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := h.svc.StartStream(ctx, h.chatRequest(c, req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		h.recordSetupError(endpoint, err)
		abortWithError(c, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("message_id", stream.ResponseID))

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	SetSSEHeaders(c.Writer)
	c.Header(HeaderMessageID, stream.ResponseID)
	c.Status(http.StatusOK)

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		// Nothing can be delivered; terminate the stream as client-gone.
		cancel()
		stream.Wait()
		h.logger.Error("SSE setup failed", slog.String("error", err.Error()))
		return
	}
	if err := writer.WriteStart(stream.ResponseID); err != nil {
		cancel()
	}

	// The heartbeat must be gone before the handler returns the writer to gin.
	var heartbeat sync.WaitGroup
	heartbeatDone := make(chan struct{})
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)
	}()
	defer heartbeat.Wait()
	defer close(heartbeatDone)

	fragments := h.pump(ctx, cancel, stream, startTime, endpoint, writer.WriteEvent)

	result := stream.Wait()
	h.recordResult(endpoint, startTime, result, fragments)
}

// pump forwards events until the stream closes. A failed write cancels ctx
// so the orchestrator terminates the generation as client-gone.
func (h *StreamingChatHandler) pump(
	ctx context.Context,
	cancel context.CancelFunc,
	stream *chat.Stream,
	startTime time.Time,
	endpoint observability.Endpoint,
	write func(datatypes.StreamEvent) error,
) int {
	fragments := 0
	writable := ctx.Err() == nil
	for ev := range stream.Events() {
		if !writable {
			continue
		}
		if ev.Type == datatypes.EventMessage {
			if fragments == 0 {
				h.metrics.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
			}
			fragments++
		}
		if ev.Type == datatypes.EventError {
			ev.Error = sanitizeErrorForClient(ev.Error)
		}
		if err := write(ev); err != nil {
			h.logger.Debug("Client write failed", slog.String("error", err.Error()))
			writable = false
			cancel()
		}
	}
	return fragments
}

func (h *StreamingChatHandler) chatRequest(c *gin.Context, req datatypes.StreamRequest) chat.StreamRequest {
	return chat.StreamRequest{
		Query:       req.Message,
		SessionID:   req.SessionID,
		UserID:      userIDFrom(c),
		RAGEnabled:  req.RAGEnabled,
		RAGStrategy: req.RAGStrategy,
	}
}

func (h *StreamingChatHandler) rejectInvalid(c *gin.Context, span trace.Span, endpoint observability.Endpoint, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid request")
	h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
	h.logger.Debug("Invalid stream request", slog.String("error", err.Error()))
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}

func (h *StreamingChatHandler) recordSetupError(endpoint observability.Endpoint, err error) {
	switch statusForError(err) {
	case http.StatusBadRequest:
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
	case http.StatusNotFound:
		h.metrics.RecordError(endpoint, observability.ErrorCodeNotFound)
	default:
		h.metrics.RecordError(endpoint, observability.ErrorCodeStorage)
	}
}

func (h *StreamingChatHandler) recordResult(endpoint observability.Endpoint, startTime time.Time, result chat.Result, fragments int) {
	h.metrics.RecordRequest(endpoint, result.Status)
	h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), result.Status)
	h.metrics.RecordFragments(fragments, h.svc.Provider().Model())
	switch {
	case result.Status == datatypes.StatusFailed:
		h.metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
	case isClientGone(result.Err):
		h.metrics.RecordClientDisconnect(endpoint)
	}
}

// runHeartbeat writes keepalive comments until done or ctx ends.
func (h *StreamingChatHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("Failed to write keepalive", slog.String("error", err.Error()))
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}
