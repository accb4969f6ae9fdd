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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.handlers")

// HandleChat serves POST /v1/chat: one blocking answer, no events.
func HandleChat(svc ChatService, metrics *observability.StreamingMetrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "chat_handler"))

	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.StreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid request body")
			metrics.RecordError(observability.EndpointChat, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			metrics.RecordError(observability.EndpointChat, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		resp, err := svc.GenerateResponse(ctx, chat.StreamRequest{
			Query:       req.Message,
			SessionID:   req.SessionID,
			UserID:      userIDFrom(c),
			RAGEnabled:  req.RAGEnabled,
			RAGStrategy: req.RAGStrategy,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate failed")
			metrics.RecordRequest(observability.EndpointChat, datatypes.StatusFailed)
			if statusForError(err) == http.StatusBadGateway {
				metrics.RecordError(observability.EndpointChat, observability.ErrorCodeLLMError)
			}
			abortWithError(c, logger, err)
			return
		}

		metrics.RecordRequest(observability.EndpointChat, datatypes.StatusCompleted)
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			MessageID: resp.MessageID,
			SessionID: resp.SessionID,
			Answer:    resp.Answer,
		})
	}
}
