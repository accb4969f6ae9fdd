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

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
)

// HandleCancel serves POST /v1/chat/cancel/:message_id.
//
// # Description
//
// Sets the abort signal of the caller's running stream. The stream itself
// reports the outcome with a "cancelled" event; this endpoint only says
// whether a stream was found. Unknown ids, finished streams and streams of
// other users answer not_found with 200, so clients can call it blindly. A
// repeated cancel of a stream that has not finalized yet answers success.
func HandleCancel(svc ChatService, metrics *observability.StreamingMetrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cancel_handler"))

	return func(c *gin.Context) {
		messageID := c.Param("message_id")
		if messageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
			return
		}

		found := svc.CancelFor(c.Request.Context(), messageID, userIDFrom(c))
		metrics.RecordCancellation(found)
		logger.Info("Cancel requested",
			slog.String("message_id", messageID),
			slog.Bool("found", found))

		if !found {
			c.JSON(http.StatusOK, datatypes.CancelResponse{
				Status:  datatypes.CancelStatusNotFound,
				Message: "no active generation with that id",
			})
			return
		}
		c.JSON(http.StatusOK, datatypes.CancelResponse{
			Status:  datatypes.CancelStatusSuccess,
			Message: "generation cancelled",
		})
	}
}
