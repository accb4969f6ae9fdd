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

	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

// SessionHandler serves the session endpoints the chat flow relies on.
type SessionHandler struct {
	svc    ChatService
	logger *slog.Logger
}

// NewSessionHandler builds the handler.
func NewSessionHandler(svc ChatService, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{svc: svc, logger: logger.With(slog.String("component", "session_handler"))}
}

// Create serves POST /v1/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req datatypes.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var title *string
	if req.Title != "" {
		title = &req.Title
	}
	session, err := h.svc.CreateSession(c.Request.Context(), chat.CreateSessionParams{
		UserID:      userIDFrom(c),
		Title:       title,
		RAGEnabled:  req.RAGEnabled,
		RAGStrategy: req.RAGStrategy,
		Metadata:    req.Metadata,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// Get serves GET /v1/sessions/:session_id.
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.svc.Session(c.Request.Context(), c.Param("session_id"), userIDFrom(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Messages serves GET /v1/sessions/:session_id/messages.
func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID := c.Param("session_id")
	messages, err := h.svc.Messages(c.Request.Context(), sessionID, userIDFrom(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

// UpdateTitle serves PUT /v1/sessions/:session_id/title. An absent or null
// title derives one from the conversation.
func (h *SessionHandler) UpdateTitle(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req datatypes.UpdateTitleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	// Ownership check; the title update itself is not user scoped.
	if _, err := h.svc.Session(c.Request.Context(), sessionID, userIDFrom(c)); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	title, err := h.svc.UpdateSessionTitle(c.Request.Context(), sessionID, req.Title)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "title": title})
}
