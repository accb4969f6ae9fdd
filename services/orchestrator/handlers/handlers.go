// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and WebSocket transports for the chat
// orchestrator.
//
// Setup failures (validation, unknown session, storage) are answered with a
// JSON error before any event is written. Once a stream has started every
// outcome, including failure, is delivered as events.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/middleware"
)

// HeaderUserID carries the caller identity when the identity middleware
// has not resolved one.
const HeaderUserID = middleware.HeaderUserID

// HeaderMessageID returns the response id of a started stream.
const HeaderMessageID = "X-Message-ID"

// ChatService is the orchestrator surface the transports need.
type ChatService interface {
	StartStream(ctx context.Context, req chat.StreamRequest) (*chat.Stream, error)
	GenerateResponse(ctx context.Context, req chat.StreamRequest) (chat.Response, error)
	CancelFor(ctx context.Context, responseID, userID string) bool
	ActiveStreams() int
	Provider() llm.Provider

	CreateSession(ctx context.Context, p chat.CreateSessionParams) (datatypes.Session, error)
	Session(ctx context.Context, sessionID, userID string) (datatypes.Session, error)
	Messages(ctx context.Context, sessionID, userID string) ([]datatypes.Message, error)
	UpdateSessionTitle(ctx context.Context, sessionID string, title *string) (string, error)
}

var _ ChatService = (*chat.Orchestrator)(nil)

func userIDFrom(c *gin.Context) string {
	if id := middleware.UserID(c); id != "" {
		return id
	}
	return c.GetHeader(HeaderUserID)
}

// statusForError maps orchestrator errors to HTTP status codes.
func statusForError(err error) int {
	var providerErr *llm.ProviderError
	switch {
	case errors.Is(err, chat.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &providerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage is the JSON error text for a setup failure.
func clientMessage(err error) string {
	switch statusForError(err) {
	case http.StatusBadRequest:
		return "message must not be empty"
	case http.StatusNotFound:
		return "session not found"
	case http.StatusBadGateway:
		return "the model provider failed to generate a response"
	default:
		return "internal error"
	}
}

func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	} else {
		logger.Debug("Request rejected", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": clientMessage(err)})
}

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Provider errors can carry upstream bodies, URLs and key fragments. Stream
// error events only ever carry this generic text; the full message is
// persisted on the assistant message and logged.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}

func isClientGone(err error) bool {
	return errors.Is(err, chat.ErrClientGone)
}
