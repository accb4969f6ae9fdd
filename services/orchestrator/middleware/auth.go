// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware resolves the caller identity for chat routes.
//
// Without an Authenticator the X-User-ID header is trusted as-is, which
// suits a service behind a gateway that already authenticated the caller.
// With one, requests must carry "Authorization: Bearer <token>" and the
// header is ignored.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller's user id when no Authenticator is set.
const HeaderUserID = "X-User-ID"

const userIDKey = "aleutian_stream_user_id"

// ErrUnauthorized is returned by an Authenticator that rejects a token.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator maps a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// TokenAuthenticator accepts a fixed set of tokens.
//
// # Thread Safety
//
// Safe for concurrent use; the map must not be modified after
// construction.
type TokenAuthenticator map[string]string

var _ Authenticator = TokenAuthenticator(nil)

// Authenticate returns the user the token belongs to.
func (t TokenAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	user, ok := t[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return user, nil
}

// SetUserID stores the resolved user id in the gin context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID returns the resolved user id, or "" when the request is anonymous.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// Identity resolves the caller and stores it with SetUserID.
//
// # Description
//
// A nil auth copies X-User-ID. Otherwise the bearer token is checked and
// the request is aborted with 401 when it is missing or rejected.
func Identity(auth Authenticator) gin.HandlerFunc {
	if auth == nil {
		return func(c *gin.Context) {
			SetUserID(c, strings.TrimSpace(c.GetHeader(HeaderUserID)))
			c.Next()
		}
	}
	return func(c *gin.Context) {
		userID, err := auth.Authenticate(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		SetUserID(c, userID)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
