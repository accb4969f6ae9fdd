// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingAuthenticator struct{ err error }

func (f failingAuthenticator) Authenticate(context.Context, string) (string, error) {
	return "", f.err
}

func newRouter(auth Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(Identity(auth))
	r.GET("/who", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func get(r *gin.Engine, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", ""},
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"basic scheme", "Basic abc123", ""},
		{"no token", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

func TestIdentity_TrustsHeaderWithoutAuthenticator(t *testing.T) {
	r := newRouter(nil)

	w := get(r, HeaderUserID, " alice ")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = get(r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestIdentity_TokenAuthenticator(t *testing.T) {
	r := newRouter(TokenAuthenticator{"tok-1": "bob"})

	w := get(r, "Authorization", "Bearer tok-1", HeaderUserID, "mallory")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())

	w = get(r, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	w = get(r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentity_ProviderFailure(t *testing.T) {
	r := newRouter(failingAuthenticator{err: errors.New("directory unreachable")})

	w := get(r, "Authorization", "Bearer tok")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"authentication failed"}`, w.Body.String())
}
