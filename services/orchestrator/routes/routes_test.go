// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubProvider struct{}

func (stubProvider) Name() string  { return "stub" }
func (stubProvider) Model() string { return "stub-model" }

func (stubProvider) Generate(context.Context, []llm.ChatMessage, llm.GenerationParams) (string, error) {
	return "stub answer", nil
}

func (stubProvider) GenerateStreaming(_ context.Context, _ []llm.ChatMessage, onFragment llm.FragmentFunc, _ llm.GenerationParams) error {
	return onFragment("stub")
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	orch, err := chat.New(stubProvider{}, storage.NewMemoryStore(),
		chat.WithTokenCounter(memory.NewTokenCounterWithTokenizer(nil, nil)))
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, orch, Options{Version: "test"})
	return router
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersEveryRoute(t *testing.T) {
	router := newRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chat"},
		{"GET", "/v1/chat/stream"},
		{"GET", "/v1/chat/ws"},
		{"POST", "/v1/chat/cancel/:message_id"},
		{"POST", "/v1/sessions"},
		{"GET", "/v1/sessions/:session_id"},
		{"GET", "/v1/sessions/:session_id/messages"},
		{"PUT", "/v1/sessions/:session_id/title"},
	}

	routes := router.Routes()
	assert.Len(t, routes, len(expected))
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestSetupRoutes_CustomMetricsHandler(t *testing.T) {
	orch, err := chat.New(stubProvider{}, storage.NewMemoryStore(),
		chat.WithTokenCounter(memory.NewTokenCounterWithTokenizer(nil, nil)))
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, orch, Options{
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestSetupRoutes_NilService_Panics(t *testing.T) {
	assert.Panics(t, func() {
		SetupRoutes(gin.New(), nil, Options{})
	})
}
