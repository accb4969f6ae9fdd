// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/config"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// echoProvider streams the words of the last message, or blocks.
type echoProvider struct {
	block bool
}

func (echoProvider) Name() string  { return "echo" }
func (echoProvider) Model() string { return "echo-1" }

func (echoProvider) Generate(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	return messages[len(messages)-1].Content, nil
}

func (p echoProvider) GenerateStreaming(ctx context.Context, messages []llm.ChatMessage, onFragment llm.FragmentFunc, _ llm.GenerationParams) error {
	for _, w := range strings.Fields(messages[len(messages)-1].Content) {
		if err := onFragment(w + " "); err != nil {
			return err
		}
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func testOptions(provider llm.Provider) *Options {
	return &Options{
		Provider:      provider,
		Store:         storage.NewMemoryStore(),
		TokenCounter:  memory.NewTokenCounterWithTokenizer(nil, nil),
		Registry:      prometheus.NewRegistry(),
		SkipTelemetry: true,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	return &cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func createSession(t *testing.T, svc Service) string {
	t.Helper()
	off := false
	session, err := svc.Chat().CreateSession(context.Background(), chat.CreateSessionParams{RAGEnabled: &off})
	require.NoError(t, err)
	return session.ID
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestNew_WithOverrides(t *testing.T) {
	svc, err := New(testConfig(), testOptions(echoProvider{}))
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"provider":"echo"`)
	assert.Contains(t, w.Body.String(), `"version":"`+Version+`"`)
}

func TestNew_StreamAndMetrics(t *testing.T) {
	svc, err := New(testConfig(), testOptions(echoProvider{}))
	require.NoError(t, err)
	defer svc.Close()
	sessionID := createSession(t, svc)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/chat/stream?session_id="+sessionID+"&message=hello+there", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"token":"hello "`)
	assert.Contains(t, w.Body.String(), "event: done")

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_streaming_requests_total{endpoint="sse_stream",status="completed"} 1`)
}

func TestNew_AuthTokens(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthTokens = map[string]string{"t1": "alice"}
	svc, err := New(cfg, testOptions(echoProvider{}))
	require.NoError(t, err)
	defer svc.Close()

	session, err := svc.Chat().CreateSession(context.Background(), chat.CreateSessionParams{UserID: "alice"})
	require.NoError(t, err)
	path := "/v1/sessions/" + session.ID

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer t1")
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RetrieverSelection(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"none", func(c *config.Config) { c.RAG.Backend = "none" }, false},
		{"http", func(c *config.Config) { c.RAG.Backend = "http"; c.RAG.EngineURL = "http://rag:8000" }, false},
		{"http without url", func(c *config.Config) { c.RAG.Backend = "http" }, true},
		{"weaviate", func(c *config.Config) { c.RAG.Backend = "weaviate"; c.RAG.WeaviateURL = "http://weaviate:8080" }, false},
		{"weaviate without url", func(c *config.Config) { c.RAG.Backend = "weaviate" }, true},
		{"unknown", func(c *config.Config) { c.RAG.Backend = "crystal-ball" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			svc, err := New(cfg, testOptions(echoProvider{}))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, svc.Close())
		})
	}
}

func TestNew_StoreFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store = storage.Config{Backend: storage.BackendSQLite, Path: t.TempDir() + "/chat.db"}
	opts := testOptions(echoProvider{})
	opts.Store = nil

	svc, err := New(cfg, opts)
	require.NoError(t, err)
	createSession(t, svc)
	require.NoError(t, svc.Close())
	assert.NoError(t, svc.Close(), "close is idempotent")
}

func TestApplyReload(t *testing.T) {
	svc, err := New(testConfig(), testOptions(echoProvider{}))
	require.NoError(t, err)
	defer svc.Close()

	next := testConfig()
	next.Memory.MaxTokens = 777
	next.LLM.MaxTokens = 64
	svc.(*service).applyReload(next)

	cfg := svc.Chat().Config()
	assert.Equal(t, 777, cfg.MaxTokenLimit)
	require.NotNil(t, cfg.Params.MaxTokens)
	assert.Equal(t, 64, *cfg.Params.MaxTokens)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_ShutdownCancelsActiveStreams(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 5 * time.Second

	svc, err := New(cfg, testOptions(echoProvider{block: true}))
	require.NoError(t, err)
	sessionID := createSession(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/v1/chat/stream?session_id=" + sessionID + "&message=never+ending")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 1\n", line)

	require.Eventually(t, func() bool { return svc.Chat().ActiveStreams() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "event: cancelled")
	assert.Contains(t, string(rest), "event: done")

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
