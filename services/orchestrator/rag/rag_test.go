// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestSystemPrompt(t *testing.T) {
	got, err := SystemPrompt("Paris is the capital of France.")
	require.NoError(t, err)
	assert.Equal(t,
		"Use the following information to answer the user's question:\n\nParis is the capital of France.",
		got)
}

func TestFormatChunks(t *testing.T) {
	got := FormatChunks([]Chunk{
		{Content: "alpha", Source: "a.md"},
		{Content: "   "},
		{Content: "beta"},
	})
	assert.Equal(t, "[Document 1: a.md]\nalpha\n\n[Document 2: unknown]\nbeta", got)
	assert.Equal(t, "", FormatChunks(nil))
}

func TestStaticAndNoopRetrievers(t *testing.T) {
	ctx := context.Background()

	got, err := NoopRetriever{}.RetrieveContext(ctx, Query{Text: "q"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = StaticRetriever{Context: "facts"}.RetrieveContext(ctx, Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "facts", got)

	_, err = StaticRetriever{Err: errors.New("down")}.RetrieveContext(ctx, Query{Text: "q"})
	assert.Error(t, err)
}

func TestHTTPRetriever_FormatsChunks(t *testing.T) {
	var gotPath string
	var gotBody retrievalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chunks":[{"content":"Go was announced in 2009.","source":"go.md"}],"has_relevant_docs":true}`))
	}))
	defer srv.Close()

	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	got, err := r.RetrieveContext(context.Background(), Query{Text: "When was Go announced?", SessionID: "s1", Strategy: "hybrid_search"})
	require.NoError(t, err)

	assert.Equal(t, "/rag/retrieve/hybrid_search", gotPath)
	assert.Equal(t, "When was Go announced?", gotBody.Query)
	assert.Equal(t, "s1", gotBody.SessionID)
	assert.Equal(t, DefaultMaxChunks, gotBody.MaxChunks)
	assert.Equal(t, "[Document 1: go.md]\nGo was announced in 2009.", got)
}

func TestHTTPRetriever_PrefersContextText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rag/retrieve/reranking", r.URL.Path)
		_, _ = w.Write([]byte(`{"chunks":[{"content":"x"}],"context_text":"prepared"}`))
	}))
	defer srv.Close()

	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	got, err := r.RetrieveContext(context.Background(), Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "prepared", got)
}

func TestHTTPRetriever_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"context_text":"ok"}`))
	}))
	defer srv.Close()

	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: srv.URL, InitialRetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	got, err := r.RetrieveContext(context.Background(), Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRetriever_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad strategy", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: srv.URL, InitialRetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = r.RetrieveContext(context.Background(), Query{Text: "q"})

	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.Equal(t, "bad strategy", re.Message)
	assert.False(t, re.Retryable)
	assert.True(t, IsRetrievalError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPRetriever_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: srv.URL, MaxRetries: 2, InitialRetryDelay: time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = r.RetrieveContext(context.Background(), Query{Text: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRetriever_EmptyQuerySkipsCall(t *testing.T) {
	r, err := NewHTTPRetriever(HTTPRetrieverConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	got, err := r.RetrieveContext(context.Background(), Query{Text: "  "})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewHTTPRetriever_RequiresURL(t *testing.T) {
	_, err := NewHTTPRetriever(HTTPRetrieverConfig{}, nil)
	assert.Error(t, err)
}

func TestParseGraphQLResponse(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				"Document": []any{
					map[string]any{
						"content":     "chunk one",
						"source":      "a.md",
						"_additional": map[string]any{"certainty": 0.91},
					},
				},
			},
		},
	}

	docs, err := parseDocuments(resp, "Document")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "chunk one", docs[0].Content)
	assert.Equal(t, "a.md", docs[0].Source)
	assert.InDelta(t, 0.91, docs[0].Additional.Certainty, 1e-9)

	_, err = ParseGraphQLResponse[struct{}](nil)
	assert.Error(t, err)
}

func TestWeaviateClientConfig(t *testing.T) {
	cfg, err := weaviateClientConfig("https://weaviate.internal:8443")
	require.NoError(t, err)
	assert.Equal(t, "https", cfg.Scheme)
	assert.Equal(t, "weaviate.internal:8443", cfg.Host)

	cfg, err = weaviateClientConfig("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Scheme)
	assert.Equal(t, "localhost:8080", cfg.Host)

	_, err = NewWeaviateRetriever(WeaviateConfig{}, nil)
	assert.Error(t, err)
}

func TestWeaviateRetriever_RetrieveContext(t *testing.T) {
	var graphQLQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/graphql":
			var body struct {
				Query string `json:"query"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			graphQLQuery = body.Query
			_, _ = w.Write([]byte(`{"data":{"Get":{"Document":[` +
				`{"content":"Badger is an embedded KV store.","source":"badger.md","_additional":{"certainty":0.8}}]}}}`))
		case "/v1/meta":
			_, _ = w.Write([]byte(`{"version":"1.35.2"}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	r, err := NewWeaviateRetriever(WeaviateConfig{URL: srv.URL, ScopeProperty: DefaultScopeProperty}, nil)
	require.NoError(t, err)

	got, err := r.RetrieveContext(context.Background(), Query{Text: "what is badger", SessionID: "s1", MaxChunks: 3})
	require.NoError(t, err)

	assert.Equal(t, "[Document 1: badger.md]\nBadger is an embedded KV store.", got)
	assert.True(t, strings.Contains(graphQLQuery, "Document"))
	assert.True(t, strings.Contains(graphQLQuery, "nearText"))
	assert.True(t, strings.Contains(graphQLQuery, "data_space"))
}
