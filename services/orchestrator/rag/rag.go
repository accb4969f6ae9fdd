// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag supplies retrieval context for generation.
//
// # Description
//
// The chat core asks a Retriever for a context string and, when it is
// non-empty, prepends it to the model input as a system message rendered by
// SystemPrompt. Retrieval failures never fail a generation; callers log them
// and continue with no context.
//
// Three retrievers are provided:
//   - NoopRetriever: RAG disabled at deployment level.
//   - HTTPRetriever: a RAG engine exposing POST /rag/retrieve/{strategy}.
//   - WeaviateRetriever: nearText search over a Weaviate document class.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.orchestrator.rag")

// DefaultStrategy is used when a request names none.
const DefaultStrategy = "reranking"

// DefaultMaxChunks bounds the number of chunks joined into one context.
const DefaultMaxChunks = 5

// Query describes one retrieval.
type Query struct {
	Text      string
	SessionID string
	Strategy  string
	MaxChunks int
}

func (q Query) strategy() string {
	if q.Strategy == "" {
		return DefaultStrategy
	}
	return q.Strategy
}

func (q Query) maxChunks() int {
	if q.MaxChunks <= 0 {
		return DefaultMaxChunks
	}
	return q.MaxChunks
}

// Retriever returns context text for a query. An empty string means
// nothing relevant was found.
type Retriever interface {
	RetrieveContext(ctx context.Context, q Query) (string, error)
}

// Chunk is one retrieved passage.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score,omitempty"`
}

// FormatChunks joins chunks as "[Document N: source]\ncontent" blocks.
// Chunks with blank content are skipped.
func FormatChunks(chunks []Chunk) string {
	var b strings.Builder
	n := 0
	for _, c := range chunks {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		n++
		if n > 1 {
			b.WriteString("\n\n")
		}
		source := c.Source
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&b, "[Document %d: %s]\n%s", n, source, content)
	}
	return b.String()
}

// NoopRetriever never finds anything.
type NoopRetriever struct{}

// RetrieveContext implements Retriever.
func (NoopRetriever) RetrieveContext(context.Context, Query) (string, error) { return "", nil }

// StaticRetriever always returns the same context. Useful for the CLI and tests.
type StaticRetriever struct {
	Context string
	Err     error
}

// RetrieveContext implements Retriever.
func (s StaticRetriever) RetrieveContext(context.Context, Query) (string, error) {
	return s.Context, s.Err
}

var (
	_ Retriever = NoopRetriever{}
	_ Retriever = StaticRetriever{}
)

// ===== Prompt =====

const systemPromptTemplate = "Use the following information to answer the user's question:\n\n{{.context}}"

var systemPrompt = prompts.NewPromptTemplate(systemPromptTemplate, []string{"context"})

// SystemPrompt renders the instruction that carries retrieved context.
func SystemPrompt(contextText string) (string, error) {
	out, err := systemPrompt.Format(map[string]any{"context": contextText})
	if err != nil {
		return "", fmt.Errorf("render rag system prompt: %w", err)
	}
	return out, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
