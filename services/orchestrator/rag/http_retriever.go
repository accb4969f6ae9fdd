// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxRetries        = 3
	defaultInitialRetryDelay = time.Second
)

// RetrievalError is a non-2xx answer from the RAG engine.
type RetrievalError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetrievalError reports whether err wraps a *RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// HTTPRetrieverConfig configures an HTTPRetriever.
type HTTPRetrieverConfig struct {
	// BaseURL of the RAG engine, e.g. "http://aleutian-rag-engine:8000".
	BaseURL string
	// MaxRetries after the first attempt for 502/503/504 and transport errors.
	// Zero means the default of 3; negative disables retries.
	MaxRetries int
	// InitialRetryDelay doubles after each retry.
	InitialRetryDelay time.Duration
	HTTPClient        *http.Client
}

// HTTPRetriever calls a RAG engine's retrieval-only endpoint.
//
// # Description
//
// Posts {query, session_id, max_chunks} to {BaseURL}/rag/retrieve/{strategy}
// and formats the returned chunks. When the engine already supplies
// context_text it is used verbatim.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPRetriever struct {
	baseURL    string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	logger     *slog.Logger
}

type retrievalRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	MaxChunks int    `json:"max_chunks"`
}

type retrievalResponse struct {
	Chunks          []Chunk `json:"chunks"`
	ContextText     string  `json:"context_text"`
	HasRelevantDocs bool    `json:"has_relevant_docs"`
}

// NewHTTPRetriever creates an HTTPRetriever.
func NewHTTPRetriever(cfg HTTPRetrieverConfig, logger *slog.Logger) (*HTTPRetriever, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rag: base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = defaultInitialRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRetriever{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.InitialRetryDelay,
		client:     cfg.HTTPClient,
		logger:     logger.With(slog.String("component", "http_retriever")),
	}, nil
}

// RetrieveContext implements Retriever.
func (r *HTTPRetriever) RetrieveContext(ctx context.Context, q Query) (string, error) {
	ctx, span := tracer.Start(ctx, "HTTPRetriever.RetrieveContext")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return "", nil
	}
	strategy := q.strategy()
	span.SetAttributes(
		attribute.String("rag.strategy", strategy),
		attribute.String("session_id", q.SessionID),
	)

	var lastErr error
	delay := r.retryDelay
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", delay.String()),
			))
			r.logger.Info("retrying retrieval",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("last_error", lastErr.Error()))

			select {
			case <-ctx.Done():
				recordSpanError(span, ctx.Err())
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := r.call(ctx, strategy, q)
		if err == nil {
			span.SetAttributes(
				attribute.Int("rag.chunks", len(resp.Chunks)),
				attribute.Int("rag.attempts", attempt+1),
			)
			if resp.ContextText != "" {
				return resp.ContextText, nil
			}
			return FormatChunks(resp.Chunks), nil
		}
		lastErr = err
		if !isRetryable(err) {
			recordSpanError(span, err)
			return "", err
		}
	}

	err := fmt.Errorf("retrieval failed after %d attempts: %w", r.maxRetries+1, lastErr)
	recordSpanError(span, err)
	return "", err
}

func (r *HTTPRetriever) call(ctx context.Context, strategy string, q Query) (*retrievalResponse, error) {
	payload, err := json.Marshal(retrievalRequest{
		Query:     q.Text,
		SessionID: q.SessionID,
		MaxChunks: q.maxChunks(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	url := fmt.Sprintf("%s/rag/retrieve/%s", r.baseURL, strategy)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read retrieval response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RetrievalError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	var out retrievalResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse retrieval response: %w", err)
	}
	return &out, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryable(err error) bool {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

var _ Retriever = (*HTTPRetriever)(nil)
