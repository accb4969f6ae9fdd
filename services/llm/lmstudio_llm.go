// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultLMStudioBaseURL is the OpenAI-compatible root LM Studio serves by default.
const DefaultLMStudioBaseURL = "http://localhost:1234/v1"

// LMStudioConfig configures an LMStudioProvider.
type LMStudioConfig struct {
	// BaseURL defaults to DefaultLMStudioBaseURL.
	BaseURL string
	// APIKey is optional; sent as a Bearer token when set.
	APIKey string
	// Model is passed through as the "model" field. Optional for LM Studio.
	Model string
	// HTTPClient overrides the transport. Streams have no client timeout by default.
	HTTPClient *http.Client
	// CompletionMode renders the conversation into one prompt and uses
	// /completions, for models loaded without a chat template.
	CompletionMode bool
}

// LMStudioProvider is the local server backend speaking the OpenAI-compatible
// server-sent-event protocol.
//
// # Description
//
// Chat requests go to /chat/completions and read choices[0].delta.content.
// Prompt requests (CompleteStreaming, or every request in CompletionMode) go
// to /completions with a transcript from RenderTranscript and read
// choices[0].text. Blank lines, SSE comments and the [DONE] marker are
// skipped; undecodable lines are logged and skipped.
//
// # Thread Safety
//
// Safe for concurrent use.
type LMStudioProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	completion bool
	logger     *slog.Logger
}

type lmStudioRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
	TopP        *float32      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

// lmStudioChunk covers both payload shapes: chat (message / delta) and
// completion (text).
type lmStudioChunk struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type payloadShape int

const (
	shapeChat payloadShape = iota
	shapeCompletion
)

// NewLMStudioProvider creates an LMStudioProvider. It never fails on missing
// credentials because a local server usually needs none.
func NewLMStudioProvider(cfg LMStudioConfig, logger *slog.Logger) *LMStudioProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLMStudioBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	logger.Info("Initializing LM Studio provider", "base_url", baseURL, "model", cfg.Model)
	return &LMStudioProvider{
		httpClient: cfg.HTTPClient,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		completion: cfg.CompletionMode,
		logger:     logger.With(slog.String("provider", "lmstudio")),
	}
}

// Name implements Provider.
func (l *LMStudioProvider) Name() string { return "lmstudio" }

// Model implements Provider.
func (l *LMStudioProvider) Model() string { return l.model }

// Generate implements Provider with a non-streaming chat completion.
func (l *LMStudioProvider) Generate(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LMStudioProvider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.model), attribute.Int("llm.num_messages", len(messages)))

	path, payload := "/chat/completions", l.request(messages, "", params, false)
	if l.completion {
		prompt, err := RenderTranscript(messages)
		if err != nil {
			perr := &ProviderError{Provider: l.Name(), Message: "cannot render prompt", Err: err}
			recordSpanError(span, perr)
			return "", perr
		}
		path, payload = "/completions", l.request(nil, prompt, params, false)
	}

	resp, err := l.post(ctx, path, payload, "application/json")
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		perr := newTransportError(l.Name(), "cannot read response", err)
		recordSpanError(span, perr)
		return "", perr
	}

	var chunk lmStudioChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		perr := &ProviderError{Provider: l.Name(), StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
		recordSpanError(span, perr)
		return "", perr
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	if l.completion {
		return chunk.Choices[0].Text, nil
	}
	return chunk.Choices[0].Message.Content, nil
}

// GenerateStreaming implements Provider over /chat/completions, or over
// /completions in CompletionMode.
func (l *LMStudioProvider) GenerateStreaming(ctx context.Context, messages []ChatMessage, onFragment FragmentFunc, params GenerationParams) error {
	if l.completion {
		prompt, err := RenderTranscript(messages)
		if err != nil {
			return failStream(onFragment, &ProviderError{Provider: l.Name(), Message: "cannot render prompt", Err: err})
		}
		return l.CompleteStreaming(ctx, prompt, onFragment, params)
	}

	ctx, span := tracer.Start(ctx, "LMStudioProvider.GenerateStreaming")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.model), attribute.String("llm.endpoint", "chat"))

	err := l.stream(ctx, "/chat/completions", l.request(messages, "", params, true), shapeChat, onFragment)
	if err != nil && ctx.Err() == nil {
		recordSpanError(span, err)
	}
	return err
}

// CompleteStreaming streams a raw prompt over /completions.
func (l *LMStudioProvider) CompleteStreaming(ctx context.Context, prompt string, onFragment FragmentFunc, params GenerationParams) error {
	ctx, span := tracer.Start(ctx, "LMStudioProvider.CompleteStreaming")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.model), attribute.String("llm.endpoint", "completions"))

	err := l.stream(ctx, "/completions", l.request(nil, prompt, params, true), shapeCompletion, onFragment)
	if err != nil && ctx.Err() == nil {
		recordSpanError(span, err)
	}
	return err
}

func (l *LMStudioProvider) request(messages []ChatMessage, prompt string, params GenerationParams, stream bool) lmStudioRequest {
	return lmStudioRequest{
		Model:       l.model,
		Messages:    messages,
		Prompt:      prompt,
		MaxTokens:   params.maxTokens(),
		Temperature: params.temperature(),
		TopP:        params.TopP,
		Stop:        params.Stop,
		Stream:      stream,
	}
}

func (l *LMStudioProvider) stream(ctx context.Context, path string, payload lmStudioRequest, shape payloadShape, onFragment FragmentFunc) error {
	resp, err := l.post(ctx, path, payload, "text/event-stream")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failStream(onFragment, err)
	}
	defer resp.Body.Close()

	start := time.Now()
	fragments := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delta, ok := l.parseLine(scanner.Text(), shape)
		if !ok || delta == "" {
			continue
		}
		if err := onFragment(delta); err != nil {
			return err
		}
		fragments++
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		perr := newTransportError(l.Name(), "stream interrupted", err)
		l.logger.Error("LM Studio stream interrupted", "error", err, "fragments", fragments)
		return failStream(onFragment, perr)
	}

	l.logger.Debug("LM Studio stream finished", "fragments", fragments, "duration", time.Since(start))
	return nil
}

// parseLine extracts the delta from one SSE line. ok is false for lines that
// carry no data.
func (l *LMStudioProvider) parseLine(line string, shape payloadShape) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	data, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return "", false
	}

	var chunk lmStudioChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		l.logger.Warn("Skipping undecodable stream line", "error", err, "line", line)
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	if shape == shapeCompletion {
		return chunk.Choices[0].Text, true
	}
	return chunk.Choices[0].Delta.Content, true
}

func (l *LMStudioProvider) post(ctx context.Context, path string, payload lmStudioRequest, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: l.Name(), Message: "cannot encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: l.Name(), Message: "cannot build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Error("LM Studio request failed", "url", l.baseURL+path, "error", err)
		return nil, newTransportError(l.Name(), "request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		l.logger.Error("LM Studio returned an error", "status_code", resp.StatusCode)
		return nil, newStatusError(l.Name(), resp.StatusCode, respBody)
	}
	return resp, nil
}

var _ Provider = (*LMStudioProvider)(nil)
