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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultOpenAIModel is used when OpenAIConfig.Model is empty.
const DefaultOpenAIModel = "gpt-3.5-turbo"

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string
	// Model defaults to DefaultOpenAIModel.
	Model string
	// BaseURL overrides the API root, e.g. for an OpenAI-compatible gateway.
	BaseURL string
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// OpenAIProvider is the remote batch API backend with native token streaming.
//
// # Description
//
// Uses go-openai's chat completion endpoints. Every streamed delta is
// forwarded unmodified, in arrival order.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIProvider creates an OpenAIProvider.
//
// # Inputs
//
//   - cfg: Provider settings. APIKey is required.
//   - logger: Optional; defaults to slog.Default().
//
// # Outputs
//
//   - *OpenAIProvider: Ready to use.
//   - error: *ConfigurationError when the API key is missing.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Field: "openai.api_key", Reason: "not set"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	logger.Info("Initializing OpenAI provider", "model", cfg.Model)
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.With(slog.String("provider", "openai")),
	}, nil
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string { return "openai" }

// Model implements Provider.
func (o *OpenAIProvider) Model() string { return o.model }

// Generate implements Provider.
func (o *OpenAIProvider) Generate(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIProvider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params, false))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		perr := o.wrapError(err)
		recordSpanError(span, perr)
		o.logger.Error("OpenAI API call failed", "error", err)
		return "", perr
	}
	if len(resp.Choices) == 0 {
		perr := &ProviderError{Provider: o.Name(), Message: "response contained no choices"}
		recordSpanError(span, perr)
		return "", perr
	}

	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// GenerateStreaming implements Provider.
//
// Stops consuming as soon as ctx is cancelled; no fragment is forwarded
// after cancellation is observed.
func (o *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []ChatMessage, onFragment FragmentFunc, params GenerationParams) error {
	ctx, span := tracer.Start(ctx, "OpenAIProvider.GenerateStreaming")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(messages, params, true))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		perr := o.wrapError(err)
		recordSpanError(span, perr)
		o.logger.Error("OpenAI stream request failed", "error", err)
		return failStream(onFragment, perr)
	}
	defer stream.Close()

	fragments := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			span.SetAttributes(attribute.Int("llm.fragments", fragments))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			perr := o.wrapError(err)
			recordSpanError(span, perr)
			o.logger.Error("OpenAI stream interrupted", "error", err, "fragments", fragments)
			return failStream(onFragment, perr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onFragment(delta); err != nil {
			return err
		}
		fragments++
	}
}

func (o *OpenAIProvider) buildRequest(messages []ChatMessage, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: params.temperature(),
		MaxTokens:   params.maxTokens(),
		Stream:      stream,
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func (o *OpenAIProvider) wrapError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: o.Name(), StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: o.Name(), StatusCode: reqErr.HTTPStatusCode, Message: fmt.Sprint(reqErr.Err), Err: err}
	}
	return newTransportError(o.Name(), "request failed", err)
}

var _ Provider = (*OpenAIProvider)(nil)
