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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	// DefaultHuggingFaceModel is used when HuggingFaceConfig.Model is empty.
	DefaultHuggingFaceModel = "mistralai/Mistral-7B-Instruct-v0.2"

	// DefaultChunkSize is the number of runes per simulated fragment.
	DefaultChunkSize = 5

	// DefaultChunkDelay is the pause between simulated fragments.
	DefaultChunkDelay = 50 * time.Millisecond

	huggingFaceInferenceURL = "https://api-inference.huggingface.co/models/"
)

// HuggingFaceConfig configures a HuggingFaceProvider.
type HuggingFaceConfig struct {
	// APIKey is sent as a Bearer token. Required.
	APIKey string
	// Model selects the hosted model when Endpoint is empty.
	Model string
	// Endpoint is a full inference URL (dedicated endpoint). Optional.
	Endpoint string
	// ChunkSize is the simulated fragment size in runes. Default 5.
	ChunkSize int
	// ChunkDelay paces simulated fragments. Default 50ms; negative disables pacing.
	ChunkDelay time.Duration
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// HuggingFaceProvider is the remote HTTP inference backend.
//
// # Description
//
// The inference API returns the whole completion in one response.
// GenerateStreaming therefore SIMULATES streaming: it performs one blocking
// Generate call and then re-chunks the text into fixed-size slices paced by
// a rate limiter.
//
// # Limitations
//
//   - Time to first fragment equals the full generation latency. Only the
//     delivery is incremental, not the generation.
//   - Cancellation during the upstream call takes effect only when the HTTP
//     request observes ctx.
//
// # Thread Safety
//
// Safe for concurrent use. Each stream gets its own limiter.
type HuggingFaceProvider struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	chunkSize  int
	chunkDelay time.Duration
	logger     *slog.Logger
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens"`
	Temperature    float32  `json:"temperature"`
	DoSample       bool     `json:"do_sample"`
	ReturnFullText bool     `json:"return_full_text"`
	TopP           *float32 `json:"top_p,omitempty"`
	Stop           []string `json:"stop,omitempty"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
	Error         string `json:"error"`
}

// NewHuggingFaceProvider creates a HuggingFaceProvider.
//
// # Outputs
//
//   - *HuggingFaceProvider: Ready to use.
//   - error: *ConfigurationError when the API key is missing.
func NewHuggingFaceProvider(cfg HuggingFaceConfig, logger *slog.Logger) (*HuggingFaceProvider, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Field: "huggingface.api_key", Reason: "not set"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultHuggingFaceModel
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = DefaultChunkDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = huggingFaceInferenceURL + cfg.Model
	}

	logger.Info("Initializing Hugging Face provider", "endpoint", endpoint)
	return &HuggingFaceProvider{
		httpClient: cfg.HTTPClient,
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		chunkSize:  cfg.ChunkSize,
		chunkDelay: cfg.ChunkDelay,
		logger:     logger.With(slog.String("provider", "huggingface")),
	}, nil
}

// Name implements Provider.
func (h *HuggingFaceProvider) Name() string { return "huggingface" }

// Model implements Provider.
func (h *HuggingFaceProvider) Model() string { return h.model }

// Generate implements Provider.
func (h *HuggingFaceProvider) Generate(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	prompt, err := RenderTranscript(messages)
	if err != nil {
		return "", &ProviderError{Provider: h.Name(), Message: "cannot render prompt", Err: err}
	}
	return h.GeneratePrompt(ctx, prompt, params)
}

// GeneratePrompt sends a raw prompt to the inference endpoint.
func (h *HuggingFaceProvider) GeneratePrompt(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "HuggingFaceProvider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", h.model), attribute.Int("llm.prompt_chars", len(prompt)))

	temperature := params.temperature()
	payload := hfRequest{
		Inputs: prompt,
		Parameters: hfParameters{
			MaxNewTokens:   params.maxTokens(),
			Temperature:    temperature,
			DoSample:       temperature > 0,
			ReturnFullText: false,
			TopP:           params.TopP,
			Stop:           params.Stop,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ProviderError{Provider: h.Name(), Message: "cannot encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		recordSpanError(span, err)
		return "", &ProviderError{Provider: h.Name(), Message: "cannot build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		perr := newTransportError(h.Name(), "request failed", err)
		recordSpanError(span, perr)
		h.logger.Error("Hugging Face request failed", "error", err)
		return "", perr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		perr := newTransportError(h.Name(), "cannot read response", err)
		recordSpanError(span, perr)
		return "", perr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := newStatusError(h.Name(), resp.StatusCode, respBody)
		recordSpanError(span, perr)
		h.logger.Error("Hugging Face returned an error", "status_code", resp.StatusCode, "response", perr.Message)
		return "", perr
	}

	text, err := parseHFResponse(respBody)
	if err != nil {
		perr := &ProviderError{Provider: h.Name(), StatusCode: resp.StatusCode, Message: err.Error()}
		recordSpanError(span, perr)
		return "", perr
	}
	return text, nil
}

// GenerateStreaming implements Provider by simulation; see the type docs.
func (h *HuggingFaceProvider) GenerateStreaming(ctx context.Context, messages []ChatMessage, onFragment FragmentFunc, params GenerationParams) error {
	text, err := h.Generate(ctx, messages, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failStream(onFragment, err)
	}

	var limiter *rate.Limiter
	if h.chunkDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(h.chunkDelay), 1)
	}

	for _, chunk := range chunkRunes(text, h.chunkSize) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The next chunk would land after the deadline.
				return failStream(onFragment, newTransportError(h.Name(), "pacing interrupted", err))
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := onFragment(chunk); err != nil {
			return err
		}
	}
	return nil
}

// parseHFResponse accepts both the list form ([{"generated_text": ...}])
// and the object form ({"generated_text": ...}).
func parseHFResponse(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty response body")
	}

	if trimmed[0] == '[' {
		var list []hfGeneration
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return "", fmt.Errorf("malformed response: %w", err)
		}
		if len(list) == 0 {
			return "", nil
		}
		return list[0].GeneratedText, nil
	}

	var single hfGeneration
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return "", fmt.Errorf("malformed response: %w", err)
	}
	if single.Error != "" {
		return "", fmt.Errorf("inference error: %s", single.Error)
	}
	return single.GeneratedText, nil
}

// chunkRunes splits s into slices of at most size runes.
func chunkRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

var _ Provider = (*HuggingFaceProvider)(nil)
