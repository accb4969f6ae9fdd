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
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.llm")

// Role names understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default generation knobs applied when GenerationParams leaves them unset.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = float32(0.7)
)

// errorFragmentPrefix marks a fragment that reports a failure instead of text.
const errorFragmentPrefix = "[ERROR]: "

// ChatMessage is one entry of the model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams holds optional sampling knobs. Nil pointers mean
// "use the provider default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	TopP        *float32 `json:"top_p" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
	Stop        []string `json:"stop" yaml:"stop"`
}

// FragmentFunc receives one incremental piece of generated text. Returning
// an error stops the stream; the provider returns that error unchanged.
type FragmentFunc func(fragment string) error

// Provider is the strategy interface over LLM backends.
//
// # Description
//
// Generate performs a blocking round trip and returns the full text.
// GenerateStreaming delivers text through onFragment and does NOT return the
// full text; callers accumulate it. Some backends can only push through a
// callback, so the callback is the one streaming contract.
//
// # Error Contract
//
// A non-2xx response or transport failure yields a *ProviderError. Before
// GenerateStreaming returns such an error it calls onFragment once with
// ErrorFragment(err), so a consumer that only watches the callback still
// observes the failure.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Provider interface {
	// Name identifies the backend in logs, metrics and errors.
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Generate returns the complete response for messages.
	Generate(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)

	// GenerateStreaming pushes incremental fragments to onFragment.
	GenerateStreaming(ctx context.Context, messages []ChatMessage, onFragment FragmentFunc, params GenerationParams) error
}

// ErrorFragment renders err as the sentinel fragment delivered to stream
// callbacks before a provider failure is returned.
func ErrorFragment(err error) string {
	if err == nil {
		return errorFragmentPrefix + "unknown error"
	}
	return errorFragmentPrefix + err.Error()
}

// IsErrorFragment reports whether fragment is a sentinel produced by
// ErrorFragment rather than generated text.
func IsErrorFragment(fragment string) bool {
	return strings.HasPrefix(fragment, errorFragmentPrefix)
}

// Float32 returns a pointer to v, for filling GenerationParams.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for filling GenerationParams.
func Int(v int) *int { return &v }

func (p GenerationParams) maxTokens() int {
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		return *p.MaxTokens
	}
	return DefaultMaxTokens
}

func (p GenerationParams) temperature() float32 {
	if p.Temperature != nil {
		return *p.Temperature
	}
	return DefaultTemperature
}

// failStream delivers the sentinel fragment and returns err.
func failStream(onFragment FragmentFunc, err error) error {
	_ = onFragment(ErrorFragment(err))
	return err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
