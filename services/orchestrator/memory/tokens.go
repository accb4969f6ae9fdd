// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used for budget accounting.
const DefaultEncoding = "cl100k_base"

// Tokenizer turns text into a token count.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// TokenizerFunc adapts a plain function to Tokenizer.
type TokenizerFunc func(text string) (int, error)

// CountTokens implements Tokenizer.
func (f TokenizerFunc) CountTokens(text string) (int, error) { return f(text) }

// DefaultTokenizerLoadTimeout bounds how long the first CountTokens call
// waits for the BPE ranks. tiktoken downloads them when no cache exists,
// which hangs on networks that drop the connection silently.
const DefaultTokenizerLoadTimeout = 3 * time.Second

// errTokenizerLoading is returned while the encoding is still loading.
var errTokenizerLoading = errors.New("tiktoken: encoding still loading")

// tiktokenTokenizer loads its encoding in the background on first use.
//
// The first caller waits up to loadTimeout; after that callers never block
// and get errTokenizerLoading until the load finishes.
type tiktokenTokenizer struct {
	encoding    string
	loadTimeout time.Duration
	load        func(encoding string) (*tiktoken.Tiktoken, error)

	once   sync.Once
	ready  chan struct{}
	waited atomic.Bool
	enc    *tiktoken.Tiktoken
	err    error
}

// NewTiktokenTokenizer returns a Tokenizer backed by the named tiktoken
// encoding. The BPE ranks are loaded lazily on the first CountTokens call.
func NewTiktokenTokenizer(encoding string) Tokenizer {
	return newTiktokenTokenizer(encoding, DefaultTokenizerLoadTimeout, tiktoken.GetEncoding)
}

func newTiktokenTokenizer(encoding string, timeout time.Duration, load func(string) (*tiktoken.Tiktoken, error)) *tiktokenTokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &tiktokenTokenizer{
		encoding:    encoding,
		loadTimeout: timeout,
		load:        load,
		ready:       make(chan struct{}),
	}
}

func (t *tiktokenTokenizer) CountTokens(text string) (int, error) {
	t.once.Do(func() {
		go func() {
			defer close(t.ready)
			t.enc, t.err = t.load(t.encoding)
		}()
	})

	if !t.waited.Load() {
		timer := time.NewTimer(t.loadTimeout)
		select {
		case <-t.ready:
		case <-timer.C:
		}
		timer.Stop()
		t.waited.Store(true)
	}

	select {
	case <-t.ready:
	default:
		return 0, errTokenizerLoading
	}
	if t.err != nil {
		return 0, t.err
	}
	if t.enc == nil {
		return 0, errors.New("tiktoken: encoding not loaded")
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// TokenCounter estimates how many model tokens a text occupies.
//
// # Description
//
// Count never fails or blocks for long. When the tokenizer errors or is
// still loading, the count falls back to ceil(runes/4) and a warning is
// logged once per counter.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenCounter struct {
	tokenizer Tokenizer
	logger    *slog.Logger
	warnOnce  sync.Once
}

// NewTokenCounter returns a counter using tiktoken cl100k_base.
func NewTokenCounter(logger *slog.Logger) *TokenCounter {
	return NewTokenCounterWithTokenizer(NewTiktokenTokenizer(DefaultEncoding), logger)
}

// NewTokenCounterWithTokenizer returns a counter using tok.
// A nil tokenizer always takes the fallback path.
func NewTokenCounterWithTokenizer(tok Tokenizer, logger *slog.Logger) *TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCounter{
		tokenizer: tok,
		logger:    logger.With(slog.String("component", "token_counter")),
	}
}

// Count returns the token count of text, always >= 0.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.tokenizer != nil {
		n, err := c.tokenizer.CountTokens(text)
		if err == nil && n >= 0 {
			return n
		}
		c.warnOnce.Do(func() {
			attrs := []any{}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			c.logger.Warn("tokenizer unavailable, estimating tokens from rune count", attrs...)
		})
	}
	return EstimateTokens(text)
}

// EstimateTokens is the rune-based fallback: ceil(runes/4).
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}
