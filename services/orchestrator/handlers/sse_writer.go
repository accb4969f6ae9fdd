// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events.
//
// # Description
//
// Events are framed as "id: N\nevent: type\ndata: json\n\n" where N counts
// up from 1 per response, so clients can spot gaps. Each write is flushed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive goroutine
// writes alongside the event loop.
type SSEWriter interface {
	// WriteStart announces the response id before any fragment.
	WriteStart(messageID string) error

	// WriteEvent writes one stream event.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive writes an SSE comment line.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	seq     uint64
}

// NewSSEWriter wraps w, which must implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteStart(messageID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventStart, MessageID: messageID})
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	if _, err := fmt.Fprintf(w.writer, "id: %d\nevent: %s\ndata: %s\n\n", w.seq, event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers required for an event stream and disables
// proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
