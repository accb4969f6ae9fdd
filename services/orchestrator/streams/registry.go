// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streams tracks in-flight generations so they can be cancelled.
//
// A Registry maps response ids to single-shot AbortSignals. It is owned by
// one orchestrator; there is no process-wide instance.
package streams

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AbortReason records why a signal fired.
type AbortReason struct {
	// Message is a human-readable description, e.g. "cancelled by user".
	Message string
	// Timestamp is when Set first succeeded.
	Timestamp time.Time
}

// AbortSignal is a set-once flag observable through a channel.
//
// Thread Safety: Safe for concurrent use. Only the first Set has effect.
type AbortSignal struct {
	once   sync.Once
	done   chan struct{}
	set    atomic.Bool
	reason atomic.Pointer[AbortReason]
}

// NewAbortSignal returns an unset signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// Set fires the signal. It reports whether this call was the one that fired it.
func (s *AbortSignal) Set(message string) bool {
	fired := false
	s.once.Do(func() {
		s.reason.Store(&AbortReason{Message: message, Timestamp: time.Now()})
		s.set.Store(true)
		close(s.done)
		fired = true
	})
	return fired
}

// IsSet reports whether the signal has fired.
func (s *AbortSignal) IsSet() bool { return s.set.Load() }

// Done is closed when the signal fires.
func (s *AbortSignal) Done() <-chan struct{} { return s.done }

// Reason returns the reason given to the first Set, or nil.
func (s *AbortSignal) Reason() *AbortReason { return s.reason.Load() }

// Reasons passed to Set by the registry.
const (
	ReasonUser     = "cancelled by user"
	ReasonShutdown = "server shutting down"
)

// Registry maps response ids to abort signals.
//
// # Description
//
// At most one signal exists per response id. Register is idempotent so a
// retried registration observes the same signal. Entries are removed by
// Unregister when a generation ends, or all at once by CancelAll.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	signals map[string]*AbortSignal
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		signals: make(map[string]*AbortSignal),
		logger:  logger.With(slog.String("component", "stream_registry")),
	}
}

// Register returns the signal for id, creating it if needed.
func (r *Registry) Register(id string) *AbortSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[id]; ok {
		return s
	}
	s := NewAbortSignal()
	r.signals[id] = s
	r.logger.Debug("stream registered", slog.String("message_id", id), slog.Int("active", len(r.signals)))
	return s
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[id]; !ok {
		return
	}
	delete(r.signals, id)
	r.logger.Debug("stream unregistered", slog.String("message_id", id), slog.Int("active", len(r.signals)))
}

// Cancel fires the signal for id.
//
// # Outputs
//
//   - bool: True if id was registered, false otherwise.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	s, ok := r.signals[id]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("cancel for unknown stream", slog.String("message_id", id))
		return false
	}
	s.Set(ReasonUser)
	r.logger.Info("stream cancel requested", slog.String("message_id", id))
	return true
}

// CancelAll fires every signal and empties the registry.
//
// # Outputs
//
//   - int: Number of streams signalled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	signals := r.signals
	r.signals = make(map[string]*AbortSignal)
	r.mu.Unlock()

	for _, s := range signals {
		s.Set(ReasonShutdown)
	}
	if len(signals) > 0 {
		r.logger.Warn("cancelled all streams", slog.Int("count", len(signals)))
	}
	return len(signals)
}

// Active returns the number of registered streams.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

// IDs returns the registered response ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.signals))
	for id := range r.signals {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
