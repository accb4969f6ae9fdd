// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the streaming
// transports.
//
// # Description
//
// Metrics cover the transport side of a generation: requests by outcome,
// output fragments, time to first fragment, stream duration, active streams,
// keepalives, client disconnects and cancellations. Generation counts on
// the orchestrator side are recorded through OpenTelemetry instead.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const streamingSubsystem = "streaming"

// StreamingMetrics holds the Prometheus collectors for streaming chat.
//
// # Fields
//
//   - RequestsTotal: Requests by endpoint and final status
//   - FragmentsTotal: Output fragments by model
//   - TimeToFirstTokenSeconds: Latency until the first fragment
//   - StreamDurationSeconds: Total stream duration by endpoint and status
//   - ActiveStreams: Streams currently open
//   - ErrorsTotal: Errors by endpoint and code
//   - KeepAlivesTotal: Keepalive pings sent
//   - ClientDisconnectsTotal: Clients that went away mid-stream
//   - CancellationsTotal: Explicit cancel requests by result
type StreamingMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	FragmentsTotal          *prometheus.CounterVec
	TimeToFirstTokenSeconds *prometheus.HistogramVec
	StreamDurationSeconds   *prometheus.HistogramVec
	ActiveStreams           *prometheus.GaugeVec
	ErrorsTotal             *prometheus.CounterVec
	KeepAlivesTotal         *prometheus.CounterVec
	ClientDisconnectsTotal  *prometheus.CounterVec
	CancellationsTotal      *prometheus.CounterVec
}

// DefaultMetrics is registered with the default Prometheus registry by
// InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics registers DefaultMetrics with prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewStreamingMetrics creates collectors registered with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and final status",
			},
			[]string{"endpoint", "status"},
		),
		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "output_fragments_total",
				Help:      "Total output fragments streamed by model",
			},
			[]string{"model"},
		),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streams",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by endpoint and code",
			},
			[]string{"endpoint", "error_code"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		CancellationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "cancellations_total",
				Help:      "Total cancel requests by result (cancelled, not_found)",
			},
			[]string{"result"},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// ErrorCode categorizes an error for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeStorage          ErrorCode = "storage"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint labels a transport.
type Endpoint string

const (
	EndpointSSEStream Endpoint = "sse_stream"
	EndpointWSStream  Endpoint = "ws_stream"
	EndpointChat      Endpoint = "chat"
)

// =============================================================================
// Helper Methods
// =============================================================================

// Helpers are nil-receiver safe so handlers can run without metrics.

// RecordRequest counts a finished request under its final status
// (completed, cancelled, failed).
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError counts an error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFragments adds streamed fragments for model.
func (m *StreamingMetrics) RecordFragments(fragments int, model string) {
	if m == nil || fragments <= 0 {
		return
	}
	m.FragmentsTotal.WithLabelValues(model).Add(float64(fragments))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken observes the first-fragment latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration observes total stream duration under its final status.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, status string) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive counts a keepalive ping.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts a client that went away mid-stream.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordCancellation counts a cancel request; found reports whether a
// stream was actually signalled.
func (m *StreamingMetrics) RecordCancellation(found bool) {
	if m == nil {
		return
	}
	result := "cancelled"
	if !found {
		result = "not_found"
	}
	m.CancellationsTotal.WithLabelValues(result).Inc()
}
