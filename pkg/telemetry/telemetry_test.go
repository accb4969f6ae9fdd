// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "aleutian-stream" {
		t.Errorf("ServiceName = %q, want aleutian-stream", cfg.ServiceName)
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none", cfg.TraceExporter)
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want prometheus", cfg.MetricExporter)
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	if got := DefaultConfig().TraceExporter; got != "stdout" {
		t.Errorf("TraceExporter = %q, want stdout", got)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{TraceExporter: "none", MetricExporter: "none"})
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want ErrNilContext", err)
	}
}

func TestInit_NoExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_UnknownTraceExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin", MetricExporter: "none"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init() error = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_StdoutTracer(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test", TraceExporter: "stdout", MetricExporter: "none"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span from the stdout provider")
	}
	span.End()
}
