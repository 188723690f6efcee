// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry builds the OpenTelemetry tracer provider every tool
// call's span is started from, and parses the W3C traceparent header the
// dispatcher uses to inherit a caller's trace id. Exporter selection is a
// small console/otlp-grpc/otlp-http factory, reduced to the one dimension
// this server's configuration exposes.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// ExporterKind selects where spans are sent.
type ExporterKind string

const (
	ExporterStdout   ExporterKind = "stdout"
	ExporterOTLPGRPC ExporterKind = "otlp_grpc"
	ExporterOTLPHTTP ExporterKind = "otlp_http"
	ExporterNone     ExporterKind = "none"
)

// Config selects the exporter backing the server's tracer provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       ExporterKind
	Endpoint       string // required for otlp_grpc/otlp_http
	Insecure       bool
}

// Provider owns the process-wide TracerProvider and its shutdown hook.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds the tracer provider for cfg.Exporter and registers it
// as the global OTel provider, so any library instrumented against
// go.opentelemetry.io/otel's package-level API picks it up automatically.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building span exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/dtbroker/dtbroker/internal/dispatch")}, nil
}

// Tracer returns the tracer every tool call starts its span from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartToolSpan starts the span for one tool call, inheriting the trace id
// carried by a caller-supplied traceparent header when it parses cleanly
// and minting a fresh trace id otherwise.
func (p *Provider) StartToolSpan(ctx context.Context, traceparent, tool string) (context.Context, trace.Span) {
	if sc, ok := ParseTraceparent(traceparent); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	return p.tracer.Start(ctx, "tool."+tool)
}

// Shutdown flushes any buffered spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case ExporterNone:
		return nil, nil
	default: // ExporterStdout and empty
		return stdouttrace.New()
	}
}

// ParseTraceparent parses a W3C "traceparent" header value
// ("00-<32 hex trace id>-<16 hex span id>-<flags>") into a remote span
// context the dispatcher can attach to the context it starts its own span
// from, so the new span's trace id is inherited rather than freshly
// minted. ok is false for an empty header or one that does not match the
// expected shape, in which case the dispatcher starts a fresh trace.
func ParseTraceparent(header string) (sc trace.SpanContext, ok bool) {
	if len(header) != 55 {
		return trace.SpanContext{}, false
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return trace.SpanContext{}, false
	}
	if header[0:2] == "ff" {
		return trace.SpanContext{}, false
	}
	tid, err := trace.TraceIDFromHex(header[3:35])
	if err != nil || !tid.IsValid() {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(header[36:52])
	if err != nil || !sid.IsValid() {
		return trace.SpanContext{}, false
	}
	flagsByte, err := hex.DecodeString(header[53:55])
	if err != nil {
		return trace.SpanContext{}, false
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.TraceFlags(flagsByte[0]),
		Remote:     true,
	}), true
}
