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

// Package telemetry wires OpenTelemetry traces and metrics to the sink
// selected by CODEMACHINE_TRACE: a per-session JSON file, an OTLP endpoint,
// or stdout. Disabled entirely when the variable is unset.
package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// TracerName is the instrumentation scope for engine spans.
const TracerName = "codemachine.workflow"

// Provider owns the configured trace and meter providers.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	file     *os.File
}

// Enabled reports whether telemetry export is switched on.
func Enabled() bool {
	return os.Getenv("CODEMACHINE_TRACE") != ""
}

// Init configures exporters per the environment. Returns nil when telemetry
// is disabled.
func Init(ctx context.Context, tracesDir, version string) (*Provider, error) {
	mode := os.Getenv("CODEMACHINE_TRACE")
	if mode == "" {
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("codemachine"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "building telemetry resource")
	}

	p := &Provider{registry: prometheus.NewRegistry()}

	exporter, err := p.traceExporter(ctx, mode, tracesDir)
	if err != nil {
		return nil, err
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tp)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
	if err != nil {
		return nil, errors.Wrap(err, "creating prometheus exporter")
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.mp)

	return p, nil
}

// traceExporter selects the span sink: mode "1" writes a per-session JSON
// file (with a latest.json pointer), mode "2" or an explicit endpoint uses
// OTLP, and CODEMACHINE_TRACE_EXPORTER=stdout forces stdout.
func (p *Provider) traceExporter(ctx context.Context, mode, tracesDir string) (sdktrace.SpanExporter, error) {
	if os.Getenv("CODEMACHINE_TRACE_EXPORTER") == "stdout" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	endpoint := os.Getenv("CODEMACHINE_TRACE_OTLP_ENDPOINT")
	if mode == "2" || endpoint != "" {
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		if strings.HasPrefix(endpoint, "grpc://") {
			return otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(strings.TrimPrefix(endpoint, "grpc://")),
				otlptracegrpc.WithInsecure(),
			)
		}
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	}

	return p.fileExporter(tracesDir)
}

// fileExporter writes spans as JSON to traces/{date}/{time}.json and points
// latest.json at the session file.
func (p *Provider) fileExporter(tracesDir string) (sdktrace.SpanExporter, error) {
	now := time.Now()
	dir := filepath.Join(tracesDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating traces directory")
	}

	path := filepath.Join(dir, now.Format("15-04-05")+".json")
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace file")
	}
	p.file = f

	pointer, err := json.Marshal(map[string]string{"path": path})
	if err == nil {
		os.WriteFile(filepath.Join(tracesDir, "latest.json"), append(pointer, '\n'), 0o644)
	}

	return stdouttrace.New(
		stdouttrace.WithWriter(f),
	)
}

// Registry exposes the prometheus registry backing the metric exporter.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Shutdown flushes and releases all exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.file != nil {
		p.file.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
