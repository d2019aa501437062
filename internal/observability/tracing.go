// Package observability configures OpenTelemetry tracing for the engine.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "rtengine"

// Exporter names accepted by InitTracing.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlphttp"
)

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Service  string
	Exporter string
	Endpoint string
	Insecure bool
	// SampleRatio in [0, 1]; values outside are clamped.
	SampleRatio float64
	// Writer receives stdout exporter output. Nil means os.Stderr, keeping
	// span dumps out of the JSON log stream on stdout.
	Writer io.Writer
}

// InitTracing installs the global tracer provider once and returns its
// shutdown function. With exporter "none" (or empty) a no-op provider is used.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
		if exporter == "" || exporter == ExporterNone {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := buildExporter(context.Background(), exporter, cfg)
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceNameKey.String(cfg.Service)),
		)
		if err != nil {
			initErr = fmt.Errorf("build resource: %w", err)
			return
		}

		ratio := min(max(cfg.SampleRatio, 0), 1)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

// StartSpan starts a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func exportWriter(cfg TracingConfig) io.Writer {
	if cfg.Writer != nil {
		return cfg.Writer
	}
	return os.Stderr
}

func buildExporter(ctx context.Context, name string, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(exportWriter(cfg)), stdouttrace.WithPrettyPrint())
	case ExporterOTLPHTTP, "http", "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", name)
	}
}
