// Package observability sets up OpenTelemetry tracing for the pipeline.
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
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/lucasnoah/labforge"

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// Options selects a span exporter. Exporter is "none" (default), "stdout",
// "file" or "otlphttp". Path is the output file for "file"; Endpoint,
// Insecure and Headers configure "otlphttp".
type Options struct {
	Exporter    string
	Path        string
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	SampleRatio float64
}

// InitTracing installs the global tracer provider once and returns its
// shutdown function. Later calls return the first result.
func InitTracing(service string, opts Options) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		name := strings.ToLower(strings.TrimSpace(opts.Exporter))
		if name == "" || name == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, closeW, err := buildExporter(context.Background(), name, opts)
		if err != nil {
			initErr = err
			return
		}
		res := resource.NewSchemaless(attribute.String("service.name", service))

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sampler(opts.SampleRatio)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if cerr := closeW(); err == nil {
				err = cerr
			}
			return err
		}
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func buildExporter(ctx context.Context, name string, opts Options) (sdktrace.SpanExporter, func() error, error) {
	if name == "otlphttp" {
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		o := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(opts.Headers) > 0 {
			o = append(o, otlptracehttp.WithHeaders(opts.Headers))
		}
		if opts.Insecure {
			o = append(o, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, o...)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlphttp exporter: %w", err)
		}
		return exp, func() error { return nil }, nil
	}

	w, closeW, err := exporterWriter(name, opts.Path)
	if err != nil {
		return nil, nil, err
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		closeW()
		return nil, nil, fmt.Errorf("create %s exporter: %w", name, err)
	}
	return exp, closeW, nil
}

func exporterWriter(name, path string) (io.Writer, func() error, error) {
	switch name {
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "file":
		if path == "" {
			return nil, nil, fmt.Errorf("tracing exporter %q needs a path", name)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		return f, f.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown tracing exporter %q", name)
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0 || ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}
