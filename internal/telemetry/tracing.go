package telemetry

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dunamismax/scenecast/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the installed tracer provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// SetupTracing installs a global tracer provider for the configured exporter.
// Exporter "none" (or empty) leaves the default no-op provider in place, so
// spans started by the service packages cost nothing.
func SetupTracing(ctx context.Context, cfg config.TracingConfig, logger *log.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	exp, name, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		if logger != nil {
			logger.Printf("tracing exporter disabled")
		}
		return noopShutdown, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "scenecast"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if logger != nil {
		logger.Printf("tracing exporter enabled type=%s service=%s", name, serviceName)
	}

	return tp.Shutdown, nil
}

// newExporter returns a nil exporter when tracing is disabled.
func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, string, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch name {
	case "", "none":
		return nil, "none", nil
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
			return nil, name, fmt.Errorf("otlp trace exporter requires endpoint")
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, name, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, name, fmt.Errorf("create %s trace exporter: %w", name, err)
	}
	return exp, name, nil
}
