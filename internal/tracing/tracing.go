// Package tracing exports one OpenTelemetry span per executed task.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/internal/config"
	"github.com/caffeineduck/warmer/worker"
)

const defaultServiceName = "warmer"

// Setup holds the TracerProvider and a named tracer. It is not installed
// as the global provider.
type Setup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates a TracerProvider with an OTLP exporter. It returns nil, nil
// when tracing is disabled; a nil *Setup hands out a no-op tracer.
func New(ctx context.Context, cfg config.TracingConfig) (*Setup, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	return newSetup(ctx, cfg, sdktrace.WithBatcher(exporter))
}

func newSetup(ctx context.Context, cfg config.TracingConfig, opts ...sdktrace.TracerProviderOption) (*Setup, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	tp := sdktrace.NewTracerProvider(opts...)

	return &Setup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

// Tracer returns the named tracer for creating spans.
func (s *Setup) Tracer() trace.Tracer {
	if s == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return s.tracer
}

// Shutdown flushes pending spans and stops the provider.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

// Runner wraps a worker.Runner with one span per task.
type Runner struct {
	inner  worker.Runner
	tracer trace.Tracer
}

// NewRunner instruments inner. A nil tracer records nothing.
func NewRunner(inner worker.Runner, tracer trace.Tracer) *Runner {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{inner: inner, tracer: tracer}
}

func (r *Runner) Run(ctx context.Context, ns *executor.Namespace, code string) executor.Result {
	attrs := []attribute.KeyValue{attribute.Int("code.bytes", len(code))}
	if ns != nil && ns.Interpreter != nil {
		attrs = append(attrs, attribute.String("interpreter", ns.Interpreter.Name()))
	}

	ctx, span := r.tracer.Start(ctx, "executor.run", trace.WithAttributes(attrs...))
	defer span.End()

	res := r.inner.Run(ctx, ns, code)

	span.SetAttributes(
		attribute.Int("exit_code", res.ExitCode),
		attribute.Int("stdout.bytes", len(res.Stdout)),
		attribute.Int("stderr.bytes", len(res.Stderr)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, errorClass(res.Err))
	}
	return res
}

func errorClass(err error) string {
	if errors.Is(err, executor.ErrEngineFault) {
		return "engine fault"
	}
	return "code error"
}
