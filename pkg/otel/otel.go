package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the preparation pipeline.
const TracerName = "github.com/fractal-lba/mmlu-prep"

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string // empty disables export
	SamplingRate      float64
}

// DefaultConfig returns defaults for a local one-shot run with export disabled.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    "local",
		SamplingRate:   1.0,
	}
}

// InitTracer installs a global OTLP tracer provider. It returns a nil provider, and leaves the
// global no-op tracer in place, when no collector endpoint is configured.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("mmlu-prep")
	}
	if config.CollectorEndpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes pending spans. A nil provider is a no-op.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the pipeline tracer.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span failed. Nil spans and nil errors are ignored.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

const (
	AttrRunID    = attribute.Key("mmlu.run_id")
	AttrMode     = attribute.Key("mmlu.mode")
	AttrStage    = attribute.Key("mmlu.acquire.stage")
	AttrSplit    = attribute.Key("mmlu.split")
	AttrSubject  = attribute.Key("mmlu.subject")
	AttrRows     = attribute.Key("mmlu.rows")
	AttrDataDir  = attribute.Key("mmlu.data_dir")
	AttrAnomaly  = attribute.Key("mmlu.verify.anomalies")
	AttrFallback = attribute.Key("mmlu.acquire.fallback")
)

// RunAttributes describes a whole preparation run.
func RunAttributes(runID, mode, dataDir string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrMode.String(mode),
		AttrDataDir.String(dataDir),
	}
}

// FileAttributes describes one persisted (subject, split) file.
func FileAttributes(split, subject string, rows int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSplit.String(split),
		AttrSubject.String(subject),
		AttrRows.Int(rows),
	}
}
