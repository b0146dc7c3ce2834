package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	jobCounter     metric.Int64Counter
	jobDuration    metric.Float64Histogram
	findingCounter metric.Int64Counter
	workerGauge    metric.Int64UpDownCounter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	jobCounter, err := meter.Int64Counter("outpost.jobs.total",
		metric.WithDescription("Total number of discovery jobs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("outpost.job.duration",
		metric.WithDescription("Discovery job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("outpost.findings.total",
		metric.WithDescription("Total number of normalized findings"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	workerGauge, err := meter.Int64UpDownCounter("outpost.workers.busy",
		metric.WithDescription("Number of workers executing a job"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:         tracer,
		meter:          meter,
		tracerProvider: tp,
		jobCounter:     jobCounter,
		jobDuration:    jobDuration,
		findingCounter: findingCounter,
		workerGauge:    workerGauge,
	}, nil
}

func (t *telemetry) RecordJobStarted(ctx context.Context, jobType types.JobType) {
	t.jobCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", string(jobType)),
	))
}

func (t *telemetry) RecordJobFinished(ctx context.Context, jobType types.JobType, status types.JobStatus, duration time.Duration) {
	t.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("job.type", string(jobType)),
		attribute.String("job.status", string(status)),
	))
}

func (t *telemetry) RecordFindings(ctx context.Context, capability string, count int) {
	t.findingCounter.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("capability", capability),
	))
}

func (t *telemetry) RecordWorkerBusy(ctx context.Context, delta int64) {
	t.workerGauge.Add(ctx, delta)
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordJobStarted(ctx context.Context, jobType types.JobType) {}
func (n *noopTelemetry) RecordJobFinished(ctx context.Context, jobType types.JobType, status types.JobStatus, duration time.Duration) {
}
func (n *noopTelemetry) RecordFindings(ctx context.Context, capability string, count int) {}
func (n *noopTelemetry) RecordWorkerBusy(ctx context.Context, delta int64)                {}
func (n *noopTelemetry) Shutdown(ctx context.Context) error                               { return nil }

// Noop returns a telemetry sink that records nothing. Used by tests and by
// commands that run without an exporter.
func Noop() core.Telemetry {
	return &noopTelemetry{}
}
