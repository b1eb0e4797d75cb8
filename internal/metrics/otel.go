package metrics

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "wisp"
	serviceVersion = "1.0.0"
)

// ErrDisabled is returned by NewExporter when telemetry is off.
var ErrDisabled = errors.New("telemetry is disabled or endpoint not configured")

// Config holds OTEL exporter configuration.
type Config struct {
	Endpoint string
	Enabled  bool
	Insecure bool
}

// Exporter records tracker metrics and exports them to an OTEL Collector.
type Exporter struct {
	provider      *sdkmetric.MeterProvider
	accrued       metric.Int64Counter
	discarded     metric.Int64Counter
	flushes       metric.Int64Counter
	flushedTotal  metric.Int64Counter
	pageHistogram metric.Int64Histogram
}

// NewExporter creates an OTLP gRPC metrics exporter.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, ErrDisabled
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	e, err := newExporter(provider)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}
	return e, nil
}

func newExporter(provider *sdkmetric.MeterProvider) (*Exporter, error) {
	meter := provider.Meter(serviceName)

	accrued, err := meter.Int64Counter(
		"wisp_accrued_seconds_total",
		metric.WithDescription("Seconds attributed to active tabs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating accrued counter: %w", err)
	}

	discarded, err := meter.Int64Counter(
		"wisp_discarded_intervals_total",
		metric.WithDescription("Intervals dropped as idle gaps or clock anomalies"),
		metric.WithUnit("{interval}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating discarded counter: %w", err)
	}

	flushes, err := meter.Int64Counter(
		"wisp_flushes_total",
		metric.WithDescription("Flush attempts by outcome"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating flushes counter: %w", err)
	}

	flushedTotal, err := meter.Int64Counter(
		"wisp_flushed_seconds_total",
		metric.WithDescription("Seconds delivered to the sync endpoint"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating flushed counter: %w", err)
	}

	pageHistogram, err := meter.Int64Histogram(
		"wisp_page_visible_seconds",
		metric.WithDescription("Visible time reported per page"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating page histogram: %w", err)
	}

	return &Exporter{
		provider:      provider,
		accrued:       accrued,
		discarded:     discarded,
		flushes:       flushes,
		flushedTotal:  flushedTotal,
		pageHistogram: pageHistogram,
	}, nil
}

// Accrued implements tracker.Recorder.
func (e *Exporter) Accrued(ctx context.Context, seconds int64) {
	e.accrued.Add(ctx, seconds)
}

// Discarded implements tracker.Recorder.
func (e *Exporter) Discarded(ctx context.Context, reason string) {
	e.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Flushed implements tracker.Recorder.
func (e *Exporter) Flushed(ctx context.Context, seconds int64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if seconds > 0 {
		e.flushedTotal.Add(ctx, seconds)
	}
}

// PageReported implements tracker.Recorder.
func (e *Exporter) PageReported(ctx context.Context, seconds int64) {
	e.pageHistogram.Record(ctx, seconds)
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
