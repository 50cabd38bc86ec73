// Package metrics wires the OTel meter provider and the application-level
// instruments the engine records on its hot and background paths.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/quotaflow/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	usageIngest      metric.Int64Counter
	commitAccepted   metric.Int64Counter
	commitDenied     metric.Int64Counter
	commitContention metric.Int64Counter
	commitDedup      metric.Int64Counter
	rollupRuns       metric.Int64Counter
	alertsFired      metric.Int64Counter
	anomaliesFound   metric.Int64Counter
	commitLatency    metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.MetricsEnabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down meter provider")
			return provider.Shutdown(ctx)
		},
	})

	log.Info("metrics initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return provider, nil
}

func newExporter(endpoint string) (sdkmetric.Exporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpointURL(endpoint),
		)
	}
	return otlpmetricgrpc.New(context.Background(),
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
}

// New configures the domain instruments.
func New(cfg config.Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(cfg.AppName)

	m := &Metrics{}
	var err error

	if m.usageIngest, err = meter.Int64Counter("usage_events_ingested_total"); err != nil {
		return nil, fmt.Errorf("usage ingest counter: %w", err)
	}
	if m.commitAccepted, err = meter.Int64Counter("quota_commits_accepted_total"); err != nil {
		return nil, fmt.Errorf("commit accepted counter: %w", err)
	}
	if m.commitDenied, err = meter.Int64Counter("quota_commits_denied_total"); err != nil {
		return nil, fmt.Errorf("commit denied counter: %w", err)
	}
	if m.commitContention, err = meter.Int64Counter("quota_commit_contention_total"); err != nil {
		return nil, fmt.Errorf("commit contention counter: %w", err)
	}
	if m.commitDedup, err = meter.Int64Counter("quota_commits_deduplicated_total"); err != nil {
		return nil, fmt.Errorf("commit dedup counter: %w", err)
	}
	if m.rollupRuns, err = meter.Int64Counter("aggregation_rollups_total"); err != nil {
		return nil, fmt.Errorf("rollup counter: %w", err)
	}
	if m.alertsFired, err = meter.Int64Counter("alerts_fired_total"); err != nil {
		return nil, fmt.Errorf("alerts counter: %w", err)
	}
	if m.anomaliesFound, err = meter.Int64Counter("anomalies_detected_total"); err != nil {
		return nil, fmt.Errorf("anomalies counter: %w", err)
	}
	if m.commitLatency, err = meter.Float64Histogram("quota_commit_duration_ms"); err != nil {
		return nil, fmt.Errorf("commit latency histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordUsageIngest(ctx context.Context, metricType string) {
	if m == nil {
		return
	}
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attribute.String("metric_type", metricType)))
}

func (m *Metrics) RecordCommit(ctx context.Context, metricType string, accepted bool, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("metric_type", metricType))
	if accepted {
		m.commitAccepted.Add(ctx, 1, attrs)
	} else {
		m.commitDenied.Add(ctx, 1, attrs)
	}
	m.commitLatency.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

func (m *Metrics) RecordContention(ctx context.Context, metricType string) {
	if m == nil {
		return
	}
	m.commitContention.Add(ctx, 1, metric.WithAttributes(attribute.String("metric_type", metricType)))
}

func (m *Metrics) RecordDedup(ctx context.Context, metricType string) {
	if m == nil {
		return
	}
	m.commitDedup.Add(ctx, 1, metric.WithAttributes(attribute.String("metric_type", metricType)))
}

func (m *Metrics) RecordRollup(ctx context.Context, bucketType string) {
	if m == nil {
		return
	}
	m.rollupRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket_type", bucketType)))
}

func (m *Metrics) RecordAlertFired(ctx context.Context, alertType string) {
	if m == nil {
		return
	}
	m.alertsFired.Add(ctx, 1, metric.WithAttributes(attribute.String("alert_type", alertType)))
}

func (m *Metrics) RecordAnomaly(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.anomaliesFound.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

var Module = fx.Module("observability.metrics",
	fx.Provide(NewProvider),
	fx.Provide(New),
)
