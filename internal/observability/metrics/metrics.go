package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

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

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the budget engine.
type Metrics struct {
	charges         metric.Int64Counter
	chargeDuration  metric.Float64Histogram
	alerts          metric.Int64Counter
	catalogLookups  metric.Int64Counter
	rolloverResets  metric.Int64Counter
	availabilityOps metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterbill"
	}
	meter := provider.Meter(name)

	charges, err := meter.Int64Counter("meterbill_charges_total")
	if err != nil {
		return nil, err
	}
	chargeDuration, err := meter.Float64Histogram("meterbill_charge_duration_ms")
	if err != nil {
		return nil, err
	}
	alerts, err := meter.Int64Counter("meterbill_alerts_total")
	if err != nil {
		return nil, err
	}
	catalogLookups, err := meter.Int64Counter("meterbill_catalog_lookups_total")
	if err != nil {
		return nil, err
	}
	rolloverResets, err := meter.Int64Counter("meterbill_cycle_rollover_resets_total")
	if err != nil {
		return nil, err
	}
	availabilityOps, err := meter.Int64Counter("meterbill_availability_checks_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		charges:         charges,
		chargeDuration:  chargeDuration,
		alerts:          alerts,
		catalogLookups:  catalogLookups,
		rolloverResets:  rolloverResets,
		availabilityOps: availabilityOps,
	}, nil
}

// RecordCharge counts a charge attempt by outcome.
func (m *Metrics) RecordCharge(ctx context.Context, actionType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action_type", strings.TrimSpace(actionType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.charges.Add(ctx, 1, attrs)
	m.chargeDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordAlert counts a persisted threshold alert.
func (m *Metrics) RecordAlert(ctx context.Context, alertType string) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert_type", strings.TrimSpace(alertType)),
	))
}

// RecordCatalogLookup counts catalog reads by cache outcome.
func (m *Metrics) RecordCatalogLookup(ctx context.Context, actionType string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.catalogLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", strings.TrimSpace(actionType)),
		attribute.String("cache", outcome),
	))
}

// RecordRolloverResets counts budgets reset by the cycle rollover job.
func (m *Metrics) RecordRolloverResets(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.rolloverResets.Add(ctx, count)
}

// RecordAvailabilityCheck counts preview calls by outcome.
func (m *Metrics) RecordAvailabilityCheck(ctx context.Context, actionType string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.availabilityOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", strings.TrimSpace(actionType)),
		attribute.String("result", outcome),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp metrics protocol %q", protocol)
	}
}
