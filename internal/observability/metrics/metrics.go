package metrics

import (
	"context"
	"fmt"
	"strconv"
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

// Metrics exposes application-level instruments.
type Metrics struct {
	accountingIncrements metric.Int64Counter
	accountingAmount     metric.Float64Counter
	notificationsRelayed metric.Int64Counter
	billingFlush         metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the accounting instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "accounting-proxy"
	}
	meter := provider.Meter(name)

	accountingIncrements, err := meter.Int64Counter("accounting_increments_total",
		metric.WithDescription("Accounting increments applied per unit."))
	if err != nil {
		return nil, err
	}
	accountingAmount, err := meter.Float64Counter("accounting_amount_total",
		metric.WithDescription("Accumulated usage amount per unit."))
	if err != nil {
		return nil, err
	}
	notificationsRelayed, err := meter.Int64Counter("notifications_relayed_total",
		metric.WithDescription("Context Broker notifications relayed to subscribers."))
	if err != nil {
		return nil, err
	}
	billingFlush, err := meter.Int64Counter("billing_flush_total",
		metric.WithDescription("Usage flush attempts to the billing API."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		accountingIncrements: accountingIncrements,
		accountingAmount:     accountingAmount,
		notificationsRelayed: notificationsRelayed,
		billingFlush:         billingFlush,
	}, nil
}

func (m *Metrics) RecordIncrement(ctx context.Context, unit string, amount float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("unit", strings.TrimSpace(unit)))...)
	m.accountingIncrements.Add(ctx, 1, attrs)
	m.accountingAmount.Add(ctx, amount, attrs)
}

func (m *Metrics) RecordNotificationRelayed(ctx context.Context, statusCode int) {
	if m == nil {
		return
	}
	code := "transport_error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	m.notificationsRelayed.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("status_code", code))...))
}

func (m *Metrics) RecordBillingFlush(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.billingFlush.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"unit":        {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
