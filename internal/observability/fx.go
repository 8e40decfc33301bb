package observability

import (
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/observability/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),

	// logging
	fx.Provide(func(cfg Config) logger.Config {
		return logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		}
	}, logger.New),

	// tracing; the provider must be built even when nothing asks for it so
	// the global propagator is installed before the first request.
	fx.Provide(func(cfg Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		}
	}, tracing.NewProvider),
	fx.Invoke(func(trace.TracerProvider) {}),

	// metrics: OTel counters for the hot path, prometheus for the reporter
	fx.Provide(func(cfg Config) metrics.Config {
		return metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		}
	}, metrics.NewProvider, metrics.New, metrics.ReporterWithConfig),
)
