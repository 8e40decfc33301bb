package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/accountingproxy/internal/config"
)

// Config drives logging, tracing and metrics export. Values fall back to the
// application config, then to OTEL_* conventions.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

var debugEnvironments = map[string]bool{
	"dev":         true,
	"development": true,
	"local":       true,
	"test":        true,
}

func LoadConfig(cfg config.Config) Config {
	env := envReader{}

	serviceName := env.str("OTEL_SERVICE_NAME", cfg.AppName)
	if serviceName == "" {
		serviceName = "accounting-proxy"
	}
	// The traces-specific protocol wins over the generic one, as in the OTel SDKs.
	protocol := env.str("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", env.str("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))

	ratio := env.float("OTEL_SAMPLING_RATIO", 0.1)
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          env.str("DEPLOYMENT_ENV", cfg.Environment),
		Version:              env.str("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(env.str("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(env.str("LOG_FORMAT", "json")),
		OtelEnabled:          env.boolean("OTEL_ENABLED", false),
		OtelExporterEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    ratio,
	}
}

// Debug enables verbose logging and gin debug mode.
func (c Config) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") ||
		debugEnvironments[strings.ToLower(strings.TrimSpace(c.Environment))]
}

type envReader struct{}

func (envReader) str(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func (e envReader) boolean(key string, def bool) bool {
	parsed, err := strconv.ParseBool(e.str(key, ""))
	if err != nil {
		return def
	}
	return parsed
}

func (e envReader) float(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(e.str(key, ""), 64)
	if err != nil {
		return def
	}
	return parsed
}
