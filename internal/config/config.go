package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewAccountingConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr        string
	PublicURL       string
	APIKeyHeader    string
	UpstreamTimeout time.Duration

	OTLPEndpoint string

	StoreBackend string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	ContextBroker ContextBrokerConfig
	Billing       BillingConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type ContextBrokerConfig struct {
	URL     string
	Version string
}

type BillingConfig struct {
	UsageAPIURL       string
	AccountingBaseURL string
	Token             string
	Timeout           time.Duration
}

const (
	StoreBackendSQL   = "sql"
	StoreBackendRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getenv("APP_SERVICE", "accounting-proxy"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Environment:     getenv("ENVIRONMENT", "development"),
		HTTPAddr:        getenv("HTTP_ADDR", ":9000"),
		PublicURL:       strings.TrimRight(getenv("PUBLIC_URL", "http://localhost:9000"), "/"),
		APIKeyHeader:    getenv("API_KEY_HEADER", "X-API-KEY"),
		UpstreamTimeout: getenvSeconds("UPSTREAM_TIMEOUT_SECONDS", 30),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		StoreBackend:    normalizeStoreBackend(getenv("STORE_BACKEND", StoreBackendSQL)),

		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "accounting"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		ContextBroker: ContextBrokerConfig{
			URL:     strings.TrimRight(strings.TrimSpace(getenv("CONTEXT_BROKER_URL", "")), "/"),
			Version: strings.ToLower(getenv("CONTEXT_BROKER_VERSION", "v2")),
		},
		Billing: BillingConfig{
			UsageAPIURL:       strings.TrimRight(strings.TrimSpace(getenv("BILLING_USAGE_API_URL", "")), "/"),
			AccountingBaseURL: strings.TrimRight(strings.TrimSpace(getenv("BILLING_ACCOUNTING_BASE_URL", "")), "/"),
			Token:             strings.TrimSpace(getenv("BILLING_TOKEN", "")),
			Timeout:           getenvSeconds("BILLING_TIMEOUT_SECONDS", 30),
		},
	}

	return cfg
}

// NotificationURL is the callback the Context Broker is told to notify.
func (c Config) NotificationURL() string {
	return c.PublicURL + "/subscriptions"
}

func normalizeStoreBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreBackendRedis:
		return StoreBackendRedis
	default:
		return StoreBackendSQL
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvSeconds(key string, def int) time.Duration {
	seconds := getenvInt(key, def)
	if seconds <= 0 {
		seconds = def
	}
	return time.Duration(seconds) * time.Second
}
