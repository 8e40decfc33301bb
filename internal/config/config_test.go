package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PUBLIC_URL", "https://proxy.example.com/")
	t.Setenv("STORE_BACKEND", "REDIS")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "-3")
	t.Setenv("CONTEXT_BROKER_VERSION", "V1")

	cfg := Load()
	assert.Equal(t, "https://proxy.example.com", cfg.PublicURL)
	assert.Equal(t, "https://proxy.example.com/subscriptions", cfg.NotificationURL())
	assert.Equal(t, StoreBackendRedis, cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "v1", cfg.ContextBroker.Version)
	assert.Equal(t, "X-API-KEY", cfg.APIKeyHeader)
}

func TestNormalizeStoreBackend(t *testing.T) {
	assert.Equal(t, StoreBackendSQL, normalizeStoreBackend(""))
	assert.Equal(t, StoreBackendSQL, normalizeStoreBackend("postgres"))
	assert.Equal(t, StoreBackendRedis, normalizeStoreBackend(" redis "))
}

func TestRedisEnabled(t *testing.T) {
	assert.False(t, RedisConfig{Addr: "  "}.Enabled())
	assert.True(t, RedisConfig{Addr: "localhost:6379"}.Enabled())
}

func TestValidateAccountingConfig(t *testing.T) {
	require.NoError(t, ValidateAccountingConfig(DefaultAccountingConfig()))

	cases := map[string]func(*AccountingConfig){
		"no units":          func(c *AccountingConfig) { c.Units = nil },
		"hour out of range": func(c *AccountingConfig) { c.Reporter.Hour = 24 },
		"negative minute":   func(c *AccountingConfig) { c.Reporter.Minute = -1 },
		"zero interval":     func(c *AccountingConfig) { c.Reporter.CheckInterval = 0 },
		"zero timeout":      func(c *AccountingConfig) { c.Reporter.RunTimeout = 0 },
		"zero concurrency":  func(c *AccountingConfig) { c.Reporter.FlushConcurrency = 0 },
		"zero lock ttl":     func(c *AccountingConfig) { c.Reporter.LockTTL = 0 },
		"lock ttl < run":    func(c *AccountingConfig) { c.Reporter.LockTTL = c.Reporter.RunTimeout - time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultAccountingConfig()
			mutate(&cfg)
			assert.Error(t, ValidateAccountingConfig(cfg))
		})
	}

	cfg := DefaultAccountingConfig()
	cfg.Reporter.LockTTL = cfg.Reporter.RunTimeout
	assert.NoError(t, ValidateAccountingConfig(cfg))
}

func TestAccountingConfigHolderWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewAccountingConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, []string{"call", "megabyte", "millisecond"}, cfg.Units)
	assert.Equal(t, time.Minute, cfg.Reporter.CheckInterval)
}
