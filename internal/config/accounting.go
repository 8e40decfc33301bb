package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AccountingConfig is the hot-reloadable part of the configuration.
type AccountingConfig struct {
	Units    []string       `mapstructure:"units"`
	Reporter ReporterConfig `mapstructure:"reporter"`
}

// ReporterConfig schedules the usage reporting daemon. The daemon runs once a
// day at Hour:Minute (local time of the process).
type ReporterConfig struct {
	Hour             int           `mapstructure:"hour"`
	Minute           int           `mapstructure:"minute"`
	CheckInterval    time.Duration `mapstructure:"checkInterval"`
	RunTimeout       time.Duration `mapstructure:"runTimeout"`
	FlushConcurrency int           `mapstructure:"flushConcurrency"`
	LockTTL          time.Duration `mapstructure:"lockTTL"`
}

func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		Units: []string{"call", "megabyte", "millisecond"},
		Reporter: ReporterConfig{
			Hour:             0,
			Minute:           0,
			CheckInterval:    time.Minute,
			RunTimeout:       30 * time.Minute,
			FlushConcurrency: 4,
			LockTTL:          time.Hour,
		},
	}
}

type AccountingConfigHolder struct {
	current atomic.Value // holds AccountingConfig
}

func NewAccountingConfigHolder(log *zap.Logger) (*AccountingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("accounting")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/accounting-proxy")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ACCOUNTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAccountingConfig()
	v.SetDefault("accounting.units", defaults.Units)
	v.SetDefault("accounting.reporter.hour", defaults.Reporter.Hour)
	v.SetDefault("accounting.reporter.minute", defaults.Reporter.Minute)
	v.SetDefault("accounting.reporter.checkInterval", defaults.Reporter.CheckInterval)
	v.SetDefault("accounting.reporter.runTimeout", defaults.Reporter.RunTimeout)
	v.SetDefault("accounting.reporter.flushConcurrency", defaults.Reporter.FlushConcurrency)
	v.SetDefault("accounting.reporter.lockTTL", defaults.Reporter.LockTTL)

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		configFound = false
	}

	var cfg AccountingConfig
	if err := v.UnmarshalKey("accounting", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateAccountingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticAccountingConfig(cfg)
	if !configFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AccountingConfig
		if err := v.UnmarshalKey("accounting", &updated); err != nil {
			log.Warn("accounting config reload failed", zap.Error(err))
			return
		}
		if err := ValidateAccountingConfig(updated); err != nil {
			log.Warn("invalid accounting config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("accounting config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticAccountingConfig returns a holder that never reloads.
func NewStaticAccountingConfig(cfg AccountingConfig) *AccountingConfigHolder {
	holder := &AccountingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *AccountingConfigHolder) Get() AccountingConfig {
	return h.current.Load().(AccountingConfig)
}

func ValidateAccountingConfig(cfg AccountingConfig) error {
	if len(cfg.Units) == 0 {
		return errors.New("accounting.units cannot be empty")
	}
	r := cfg.Reporter
	if r.Hour < 0 || r.Hour > 23 {
		return errors.New("accounting.reporter.hour must be between 0 and 23")
	}
	if r.Minute < 0 || r.Minute > 59 {
		return errors.New("accounting.reporter.minute must be between 0 and 59")
	}
	if r.CheckInterval <= 0 {
		return errors.New("accounting.reporter.checkInterval must be positive")
	}
	if r.RunTimeout <= 0 {
		return errors.New("accounting.reporter.runTimeout must be positive")
	}
	// the lease must outlive the longest run or a second replica can start a
	// concurrent flush
	if r.LockTTL <= 0 {
		return errors.New("accounting.reporter.lockTTL must be positive")
	}
	if r.LockTTL < r.RunTimeout {
		return errors.New("accounting.reporter.lockTTL must not be shorter than runTimeout")
	}
	if r.FlushConcurrency <= 0 {
		return errors.New("accounting.reporter.flushConcurrency must be positive")
	}
	return nil
}
