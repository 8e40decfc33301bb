package repository

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Lc    fx.Lifecycle
	Cfg   config.Config
	Log   *zap.Logger
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

// Provide selects the accounting store named by STORE_BACKEND.
func Provide(p Params) (domain.Store, error) {
	log := p.Log.Named("accounting.store")

	switch p.Cfg.StoreBackend {
	case config.StoreBackendRedis:
		if p.Redis == nil {
			return nil, errors.New("redis store backend requires REDIS_ADDR")
		}
		log.Info("using redis accounting store")
		return NewRedisStore(p.Redis), nil
	default:
		if p.DB == nil {
			return nil, errors.New("sql store backend requires a database connection")
		}
		store := NewSQLStore(p.DB)
		p.Lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return store.Migrate(ctx)
			},
		})
		log.Info("using sql accounting store", zap.String("dialect", p.DB.Dialector.Name()))
		return store, nil
	}
}
