package reporter

import (
	"context"

	"github.com/smallbiznis/accountingproxy/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reporter",
	fx.Provide(New),
	fx.Invoke(Start),
)

// Start runs the reporter for the lifetime of the application. Stopping the
// application cancels an in-flight run and waits for it to return.
func Start(lc fx.Lifecycle, cfg config.Config, r *Reporter, log *zap.Logger) {
	if cfg.Billing.UsageAPIURL == "" && cfg.Billing.AccountingBaseURL == "" {
		log.Info("billing API not configured, usage reporting disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				r.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
