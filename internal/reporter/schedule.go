package reporter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// NextRun returns the first hour:minute strictly after after, in after's location.
func NextRun(after time.Time, hour, minute int) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunForever runs once immediately and then every day at the configured
// hour:minute. The schedule is re-read on every check so reloads apply
// without a restart.
func (r *Reporter) RunForever(ctx context.Context) {
	r.runLogged(ctx)

	cfg := r.holder.Get().Reporter
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()
	last := r.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := r.clock.Now()
		cfg := r.holder.Get().Reporter
		if !now.Before(NextRun(last, cfg.Hour, cfg.Minute)) {
			r.runLogged(ctx)
		}
		last = now
	}
}

func (r *Reporter) runLogged(ctx context.Context) {
	err := r.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		r.log.Info("usage report skipped, previous run still active")
	default:
		r.log.Warn("usage report failed", zap.Error(err))
	}
}
