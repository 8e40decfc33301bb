// Package reporter drains accumulated usage to the billing API.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/billing"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	obscontext "github.com/smallbiznis/accountingproxy/internal/observability/context"
	obslogger "github.com/smallbiznis/accountingproxy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/pkg/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const lockKey = "accountingproxy:reporter"

var ErrRunInProgress = errors.New("reporter_run_in_progress")

type Params struct {
	fx.In

	Store   domain.Store
	Units   *unit.Registry
	Billing *billing.Client
	Holder  *config.AccountingConfigHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Redis   *redis.Client               `optional:"true"`
	Metrics *obsmetrics.ReporterMetrics `optional:"true"`
	Usage   *obsmetrics.Metrics         `optional:"true"`
}

type Reporter struct {
	store   domain.Store
	units   *unit.Registry
	billing *billing.Client
	holder  *config.AccountingConfigHolder
	clock   clock.Clock
	log     *zap.Logger
	locker  *lock.Locker
	metrics *obsmetrics.ReporterMetrics
	usage   *obsmetrics.Metrics

	mu sync.Mutex
}

func New(p Params) *Reporter {
	return &Reporter{
		store:   p.Store,
		units:   p.Units,
		billing: p.Billing,
		holder:  p.Holder,
		clock:   p.Clock,
		log:     p.Log.Named("reporter").With(zap.String("component", "reporter")),
		locker:  lock.NewLocker(p.Redis),
		metrics: p.Metrics,
		usage:   p.Usage,
	}
}

// RunOnce registers missing usage specifications and flushes every non-zero
// counter. A run that overlaps another one, in this process or in another
// replica sharing redis, is skipped with ErrRunInProgress.
func (r *Reporter) RunOnce(parent context.Context) error {
	if !r.mu.TryLock() {
		r.metrics.IncRunSkipped(obsmetrics.ReporterSkipReasonRunning)
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	cfg := r.holder.Get().Reporter
	ctx, cancel := context.WithTimeout(parent, cfg.RunTimeout)
	defer cancel()

	if r.locker != nil {
		lease, err := r.locker.TryAcquire(ctx, lockKey, cfg.LockTTL)
		if err != nil {
			r.metrics.IncRunSkipped(obsmetrics.ReporterSkipReasonLockFailed)
			return fmt.Errorf("acquire reporter lock: %w", err)
		}
		if lease == nil {
			r.metrics.IncRunSkipped(obsmetrics.ReporterSkipReasonLockHeld)
			return ErrRunInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				r.log.Warn("release reporter lock", zap.Error(err))
			}
		}()
	}

	runID := uuid.NewString()
	log := r.log.With(zap.String("run_id", runID))
	started := time.Now()
	log.Info("usage report started")

	err := r.syncSpecifications(ctx, log)
	if err == nil {
		err = r.flush(ctx, log, cfg.FlushConcurrency)
	}

	outcome := obsmetrics.ReporterOutcomeSuccess
	if err != nil {
		outcome = obsmetrics.ReporterOutcomeFailure
	}
	r.metrics.ObserveRun(outcome, time.Since(started))
	log.Info("usage report finished",
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(started)),
		zap.Error(err),
	)
	return err
}

// syncSpecifications registers the usage specification of every enabled unit
// that has no href yet. Any failure aborts the run: usage cannot be reported
// against an unregistered specification.
func (r *Reporter) syncSpecifications(ctx context.Context, log *zap.Logger) error {
	for _, name := range r.units.Names() {
		href, err := r.store.GetUsageSpecificationHref(ctx, name)
		if err != nil {
			return err
		}
		if href != "" {
			continue
		}

		u, err := r.units.Lookup(name)
		if err != nil {
			return err
		}
		href, err = r.billing.RegisterSpecification(ctx, u.Specification())
		if err != nil {
			r.metrics.IncSpecRegistration(obsmetrics.ReporterOutcomeFailure)
			return fmt.Errorf("register %s specification: %w", name, err)
		}
		if err := r.store.SetUsageSpecificationHref(ctx, name, href); err != nil {
			return err
		}
		r.metrics.IncSpecRegistration(obsmetrics.ReporterOutcomeSuccess)
		log.Info("usage specification registered", zap.String("unit", name), zap.String("href", href))
	}
	return nil
}

// flush reports each record independently. Failed records keep their value
// and are retried on the next run.
func (r *Reporter) flush(ctx context.Context, log *zap.Logger, concurrency int) error {
	records, err := r.store.GetAllNonZeroAccounting(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	hrefs := make(map[string]string)
	for _, name := range lo.Uniq(lo.Map(records, func(rec domain.AccountingRecord, _ int) string { return rec.Unit })) {
		if _, err := r.units.Lookup(name); err != nil {
			continue
		}
		href, err := r.store.GetUsageSpecificationHref(ctx, name)
		if err != nil {
			return err
		}
		if href != "" {
			hrefs[name] = href
		}
	}

	// Records of a unit that is disabled or has no registered specification
	// stay in the store until the unit is enabled again.
	records = lo.Filter(records, func(rec domain.AccountingRecord, _ int) bool {
		if _, ok := hrefs[rec.Unit]; ok {
			return true
		}
		log.Warn("usage kept, unit has no usage specification",
			zap.String("api_key", obscontext.Fingerprint(rec.APIKey)),
			zap.String("unit", rec.Unit),
			zap.String("value", rec.Value.String()),
		)
		return false
	})

	var (
		g      errgroup.Group
		mu     sync.Mutex
		errs   []error
		posted int
	)
	g.SetLimit(concurrency)
	for _, rec := range records {
		g.Go(func() error {
			err := r.flushRecord(ctx, log, rec, hrefs[rec.Unit])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				posted++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("usage flushed", zap.Int("records", len(records)), zap.Int("posted", posted), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (r *Reporter) flushRecord(ctx context.Context, log *zap.Logger, rec domain.AccountingRecord, href string) error {
	if rec.Value.IsZero() {
		return nil
	}
	log = obslogger.WithContext(ctx, log).With(
		zap.String("api_key", obscontext.Fingerprint(rec.APIKey)),
		zap.String("unit", rec.Unit),
	)

	err := r.billing.SendUsage(ctx, rec.OrderID, billing.UsageNotification{
		Offering: billing.Offering{
			Organization: rec.Offering.Organization,
			Name:         rec.Offering.Name,
			Version:      rec.Offering.Version,
		},
		Customer:          rec.Customer,
		TimeStamp:         r.clock.Now().UTC(),
		Value:             rec.Value,
		CorrelationNumber: rec.CorrelationNumber,
		RecordType:        rec.RecordType,
		Unit:              rec.Unit,
		ComponentLabel:    rec.PublicPath,
		Href:              href,
	})
	r.metrics.IncFlush(err)
	r.usage.RecordBillingFlush(ctx, obsmetrics.ClassifyFlushError(err))
	if err != nil {
		log.Warn("usage not accepted, kept for next run", zap.String("value", rec.Value.String()), zap.Error(err))
		return fmt.Errorf("flush %s: %w", obscontext.Fingerprint(rec.APIKey), err)
	}

	correlation, err := r.store.ResetAccounting(ctx, rec.APIKey, rec.Value)
	if err != nil {
		log.Error("usage accepted but counter not reset", zap.Error(err))
		return fmt.Errorf("reset %s: %w", obscontext.Fingerprint(rec.APIKey), err)
	}
	log.Debug("usage reported",
		zap.String("value", rec.Value.String()),
		zap.Int64("correlation_number", correlation),
	)
	return nil
}
