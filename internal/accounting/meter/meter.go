// Package meter turns a measured request into a persisted usage increment.
package meter

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   domain.Store
	Units   *unit.Registry
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Meter struct {
	store   domain.Store
	units   *unit.Registry
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) *Meter {
	return &Meter{
		store:   p.Store,
		units:   p.Units,
		log:     p.Log.Named("accounting.meter"),
		metrics: p.Metrics,
	}
}

// Count measures info with the unit's fn and adds the result to the
// accounting record of apiKey, returning the new accumulated value.
// Nothing is retried.
func (m *Meter) Count(ctx context.Context, apiKey, unitName string, fn unit.CountFunc, info unit.CountInfo) (decimal.Decimal, error) {
	u, err := m.units.Lookup(unitName)
	if err != nil {
		return decimal.Zero, err
	}

	amount, err := u.Count(fn, info)
	if err != nil {
		return decimal.Zero, &domain.CountError{Unit: unitName, Err: err}
	}
	if amount.IsNegative() {
		return decimal.Zero, domain.ErrNegativeAmount
	}

	total, err := m.store.IncrementAccounting(ctx, apiKey, amount)
	if err != nil {
		return decimal.Zero, err
	}

	m.metrics.RecordIncrement(ctx, unitName, amount.InexactFloat64())
	logger.WithContext(ctx, m.log).Debug("usage counted",
		zap.String("unit", unitName),
		zap.String("count_function", string(fn)),
		zap.String("amount", amount.String()),
		zap.String("total", total.String()),
	)
	return total, nil
}

// IsCountFuncSupported lets callers skip optional counting capabilities.
func (m *Meter) IsCountFuncSupported(unitName string, fn unit.CountFunc) bool {
	return m.units.Supports(unitName, fn)
}
