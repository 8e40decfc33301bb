// Package proxy forwards metered requests to registered backends.
package proxy

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/meter"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Params struct {
	fx.In

	Store    domain.Store
	Meter    *meter.Meter
	Upstream *Upstream
	Log      *zap.Logger
}

type Forwarder struct {
	store    domain.Store
	meter    *meter.Meter
	upstream *Upstream
	log      *zap.Logger
}

func NewForwarder(p Params) *Forwarder {
	return &Forwarder{
		store:    p.Store,
		meter:    p.Meter,
		upstream: p.Upstream,
		log:      p.Log.Named("proxy.forwarder"),
	}
}

// Authorize checks that apiKey was issued for svc.
func (f *Forwarder) Authorize(ctx context.Context, apiKey string, svc *domain.Service) (*domain.AccountingInfo, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrUnauthorized
	}
	info, err := f.store.GetAccountingInfo(ctx, apiKey)
	if errors.Is(err, domain.ErrAccountingNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if info.PublicPath != svc.PublicPath {
		return nil, ErrForbidden
	}
	return info, nil
}

// Forward relays req to the backend and meters successful responses in the
// unit bound to the API key. The response is returned only once usage has
// been recorded.
func (f *Forwarder) Forward(ctx context.Context, info *domain.AccountingInfo, req *Request) (*Response, error) {
	resp, err := f.upstream.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		logger.WithContext(ctx, f.log).Debug("backend returned non-success, not metered",
			zap.Int("status", resp.StatusCode),
		)
		return resp, nil
	}

	if _, err := f.meter.Count(ctx, info.APIKey, info.Unit, unit.CountFuncCount, unit.CountInfo{
		Body:        resp.Body,
		ElapsedTime: resp.Elapsed,
	}); err != nil {
		logger.WithContext(ctx, f.log).Error("metering failed", zap.String("unit", info.Unit), zap.Error(err))
		return nil, err
	}
	return resp, nil
}
