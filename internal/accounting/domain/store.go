package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store owns every piece of durable accounting state. Increments and resets on
// the same API key serialize; different keys never contend.
type Store interface {
	AddService(ctx context.Context, svc Service) error
	GetService(ctx context.Context, publicPath string) (*Service, error)

	AddAccounting(ctx context.Context, record AccountingRecord) error
	GetAccounting(ctx context.Context, apiKey string) (*AccountingRecord, error)
	GetAccountingInfo(ctx context.Context, apiKey string) (*AccountingInfo, error)
	IncrementAccounting(ctx context.Context, apiKey string, amount decimal.Decimal) (decimal.Decimal, error)
	// ResetAccounting subtracts flushed from the counter (flooring at zero) and
	// advances the correlation number, returning the new correlation number.
	ResetAccounting(ctx context.Context, apiKey string, flushed decimal.Decimal) (int64, error)
	GetAllNonZeroAccounting(ctx context.Context) ([]AccountingRecord, error)

	AddSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) error
	DeleteSubscription(ctx context.Context, id string) error

	GetUsageSpecificationHref(ctx context.Context, unit string) (string, error)
	SetUsageSpecificationHref(ctx context.Context, unit, href string) error
}
