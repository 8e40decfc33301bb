package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUnit = errors.New("invalid_unit")
	ErrCount       = errors.New("count_error")
	ErrStore       = errors.New("store_error")

	ErrNegativeAmount     = fmt.Errorf("negative_amount: %w", ErrStore)
	ErrAccountingNotFound = fmt.Errorf("accounting_not_found: %w", ErrStore)
	ErrDuplicateAPIKey    = fmt.Errorf("duplicate_api_key: %w", ErrStore)

	ErrServiceNotFound      = errors.New("service_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidAPIKey        = errors.New("invalid_api_key")
	ErrInvalidPublicPath    = errors.New("invalid_public_path")
)

// CountError reports a unit that could not compute an amount.
type CountError struct {
	Unit string
	Err  error
}

func (e *CountError) Error() string {
	return fmt.Sprintf("count %s: %v", e.Unit, e.Err)
}

func (e *CountError) Unwrap() error { return e.Err }

func (e *CountError) Is(target error) bool { return target == ErrCount }

// StoreFailure wraps a backend error so callers can match ErrStore.
func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}
