package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps accounting state in a relational database through gorm.
type SQLStore struct {
	conn *gorm.DB
}

func NewSQLStore(conn *gorm.DB) *SQLStore {
	return &SQLStore{conn: conn}
}

// Migrate creates or updates the accounting tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.conn.WithContext(ctx).AutoMigrate(
		&domain.Service{},
		&domain.AccountingRecord{},
		&domain.Subscription{},
		&domain.UsageSpecification{},
	)
}

func (s *SQLStore) AddService(ctx context.Context, svc domain.Service) error {
	svc.PublicPath = strings.TrimSpace(svc.PublicPath)
	if svc.PublicPath == "" {
		return domain.ErrInvalidPublicPath
	}
	err := s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "is_context_broker", "cb_version"}),
	}).Create(&svc).Error
	return domain.StoreFailure("add service", err)
}

func (s *SQLStore) GetService(ctx context.Context, publicPath string) (*domain.Service, error) {
	var svc domain.Service
	err := s.conn.WithContext(ctx).Where("public_path = ?", publicPath).Take(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrServiceNotFound
	}
	if err != nil {
		return nil, domain.StoreFailure("get service", err)
	}
	return &svc, nil
}

func (s *SQLStore) AddAccounting(ctx context.Context, record domain.AccountingRecord) error {
	if strings.TrimSpace(record.APIKey) == "" {
		return domain.ErrInvalidAPIKey
	}
	if record.Value.IsNegative() || record.CorrelationNumber < 0 {
		return domain.ErrNegativeAmount
	}
	err := s.conn.WithContext(ctx).Create(&record).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrDuplicateAPIKey
	}
	return domain.StoreFailure("add accounting", err)
}

func (s *SQLStore) GetAccounting(ctx context.Context, apiKey string) (*domain.AccountingRecord, error) {
	var record domain.AccountingRecord
	err := s.conn.WithContext(ctx).Where("api_key = ?", apiKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountingNotFound
	}
	if err != nil {
		return nil, domain.StoreFailure("get accounting", err)
	}
	return &record, nil
}

func (s *SQLStore) GetAccountingInfo(ctx context.Context, apiKey string) (*domain.AccountingInfo, error) {
	var info domain.AccountingInfo
	err := s.conn.WithContext(ctx).Raw(
		`SELECT a.api_key, a.public_path, a.unit, a.record_type, a.correlation_number, COALESCE(s.url, '') AS url
		 FROM accounting_records a
		 LEFT JOIN services s ON s.public_path = a.public_path
		 WHERE a.api_key = ?`,
		apiKey,
	).Scan(&info).Error
	if err != nil {
		return nil, domain.StoreFailure("get accounting info", err)
	}
	if info.APIKey == "" {
		return nil, domain.ErrAccountingNotFound
	}
	return &info, nil
}

// IncrementAccounting adds amount in a single UPDATE so concurrent callers
// never lose an increment; the read of the new total happens in the same
// transaction while the row is still locked by that UPDATE.
func (s *SQLStore) IncrementAccounting(ctx context.Context, apiKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, domain.ErrNegativeAmount
	}

	var total decimal.Decimal
	err := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// MySQL reports zero affected rows for a no-op update.
		if !amount.IsZero() {
			res := tx.Exec(
				`UPDATE accounting_records SET value = value + ? WHERE api_key = ?`,
				amount,
				apiKey,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrAccountingNotFound
			}
		}

		err := tx.Raw(`SELECT value FROM accounting_records WHERE api_key = ?`, apiKey).Row().Scan(&total)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAccountingNotFound
		}
		return err
	})
	if err != nil {
		return decimal.Zero, domain.StoreFailure("increment accounting", err)
	}
	return total, nil
}

func (s *SQLStore) ResetAccounting(ctx context.Context, apiKey string, flushed decimal.Decimal) (int64, error) {
	if flushed.IsNegative() {
		return 0, domain.ErrNegativeAmount
	}

	var correlation int64
	err := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("api_key = ?", apiKey)
		if db.SupportsRowLocking(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var record domain.AccountingRecord
		if err := query.Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrAccountingNotFound
			}
			return err
		}

		remaining := record.Value.Sub(flushed)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		correlation = record.CorrelationNumber + 1

		return tx.Exec(
			`UPDATE accounting_records SET value = ?, correlation_number = ? WHERE api_key = ?`,
			remaining,
			correlation,
			apiKey,
		).Error
	})
	if err != nil {
		return 0, domain.StoreFailure("reset accounting", err)
	}
	return correlation, nil
}

func (s *SQLStore) GetAllNonZeroAccounting(ctx context.Context) ([]domain.AccountingRecord, error) {
	var records []domain.AccountingRecord
	err := s.conn.WithContext(ctx).
		Where("value <> 0").
		Order("api_key ASC").
		Find(&records).Error
	if err != nil {
		return nil, domain.StoreFailure("list accounting", err)
	}
	return records, nil
}

func (s *SQLStore) AddSubscription(ctx context.Context, sub domain.Subscription) error {
	err := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.AccountingRecord{}).Where("api_key = ?", sub.APIKey).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrAccountingNotFound
		}
		return tx.Create(&sub).Error
	})
	return domain.StoreFailure("add subscription", err)
}

func (s *SQLStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.conn.WithContext(ctx).Where("subscription_id = ?", id).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, domain.StoreFailure("get subscription", err)
	}
	return &sub, nil
}

func (s *SQLStore) UpdateSubscription(ctx context.Context, id string, update domain.SubscriptionUpdate) error {
	updates := map[string]any{}
	if update.NotificationURL != nil {
		updates["notification_url"] = *update.NotificationURL
	}
	if update.Expires != nil {
		updates["expires"] = update.Expires.UTC()
	}

	err := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub domain.Subscription
		if err := tx.Where("subscription_id = ?", id).Take(&sub).Error; err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&domain.Subscription{}).Where("subscription_id = ?", id).Updates(updates).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrSubscriptionNotFound
	}
	return domain.StoreFailure("update subscription", err)
}

func (s *SQLStore) DeleteSubscription(ctx context.Context, id string) error {
	res := s.conn.WithContext(ctx).Where("subscription_id = ?", id).Delete(&domain.Subscription{})
	if res.Error != nil {
		return domain.StoreFailure("delete subscription", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *SQLStore) GetUsageSpecificationHref(ctx context.Context, unit string) (string, error) {
	var spec domain.UsageSpecification
	err := s.conn.WithContext(ctx).Where("unit = ?", unit).Take(&spec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.StoreFailure("get usage specification", err)
	}
	return spec.Href, nil
}

func (s *SQLStore) SetUsageSpecificationHref(ctx context.Context, unit, href string) error {
	err := s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unit"}},
		DoUpdates: clause.AssignmentColumns([]string{"href"}),
	}).Create(&domain.UsageSpecification{Unit: unit, Href: href}).Error
	return domain.StoreFailure("set usage specification", err)
}

var _ domain.Store = (*SQLStore)(nil)
