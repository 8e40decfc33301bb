package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
)

const (
	accountingKeyPrefix   = "accounting:"
	accountingKeysSet     = "accounting:keys"
	subscriptionKeyPrefix = "subscription:"
	usageSpecKeyPrefix    = "usage_spec:"
	serviceKeyPrefix      = "service:"
)

// Scripts return false (a nil reply) when the accounting hash is missing so
// that HINCRBYFLOAT never creates a partial record.
const incrementScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
return redis.call("HINCRBYFLOAT", KEYS[1], "value", ARGV[1])
`

const resetScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
local current = tonumber(redis.call("HGET", KEYS[1], "value") or "0")
if current - tonumber(ARGV[1]) <= 0 then
  redis.call("HSET", KEYS[1], "value", "0")
else
  redis.call("HINCRBYFLOAT", KEYS[1], "value", "-" .. ARGV[1])
end
return redis.call("HINCRBY", KEYS[1], "correlation_number", 1)
`

// addAccountingScript creates the hash and indexes the key in one step.
// ARGV[1] is the API key, the rest are field/value pairs.
const addAccountingScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "api_key", ARGV[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`

const updateSubscriptionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
if #ARGV > 0 then
  redis.call("HSET", KEYS[1], unpack(ARGV))
end
return 1
`

// RedisStore keeps accounting state in redis hashes. Counter mutations run as
// Lua scripts so each one is atomic per API key.
type RedisStore struct {
	client             *redis.Client
	incrementScript    *redis.Script
	resetScript        *redis.Script
	addScript          *redis.Script
	updateSubscription *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:             client,
		incrementScript:    redis.NewScript(incrementScript),
		resetScript:        redis.NewScript(resetScript),
		addScript:          redis.NewScript(addAccountingScript),
		updateSubscription: redis.NewScript(updateSubscriptionScript),
	}
}

func (s *RedisStore) AddService(ctx context.Context, svc domain.Service) error {
	svc.PublicPath = strings.TrimSpace(svc.PublicPath)
	if svc.PublicPath == "" {
		return domain.ErrInvalidPublicPath
	}
	err := s.client.HSet(ctx, serviceKeyPrefix+svc.PublicPath, map[string]any{
		"url":               svc.URL,
		"is_context_broker": strconv.FormatBool(svc.IsContextBroker),
		"cb_version":        svc.CBVersion,
	}).Err()
	return domain.StoreFailure("add service", err)
}

func (s *RedisStore) GetService(ctx context.Context, publicPath string) (*domain.Service, error) {
	fields, err := s.client.HGetAll(ctx, serviceKeyPrefix+publicPath).Result()
	if err != nil {
		return nil, domain.StoreFailure("get service", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrServiceNotFound
	}
	isCB, _ := strconv.ParseBool(fields["is_context_broker"])
	return &domain.Service{
		PublicPath:      publicPath,
		URL:             fields["url"],
		IsContextBroker: isCB,
		CBVersion:       fields["cb_version"],
	}, nil
}

func (s *RedisStore) AddAccounting(ctx context.Context, record domain.AccountingRecord) error {
	if strings.TrimSpace(record.APIKey) == "" {
		return domain.ErrInvalidAPIKey
	}
	if record.Value.IsNegative() || record.CorrelationNumber < 0 {
		return domain.ErrNegativeAmount
	}

	created, err := s.addScript.Run(ctx, s.client,
		[]string{accountingKeyPrefix + record.APIKey, accountingKeysSet},
		record.APIKey,
		"public_path", record.PublicPath,
		"order_id", record.OrderID,
		"product_id", record.ProductID,
		"customer", record.Customer,
		"unit", record.Unit,
		"value", record.Value.String(),
		"record_type", record.RecordType,
		"correlation_number", record.CorrelationNumber,
		"offering_organization", record.Offering.Organization,
		"offering_name", record.Offering.Name,
		"offering_version", record.Offering.Version,
	).Int64()
	if err != nil {
		return domain.StoreFailure("add accounting", err)
	}
	if created == 0 {
		return domain.ErrDuplicateAPIKey
	}
	return nil
}

func (s *RedisStore) GetAccounting(ctx context.Context, apiKey string) (*domain.AccountingRecord, error) {
	fields, err := s.client.HGetAll(ctx, accountingKeyPrefix+apiKey).Result()
	if err != nil {
		return nil, domain.StoreFailure("get accounting", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrAccountingNotFound
	}
	return recordFromHash(apiKey, fields), nil
}

func (s *RedisStore) GetAccountingInfo(ctx context.Context, apiKey string) (*domain.AccountingInfo, error) {
	record, err := s.GetAccounting(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	url, err := s.client.HGet(ctx, serviceKeyPrefix+record.PublicPath, "url").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.StoreFailure("get accounting info", err)
	}
	return &domain.AccountingInfo{
		APIKey:            record.APIKey,
		PublicPath:        record.PublicPath,
		Unit:              record.Unit,
		URL:               url,
		RecordType:        record.RecordType,
		CorrelationNumber: record.CorrelationNumber,
	}, nil
}

func (s *RedisStore) IncrementAccounting(ctx context.Context, apiKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, domain.ErrNegativeAmount
	}
	raw, err := s.incrementScript.Run(ctx, s.client, []string{accountingKeyPrefix + apiKey}, amount.String()).Text()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, domain.ErrAccountingNotFound
	}
	if err != nil {
		return decimal.Zero, domain.StoreFailure("increment accounting", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.StoreFailure("increment accounting", err)
	}
	return total, nil
}

func (s *RedisStore) ResetAccounting(ctx context.Context, apiKey string, flushed decimal.Decimal) (int64, error) {
	if flushed.IsNegative() {
		return 0, domain.ErrNegativeAmount
	}
	correlation, err := s.resetScript.Run(ctx, s.client, []string{accountingKeyPrefix + apiKey}, flushed.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrAccountingNotFound
	}
	if err != nil {
		return 0, domain.StoreFailure("reset accounting", err)
	}
	return correlation, nil
}

func (s *RedisStore) GetAllNonZeroAccounting(ctx context.Context) ([]domain.AccountingRecord, error) {
	apiKeys, err := s.client.SMembers(ctx, accountingKeysSet).Result()
	if err != nil {
		return nil, domain.StoreFailure("list accounting", err)
	}
	if len(apiKeys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(apiKeys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, apiKey := range apiKeys {
			cmds[i] = pipe.HGetAll(ctx, accountingKeyPrefix+apiKey)
		}
		return nil
	})
	if err != nil {
		return nil, domain.StoreFailure("list accounting", err)
	}

	records := make([]domain.AccountingRecord, 0, len(apiKeys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		record := recordFromHash(apiKeys[i], fields)
		if record.Value.IsZero() {
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

func (s *RedisStore) AddSubscription(ctx context.Context, sub domain.Subscription) error {
	exists, err := s.client.Exists(ctx, accountingKeyPrefix+sub.APIKey).Result()
	if err != nil {
		return domain.StoreFailure("add subscription", err)
	}
	if exists == 0 {
		return domain.ErrAccountingNotFound
	}

	fields := map[string]any{
		"api_key":          sub.APIKey,
		"notification_url": sub.NotificationURL,
		"unit":             sub.Unit,
		"version":          sub.Version,
		"expires":          formatExpires(sub.Expires),
	}
	return domain.StoreFailure("add subscription", s.client.HSet(ctx, subscriptionKeyPrefix+sub.ID, fields).Err())
}

func (s *RedisStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, subscriptionKeyPrefix+id).Result()
	if err != nil {
		return nil, domain.StoreFailure("get subscription", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &domain.Subscription{
		ID:              id,
		APIKey:          fields["api_key"],
		NotificationURL: fields["notification_url"],
		Unit:            fields["unit"],
		Version:         fields["version"],
		Expires:         parseExpires(fields["expires"]),
	}, nil
}

func (s *RedisStore) UpdateSubscription(ctx context.Context, id string, update domain.SubscriptionUpdate) error {
	args := make([]any, 0, 4)
	if update.NotificationURL != nil {
		args = append(args, "notification_url", *update.NotificationURL)
	}
	if update.Expires != nil {
		args = append(args, "expires", formatExpires(update.Expires))
	}
	err := s.updateSubscription.Run(ctx, s.client, []string{subscriptionKeyPrefix + id}, args...).Err()
	if errors.Is(err, redis.Nil) {
		return domain.ErrSubscriptionNotFound
	}
	return domain.StoreFailure("update subscription", err)
}

func (s *RedisStore) DeleteSubscription(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, subscriptionKeyPrefix+id).Result()
	if err != nil {
		return domain.StoreFailure("delete subscription", err)
	}
	if deleted == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *RedisStore) GetUsageSpecificationHref(ctx context.Context, unit string) (string, error) {
	href, err := s.client.Get(ctx, usageSpecKeyPrefix+unit).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", domain.StoreFailure("get usage specification", err)
	}
	return href, nil
}

func (s *RedisStore) SetUsageSpecificationHref(ctx context.Context, unit, href string) error {
	return domain.StoreFailure("set usage specification", s.client.Set(ctx, usageSpecKeyPrefix+unit, href, 0).Err())
}

func recordFromHash(apiKey string, fields map[string]string) *domain.AccountingRecord {
	value, err := decimal.NewFromString(fields["value"])
	if err != nil {
		value = decimal.Zero
	}
	correlation, _ := strconv.ParseInt(fields["correlation_number"], 10, 64)
	return &domain.AccountingRecord{
		APIKey:            apiKey,
		PublicPath:        fields["public_path"],
		OrderID:           fields["order_id"],
		ProductID:         fields["product_id"],
		Customer:          fields["customer"],
		Unit:              fields["unit"],
		Value:             value,
		RecordType:        fields["record_type"],
		CorrelationNumber: correlation,
		Offering: domain.Offering{
			Organization: fields["offering_organization"],
			Name:         fields["offering_name"],
			Version:      fields["offering_version"],
		},
	}
}

func formatExpires(expires *time.Time) string {
	if expires == nil {
		return ""
	}
	return expires.UTC().Format(time.RFC3339Nano)
}

func parseExpires(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &parsed
}

var _ domain.Store = (*RedisStore)(nil)
