package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewSQLStore(conn)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newMiniredisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func forEachStore(t *testing.T, fn func(t *testing.T, store domain.Store)) {
	t.Run("sql", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newMiniredisStore(t)) })
}

func seedRecord(t *testing.T, store domain.Store, apiKey string, value decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.AddService(ctx, domain.Service{PublicPath: "/orion", URL: "http://backend:1026"}))
	require.NoError(t, store.AddAccounting(ctx, domain.AccountingRecord{
		APIKey:     apiKey,
		PublicPath: "/orion",
		OrderID:    "order-1",
		ProductID:  "product-1",
		Customer:   "customer-1",
		Unit:       "call",
		Value:      value,
		RecordType: "callUsage",
		Offering:   domain.Offering{Organization: "acme", Name: "orion", Version: "1.0"},
	}))
}

func TestIncrementAccounting(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.Zero)

		total, err := store.IncrementAccounting(ctx, "K1", decimal.NewFromInt(1))
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(1)), "total %s", total)

		total, err = store.IncrementAccounting(ctx, "K1", decimal.RequireFromString("0.5"))
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.RequireFromString("1.5")), "total %s", total)

		total, err = store.IncrementAccounting(ctx, "K1", decimal.Zero)
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.RequireFromString("1.5")), "total %s", total)
	})
}

func TestIncrementAccountingConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.Zero)

		const workers = 40
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.IncrementAccounting(ctx, "K1", decimal.NewFromInt(int64(i%3+1)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		var want int64
		for i := 0; i < workers; i++ {
			want += int64(i%3 + 1)
		}
		record, err := store.GetAccounting(ctx, "K1")
		require.NoError(t, err)
		assert.True(t, record.Value.Equal(decimal.NewFromInt(want)), "got %s want %d", record.Value, want)
	})
}

// newSQLiteFileStore opens a file database with a pool of several connections
// so writers really contend for the database lock.
func newSQLiteFileStore(t *testing.T, conns int) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "accounting.db") + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewSQLStore(conn)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestIncrementAccountingConcurrentConnections(t *testing.T) {
	store := newSQLiteFileStore(t, 8)
	ctx := context.Background()
	seedRecord(t, store, "K1", decimal.Zero)

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.IncrementAccounting(ctx, "K1", decimal.NewFromInt(int64(i%3+1)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := store.conn.DB()
	require.NoError(t, err)
	assert.Greater(t, stats.Stats().OpenConnections, 1)

	var want int64
	for i := 0; i < workers; i++ {
		want += int64(i%3 + 1)
	}
	record, err := store.GetAccounting(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, record.Value.Equal(decimal.NewFromInt(want)), "got %s want %d", record.Value, want)
}

func TestIncrementAccountingRejectsNegative(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.NewFromInt(3))

		_, err := store.IncrementAccounting(ctx, "K1", decimal.NewFromInt(-1))
		assert.ErrorIs(t, err, domain.ErrNegativeAmount)
		assert.ErrorIs(t, err, domain.ErrStore)

		record, err := store.GetAccounting(ctx, "K1")
		require.NoError(t, err)
		assert.True(t, record.Value.Equal(decimal.NewFromInt(3)))
	})
}

func TestIncrementAccountingUnknownKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		_, err := store.IncrementAccounting(context.Background(), "missing", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, domain.ErrAccountingNotFound)

		_, err = store.GetAccounting(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrAccountingNotFound)
	})
}

func TestResetAccounting(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.NewFromInt(5))

		first, err := store.ResetAccounting(ctx, "K1", decimal.NewFromInt(5))
		require.NoError(t, err)
		second, err := store.ResetAccounting(ctx, "K1", decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first)
		assert.Greater(t, second, first)

		record, err := store.GetAccounting(ctx, "K1")
		require.NoError(t, err)
		assert.True(t, record.Value.IsZero(), "value %s", record.Value)
		assert.Equal(t, second, record.CorrelationNumber)
	})
}

func TestResetAccountingKeepsConcurrentIncrements(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.NewFromInt(5))

		// usage recorded after the flush snapshot must survive the reset
		_, err := store.IncrementAccounting(ctx, "K1", decimal.NewFromInt(2))
		require.NoError(t, err)
		_, err = store.ResetAccounting(ctx, "K1", decimal.NewFromInt(5))
		require.NoError(t, err)

		record, err := store.GetAccounting(ctx, "K1")
		require.NoError(t, err)
		assert.True(t, record.Value.Equal(decimal.NewFromInt(2)), "value %s", record.Value)

		_, err = store.ResetAccounting(ctx, "K1", decimal.NewFromInt(10))
		require.NoError(t, err)
		record, err = store.GetAccounting(ctx, "K1")
		require.NoError(t, err)
		assert.True(t, record.Value.IsZero())

		_, err = store.ResetAccounting(ctx, "missing", decimal.Zero)
		assert.ErrorIs(t, err, domain.ErrAccountingNotFound)
	})
}

func TestGetAllNonZeroAccounting(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.NewFromInt(5))
		seedRecord(t, store, "K2", decimal.Zero)
		seedRecord(t, store, "K3", decimal.RequireFromString("0.25"))

		records, err := store.GetAllNonZeroAccounting(ctx)
		require.NoError(t, err)

		keys := make([]string, 0, len(records))
		for _, record := range records {
			keys = append(keys, record.APIKey)
		}
		assert.ElementsMatch(t, []string{"K1", "K3"}, keys)
		for _, record := range records {
			assert.Equal(t, "acme", record.Offering.Organization)
			assert.Equal(t, "customer-1", record.Customer)
		}
	})
}

func TestGetAccountingInfo(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.Zero)

		info, err := store.GetAccountingInfo(ctx, "K1")
		require.NoError(t, err)
		assert.Equal(t, "http://backend:1026", info.URL)
		assert.Equal(t, "call", info.Unit)
		assert.Equal(t, "/orion", info.PublicPath)
		assert.Equal(t, "callUsage", info.RecordType)

		_, err = store.GetAccountingInfo(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrAccountingNotFound)
	})
}

func TestAddAccountingDuplicateKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		seedRecord(t, store, "K1", decimal.Zero)

		err := store.AddAccounting(context.Background(), domain.AccountingRecord{APIKey: "K1", PublicPath: "/orion", Unit: "call"})
		assert.ErrorIs(t, err, domain.ErrDuplicateAPIKey)
		assert.ErrorIs(t, err, domain.ErrStore)
	})
}

func TestAddAccountingConcurrentSameKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		require.NoError(t, store.AddService(ctx, domain.Service{PublicPath: "/orion", URL: "http://backend:1026"}))

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- store.AddAccounting(ctx, domain.AccountingRecord{
					APIKey:     "K1",
					PublicPath: "/orion",
					OrderID:    fmt.Sprintf("order-%d", i),
					Unit:       "call",
					Value:      decimal.NewFromInt(1),
				})
			}(i)
		}
		wg.Wait()
		close(errs)

		created := 0
		for err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrDuplicateAPIKey)
		}
		assert.Equal(t, 1, created)

		records, err := store.GetAllNonZeroAccounting(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "call", records[0].Unit)
		assert.True(t, strings.HasPrefix(records[0].OrderID, "order-"))
	})
}

func TestRedisAddAccountingLeavesExistingHashAlone(t *testing.T) {
	store := newMiniredisStore(t)
	ctx := context.Background()
	require.NoError(t, store.client.HSet(ctx, accountingKeyPrefix+"K1", "api_key", "K1").Err())

	err := store.AddAccounting(ctx, domain.AccountingRecord{APIKey: "K1", PublicPath: "/orion", Unit: "call", OrderID: "order-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateAPIKey)

	fields, err := store.client.HGetAll(ctx, accountingKeyPrefix+"K1").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "K1"}, fields)
	member, err := store.client.SIsMember(ctx, accountingKeysSet, "K1").Result()
	require.NoError(t, err)
	assert.False(t, member)

	require.NoError(t, store.AddAccounting(ctx, domain.AccountingRecord{APIKey: "K2", PublicPath: "/orion", Unit: "call", OrderID: "order-2", CorrelationNumber: 4}))
	fields, err = store.client.HGetAll(ctx, accountingKeyPrefix+"K2").Result()
	require.NoError(t, err)
	assert.Equal(t, "K2", fields["api_key"])
	assert.Equal(t, "order-2", fields["order_id"])
	assert.Equal(t, "0", fields["value"])
	assert.Equal(t, "4", fields["correlation_number"])
	member, err = store.client.SIsMember(ctx, accountingKeysSet, "K2").Result()
	require.NoError(t, err)
	assert.True(t, member)
}

func TestServiceLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		require.NoError(t, store.AddService(ctx, domain.Service{
			PublicPath:      "/cb",
			URL:             "http://orion:1026",
			IsContextBroker: true,
			CBVersion:       "v2",
		}))

		svc, err := store.GetService(ctx, "/cb")
		require.NoError(t, err)
		assert.True(t, svc.IsContextBroker)
		assert.Equal(t, "v2", svc.CBVersion)

		_, err = store.GetService(ctx, "/nope")
		assert.ErrorIs(t, err, domain.ErrServiceNotFound)
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()
		seedRecord(t, store, "K1", decimal.Zero)

		expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.AddSubscription(ctx, domain.Subscription{
			ID:              "sub-1",
			APIKey:          "K1",
			NotificationURL: "http://subscriber/notify",
			Unit:            "millisecond",
			Version:         "v2",
			Expires:         &expires,
		}))

		sub, err := store.GetSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "K1", sub.APIKey)
		require.NotNil(t, sub.Expires)
		assert.True(t, sub.Expires.Equal(expires))

		newURL := "http://subscriber/other"
		later := expires.Add(time.Hour)
		require.NoError(t, store.UpdateSubscription(ctx, "sub-1", domain.SubscriptionUpdate{
			NotificationURL: &newURL,
			Expires:         &later,
		}))
		sub, err = store.GetSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, newURL, sub.NotificationURL)
		assert.True(t, sub.Expires.Equal(later))

		err = store.UpdateSubscription(ctx, "missing", domain.SubscriptionUpdate{NotificationURL: &newURL})
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

		require.NoError(t, store.DeleteSubscription(ctx, "sub-1"))
		_, err = store.GetSubscription(ctx, "sub-1")
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
		assert.ErrorIs(t, store.DeleteSubscription(ctx, "sub-1"), domain.ErrSubscriptionNotFound)
	})
}

func TestAddSubscriptionRequiresAccounting(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		err := store.AddSubscription(context.Background(), domain.Subscription{
			ID:              "sub-1",
			APIKey:          "missing",
			NotificationURL: "http://subscriber",
			Unit:            "call",
		})
		assert.ErrorIs(t, err, domain.ErrAccountingNotFound)
	})
}

func TestUsageSpecificationHref(t *testing.T) {
	forEachStore(t, func(t *testing.T, store domain.Store) {
		ctx := context.Background()

		href, err := store.GetUsageSpecificationHref(ctx, "call")
		require.NoError(t, err)
		assert.Empty(t, href)

		require.NoError(t, store.SetUsageSpecificationHref(ctx, "call", "http://billing/spec/1"))
		require.NoError(t, store.SetUsageSpecificationHref(ctx, "call", "http://billing/spec/2"))

		href, err = store.GetUsageSpecificationHref(ctx, "call")
		require.NoError(t, err)
		assert.Equal(t, "http://billing/spec/2", href)
	})
}
