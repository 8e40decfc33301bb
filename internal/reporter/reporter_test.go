package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/repository"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/billing"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBilling answers specification registrations and records usage posts.
type fakeBilling struct {
	mu          sync.Mutex
	specStatus  int
	usageStatus map[string]int
	specs       []string
	usage       map[string]map[string]any

	// when release is set, requests block until it is closed and the first
	// one closes entered
	entered     chan struct{}
	release     chan struct{}
	enteredOnce sync.Once
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		specStatus:  http.StatusCreated,
		usageStatus: map[string]int{},
		usage:       map[string]map[string]any{},
	}
}

func (b *fakeBilling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.release != nil {
		b.enteredOnce.Do(func() { close(b.entered) })
		<-b.release
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.HasSuffix(r.URL.Path, "/usageSpecification") {
		if b.specStatus >= 300 {
			w.WriteHeader(b.specStatus)
			return
		}
		name, _ := body["name"].(string)
		b.specs = append(b.specs, name)
		w.WriteHeader(b.specStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"href": "http://billing/usageSpecification/" + name})
		return
	}

	order := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/orders/"), "/accounting")
	b.usage[order] = body
	status, ok := b.usageStatus[order]
	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (b *fakeBilling) posted(order string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.usage[order]
	return body, ok
}

type reporterFixture struct {
	reporter *Reporter
	store    domain.Store
	redis    *redis.Client
	registry *prometheus.Registry
}

func newReporterFixture(t *testing.T, fake *fakeBilling) *reporterFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := repository.NewRedisStore(client)

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	units, err := unit.NewRegistry([]string{"call", "megabyte", "millisecond"}, unit.Builtin()...)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	r := New(Params{
		Store:   store,
		Units:   units,
		Billing: billing.NewClientWithHTTP(srv.Client(), srv.URL, srv.URL+"/orders"),
		Holder:  config.NewStaticAccountingConfig(config.DefaultAccountingConfig()),
		Clock:   clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Log:     zap.NewNop(),
		Redis:   client,
		Metrics: obsmetrics.NewReporterMetrics(reg, obsmetrics.Config{ServiceName: "test"}),
	})
	return &reporterFixture{reporter: r, store: store, redis: client, registry: reg}
}

func (f *reporterFixture) seed(t *testing.T, apiKey, order string, value int64) {
	t.Helper()
	require.NoError(t, f.store.AddAccounting(context.Background(), domain.AccountingRecord{
		APIKey:     apiKey,
		PublicPath: "/weather",
		OrderID:    order,
		ProductID:  "product-1",
		Customer:   "customer-1",
		Unit:       "call",
		Value:      decimal.NewFromInt(value),
		RecordType: "event",
		Offering:   domain.Offering{Organization: "acme", Name: "weather", Version: "1.0"},
	}))
}

func (f *reporterFixture) record(t *testing.T, apiKey string) *domain.AccountingRecord {
	t.Helper()
	rec, err := f.store.GetAccounting(context.Background(), apiKey)
	require.NoError(t, err)
	return rec
}

func TestRunOnceFlushesAndResets(t *testing.T) {
	fake := newFakeBilling()
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 5)

	require.NoError(t, f.reporter.RunOnce(context.Background()))

	rec := f.record(t, "K1")
	assert.True(t, rec.Value.IsZero(), "value %s", rec.Value)
	assert.Equal(t, int64(1), rec.CorrelationNumber)

	body, ok := fake.posted("order-1")
	require.True(t, ok)
	assert.Equal(t, "5", body["value"])
	assert.Equal(t, float64(0), body["correlation_number"])
	assert.Equal(t, "/weather", body["component_label"])
	assert.Equal(t, "http://billing/usageSpecification/call", body["href"])
	assert.Equal(t, "customer-1", body["customer"])

	assert.ElementsMatch(t, []string{"call", "megabyte", "millisecond"}, fake.specs)
	href, err := f.store.GetUsageSpecificationHref(context.Background(), "megabyte")
	require.NoError(t, err)
	assert.Equal(t, "http://billing/usageSpecification/megabyte", href)
}

func TestRunOnceKeepsValueWhenRejected(t *testing.T) {
	fake := newFakeBilling()
	fake.usageStatus["order-1"] = http.StatusInternalServerError
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 5)

	err := f.reporter.RunOnce(context.Background())
	var statusErr *billing.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode())

	rec := f.record(t, "K1")
	assert.True(t, rec.Value.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(0), rec.CorrelationNumber)
}

func TestRunOnceFlushesRecordsIndependently(t *testing.T) {
	fake := newFakeBilling()
	fake.usageStatus["order-2"] = http.StatusBadGateway
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 3)
	f.seed(t, "K2", "order-2", 7)

	assert.Error(t, f.reporter.RunOnce(context.Background()))

	assert.True(t, f.record(t, "K1").Value.IsZero())
	assert.True(t, f.record(t, "K2").Value.Equal(decimal.NewFromInt(7)))
}

func TestRunOnceSkipsZeroRecords(t *testing.T) {
	fake := newFakeBilling()
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 0)

	require.NoError(t, f.reporter.RunOnce(context.Background()))

	_, posted := fake.posted("order-1")
	assert.False(t, posted)
	assert.Equal(t, int64(0), f.record(t, "K1").CorrelationNumber)
}

func TestRunOnceKeepsRecordsOfDisabledUnit(t *testing.T) {
	fake := newFakeBilling()
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 2)
	require.NoError(t, f.store.AddAccounting(context.Background(), domain.AccountingRecord{
		APIKey:     "K2",
		PublicPath: "/weather",
		OrderID:    "order-2",
		ProductID:  "product-1",
		Customer:   "customer-1",
		Unit:       "kilobyte",
		Value:      decimal.NewFromInt(9),
		RecordType: "event",
	}))
	require.NoError(t, f.reporter.RunOnce(context.Background()))

	_, posted := fake.posted("order-2")
	assert.False(t, posted, "usage without a specification href must not be posted")
	rec := f.record(t, "K2")
	assert.True(t, rec.Value.Equal(decimal.NewFromInt(9)), "value %s", rec.Value)
	assert.Equal(t, int64(0), rec.CorrelationNumber)

	body, ok := fake.posted("order-1")
	require.True(t, ok)
	assert.Equal(t, "http://billing/usageSpecification/call", body["href"])
	assert.NotContains(t, fake.specs, "kilobyte")
}

func TestRunOnceAbortsWhenSpecificationSyncFails(t *testing.T) {
	fake := newFakeBilling()
	fake.specStatus = http.StatusServiceUnavailable
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 5)

	err := f.reporter.RunOnce(context.Background())
	require.Error(t, err)

	_, posted := fake.posted("order-1")
	assert.False(t, posted)
	assert.True(t, f.record(t, "K1").Value.Equal(decimal.NewFromInt(5)))
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	fake := newFakeBilling()
	f := newReporterFixture(t, fake)
	f.seed(t, "K1", "order-1", 5)

	lease, err := lock.NewLocker(f.redis).TryAcquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	err = f.reporter.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, f.record(t, "K1").Value.Equal(decimal.NewFromInt(5)))

	count, err := testutil.GatherAndCount(f.registry, "accountingproxy_reporter_run_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, f.reporter.RunOnce(context.Background()))
	assert.True(t, f.record(t, "K1").Value.IsZero())
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	fake := newFakeBilling()
	fake.entered = make(chan struct{})
	fake.release = make(chan struct{})
	f := newReporterFixture(t, fake)

	done := make(chan error, 1)
	go func() { done <- f.reporter.RunOnce(context.Background()) }()

	<-fake.entered
	assert.ErrorIs(t, f.reporter.RunOnce(context.Background()), ErrRunInProgress)

	close(fake.release)
	require.NoError(t, <-done)
}

func TestNextRun(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	assert.Equal(t, at(2, 30), NextRun(at(1, 0), 2, 30))
	assert.Equal(t, at(2, 30).AddDate(0, 0, 1), NextRun(at(2, 30), 2, 30))
	assert.Equal(t, at(0, 0).AddDate(0, 0, 1), NextRun(at(23, 59), 0, 0))
}
