package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassifyFlushError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "ok", err: nil, want: FlushReasonOK},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), want: FlushReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: FlushReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: FlushReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: FlushReasonUniqueViolation},
		{name: "rejected", err: fmt.Errorf("flush: %w", statusErr{code: 500}), want: FlushReasonRejected},
		{name: "transport", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: FlushReasonTransport},
		{name: "unknown", err: errors.New("boom"), want: FlushReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFlushError(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestReporterMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewReporterMetrics(registry, Config{ServiceName: "accounting-proxy", Environment: "test"})

	m.IncFlush(nil)
	m.IncFlush(statusErr{code: 503})
	m.IncRunSkipped(ReporterSkipReasonRunning)
	m.ObserveRun(ReporterOutcomeSuccess, time.Second)

	if got := testutil.ToFloat64(m.flush.WithLabelValues(FlushReasonOK)); got != 1 {
		t.Fatalf("expected ok flush count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.flush.WithLabelValues(FlushReasonRejected)); got != 1 {
		t.Fatalf("expected rejected flush count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.runSkipped.WithLabelValues(ReporterSkipReasonRunning)); got != 1 {
		t.Fatalf("expected skipped count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues(ReporterOutcomeSkipped)); got != 1 {
		t.Fatalf("expected skipped run count 1, got %v", got)
	}
}

func TestReporterMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewReporterMetrics(registry, Config{Environment: "test"})
	second := NewReporterMetrics(registry, Config{Environment: "test"})

	first.IncSpecRegistration("registered")
	if got := testutil.ToFloat64(second.specRegistrations.WithLabelValues("registered")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}
