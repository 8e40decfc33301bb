package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReporterOutcomeSuccess = "success"
	ReporterOutcomeFailure = "failure"
	ReporterOutcomeSkipped = "skipped"

	ReporterSkipReasonRunning    = "already_running"
	ReporterSkipReasonLockHeld   = "lock_held"
	ReporterSkipReasonLockFailed = "lock_error"
)

const (
	FlushReasonOK                   = "ok"
	FlushReasonDeadlineExceeded     = "deadline_exceeded"
	FlushReasonTransport            = "transport"
	FlushReasonRejected             = "rejected"
	FlushReasonNotFound             = "not_found"
	FlushReasonDBLockTimeout        = "db_lock_timeout"
	FlushReasonSerializationFailure = "serialization_failure"
	FlushReasonUniqueViolation      = "unique_violation"
	FlushReasonUnknown              = "unknown"
)

// ReporterMetrics captures usage reporting daemon health.
type ReporterMetrics struct {
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	runSkipped        *prometheus.CounterVec
	flush             *prometheus.CounterVec
	specRegistrations *prometheus.CounterVec
}

var (
	reporterMetricsOnce sync.Once
	reporterMetrics     *ReporterMetrics
)

// ReporterWithConfig returns the process-wide reporter metrics registered on
// the default prometheus registerer.
func ReporterWithConfig(cfg Config) *ReporterMetrics {
	reporterMetricsOnce.Do(func() {
		reporterMetrics = NewReporterMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reporterMetrics
}

// ResetReporterMetricsForTest resets the reporter metrics singleton for tests.
func ResetReporterMetricsForTest() {
	reporterMetricsOnce = sync.Once{}
	reporterMetrics = nil
}

func NewReporterMetrics(registerer prometheus.Registerer, cfg Config) *ReporterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "accounting-proxy"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ReporterMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "accountingproxy_reporter_runs_total",
			Help:        "Usage reporting runs by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "accountingproxy_reporter_run_duration_seconds",
			Help:        "Usage reporting run latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			ConstLabels: constLabels,
		}),
		runSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "accountingproxy_reporter_run_skipped_total",
			Help:        "Usage reporting triggers skipped because a run was in progress.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		flush: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "accountingproxy_reporter_flush_total",
			Help:        "Per-record usage flushes by low-cardinality outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		specRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "accountingproxy_reporter_spec_registrations_total",
			Help:        "Usage specification registrations by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	m.runs = registerCollector(registerer, m.runs)
	m.runDuration = registerCollector(registerer, m.runDuration)
	m.runSkipped = registerCollector(registerer, m.runSkipped)
	m.flush = registerCollector(registerer, m.flush)
	m.specRegistrations = registerCollector(registerer, m.specRegistrations)
	return m
}

// registerCollector reuses an already registered collector with the same
// descriptor, which happens when several fx apps share one process in tests.
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *ReporterMetrics) ObserveRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *ReporterMetrics) IncRunSkipped(reason string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(ReporterOutcomeSkipped).Inc()
	m.runSkipped.WithLabelValues(reason).Inc()
}

func (m *ReporterMetrics) IncFlush(err error) {
	if m == nil {
		return
	}
	m.flush.WithLabelValues(ClassifyFlushError(err)).Inc()
}

func (m *ReporterMetrics) IncSpecRegistration(outcome string) {
	if m == nil {
		return
	}
	m.specRegistrations.WithLabelValues(outcome).Inc()
}

// ClassifyFlushError maps a flush failure to a metrics label.
func ClassifyFlushError(err error) string {
	if err == nil {
		return FlushReasonOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FlushReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FlushReasonNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return FlushReasonUniqueViolation
	}
	if hasPGCode(err, "55P03") {
		return FlushReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return FlushReasonSerializationFailure
	}
	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		return FlushReasonRejected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FlushReasonTransport
	}
	return FlushReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
