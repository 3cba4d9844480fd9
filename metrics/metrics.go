// Package metrics provides Prometheus metrics for session operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session manager.
type Metrics struct {
	enabled bool

	// Refresh metrics
	refreshAttemptsTotal *prometheus.CounterVec
	refreshSharedTotal   prometheus.Counter
	refreshDuration      prometheus.Histogram

	// Interceptor metrics
	authRetriesTotal prometheus.Counter

	// Lifecycle metrics
	hardLogoutsTotal *prometheus.CounterVec
	storeEventsTotal *prometheus.CounterVec
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	m.refreshAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_refresh_attempts_total",
		Help: "Total token refresh attempts by outcome",
	}, []string{"outcome"})

	m.refreshSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_refresh_shared_total",
		Help: "Callers that joined an already in-flight refresh",
	})

	m.refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_refresh_duration_seconds",
		Help:    "Token refresh duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.authRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_auth_retries_total",
		Help: "Requests re-sent after an auth-triggered refresh",
	})

	m.hardLogoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hard_logouts_total",
		Help: "Hard logouts by reason",
	}, []string{"reason"})

	m.storeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_store_events_total",
		Help: "Store change events observed from other handles",
	}, []string{"kind"})

	return m
}

// RecordRefreshAttempt records a refresh attempt and its outcome
// (success, terminal, transient_failure, no_refresh_token).
func (m *Metrics) RecordRefreshAttempt(outcome string, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.refreshAttemptsTotal.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(durationSeconds)
}

// RecordRefreshShared records a caller that reused an in-flight refresh.
func (m *Metrics) RecordRefreshShared() {
	if !m.enabled {
		return
	}
	m.refreshSharedTotal.Inc()
}

// RecordAuthRetry records one auth-triggered retry of an original request.
func (m *Metrics) RecordAuthRetry() {
	if !m.enabled {
		return
	}
	m.authRetriesTotal.Inc()
}

// RecordHardLogout records a completed hard logout.
func (m *Metrics) RecordHardLogout(reason string) {
	if !m.enabled {
		return
	}
	m.hardLogoutsTotal.WithLabelValues(reason).Inc()
}

// RecordStoreEvent records a store change event by kind
// (record, signal, cleared).
func (m *Metrics) RecordStoreEvent(kind string) {
	if !m.enabled {
		return
	}
	m.storeEventsTotal.WithLabelValues(kind).Inc()
}
