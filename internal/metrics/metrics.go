// Package metrics provides Prometheus metrics for the session agent.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RefreshTotal          *prometheus.CounterVec
	RefreshDuration       prometheus.Histogram
	BackoffSeconds        prometheus.Gauge
	RequestsTotal         *prometheus.CounterVec
	ReactiveRetriesTotal  *prometheus.CounterVec
	ActivityNotifications prometheus.Counter
	LogoutsTotal          *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memorio_session_refresh_total",
				Help: "Session refresh attempts by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memorio_session_refresh_duration_seconds",
				Help:    "Duration of calls to the refresh endpoint.",
				Buckets: prometheus.DefBuckets,
			},
		),
		BackoffSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memorio_session_backoff_seconds",
				Help: "Current proactive refresh backoff delay; 0 when healthy.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memorio_http_requests_total",
				Help: "API requests sent through the shared client by method and status.",
			},
			[]string{"method", "status"},
		),
		ReactiveRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memorio_http_reactive_retries_total",
				Help: "Reactive refresh-and-retry attempts after a 401 by result.",
			},
			[]string{"result"},
		),
		ActivityNotifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memorio_activity_notifications_total",
				Help: "Debounced user activity notifications delivered to subscribers.",
			},
		),
		LogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memorio_session_logouts_total",
				Help: "Session terminations by reason.",
			},
			[]string{"reason"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RefreshTotal)
	reg.MustRegister(m.RefreshDuration)
	reg.MustRegister(m.BackoffSeconds)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.ReactiveRetriesTotal)
	reg.MustRegister(m.ActivityNotifications)
	reg.MustRegister(m.LogoutsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRefresh increments the refresh counter.
func (m *Metrics) RecordRefresh(trigger, outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(trigger, outcome).Inc()
}

// ObserveRefresh records the duration of one refresh call.
func (m *Metrics) ObserveRefresh(seconds float64) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(seconds)
}

// SetBackoff sets the current backoff delay.
func (m *Metrics) SetBackoff(seconds float64) {
	if m == nil {
		return
	}
	m.BackoffSeconds.Set(seconds)
}

// RecordRequest increments the request counter. Status 0 means a transport error.
func (m *Metrics) RecordRequest(method string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(method, label).Inc()
}

// RecordReactiveRetry increments the reactive retry counter.
func (m *Metrics) RecordReactiveRetry(result string) {
	if m == nil {
		return
	}
	m.ReactiveRetriesTotal.WithLabelValues(result).Inc()
}

// RecordActivity increments the activity notification counter.
func (m *Metrics) RecordActivity() {
	if m == nil {
		return
	}
	m.ActivityNotifications.Inc()
}

// RecordLogout increments the logout counter.
func (m *Metrics) RecordLogout(reason string) {
	if m == nil {
		return
	}
	m.LogoutsTotal.WithLabelValues(reason).Inc()
}
