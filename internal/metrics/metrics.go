package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Outcome labels for dispatched messages
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Metrics holds all Prometheus metrics for sendlater
type Metrics struct {
	// Scheduled message counters
	MessagesScheduledTotal  prometheus.Counter
	MessagesDispatchedTotal *prometheus.CounterVec
	MessagesCanceledTotal   prometheus.Counter
	DispatchNoopTotal       prometheus.Counter

	// Dispatcher gauges
	MessagesPending  prometheus.Gauge
	DispatchInFlight prometheus.Gauge
	DeliveryDuration *prometheus.HistogramVec
	SweepsTotal      prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendlater_messages_scheduled_total",
				Help: "Total number of messages accepted for later delivery",
			},
		),
		MessagesDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendlater_messages_dispatched_total",
				Help: "Total number of delivery attempts recorded, by outcome",
			},
			[]string{"outcome", "error_type"},
		),
		MessagesCanceledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendlater_messages_canceled_total",
				Help: "Total number of canceled messages",
			},
		),
		DispatchNoopTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendlater_dispatch_noop_total",
				Help: "Deliveries whose outcome was discarded because the message was no longer pending",
			},
		),

		MessagesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendlater_messages_pending",
				Help: "Number of pending scheduled messages",
			},
		),
		DispatchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendlater_dispatch_in_flight",
				Help: "Number of deliveries currently in progress",
			},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendlater_delivery_duration_seconds",
				Help:    "Gateway delivery duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		SweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendlater_dispatch_sweeps_total",
				Help: "Total number of dispatcher sweeps",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendlater_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendlater_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendlater_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendlater_ratelimit_exceeded_total",
				Help: "Total number of deliveries postponed by a rate limit",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendlater_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendlater_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendlater_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesScheduledTotal,
		m.MessagesDispatchedTotal,
		m.MessagesCanceledTotal,
		m.DispatchNoopTotal,
		m.MessagesPending,
		m.DispatchInFlight,
		m.DeliveryDuration,
		m.SweepsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncScheduled increments the scheduled message counter
func IncScheduled() {
	m := Global()
	if m != nil {
		m.MessagesScheduledTotal.Inc()
	}
}

// IncDispatched records a delivery outcome. errorType is empty for sent.
func IncDispatched(outcome, errorType string) {
	m := Global()
	if m != nil {
		m.MessagesDispatchedTotal.WithLabelValues(outcome, errorType).Inc()
	}
}

// IncCanceled increments the canceled message counter
func IncCanceled() {
	m := Global()
	if m != nil {
		m.MessagesCanceledTotal.Inc()
	}
}

// IncDispatchNoop counts a delivery whose outcome lost the race
func IncDispatchNoop() {
	m := Global()
	if m != nil {
		m.DispatchNoopTotal.Inc()
	}
}

// IncSweeps increments the sweep counter
func IncSweeps() {
	m := Global()
	if m != nil {
		m.SweepsTotal.Inc()
	}
}

// AddInFlight adjusts the in-flight gauge
func AddInFlight(delta float64) {
	m := Global()
	if m != nil {
		m.DispatchInFlight.Add(delta)
	}
}

// SetPending sets the pending gauge
func SetPending(n int) {
	m := Global()
	if m != nil {
		m.MessagesPending.Set(float64(n))
	}
}

// ObserveDelivery records how long a gateway call took
func ObserveDelivery(outcome string, d time.Duration) {
	m := Global()
	if m != nil {
		m.DeliveryDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
