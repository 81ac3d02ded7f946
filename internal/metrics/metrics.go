// Package metrics defines the Prometheus instruments of the position engine.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "position_engine"

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Lifecycle
	PositionsOpened    *prometheus.CounterVec
	PositionsClosed    *prometheus.CounterVec
	PositionsDeleted   prometheus.Counter
	StaleWrites        *prometheus.CounterVec
	LifecycleDuration  *prometheus.HistogramVec
	SideEffectFailures *prometheus.CounterVec

	// Risk
	AlertsRaised       *prometheus.CounterVec
	MonitorScans       *prometheus.CounterVec
	MonitorScanSeconds prometheus.Histogram
	OwnersScanned      prometheus.Counter

	// Egress
	PositionsArchived prometheus.Counter
	Notifications     *prometheus.CounterVec
	RateLimited       prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var defaultBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// New creates and registers all metrics on reg. A nil reg registers on the
// Prometheus default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PositionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Positions opened, by position type and side",
		}, []string{"type", "side"}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Close events, by history action (partial_close, close, liquidate)",
		}, []string{"action"}),
		PositionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "deleted_total",
			Help:      "Terminal positions deleted",
		}),
		StaleWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "stale_writes_total",
			Help:      "Mutations rejected by the store compare-and-set",
		}, []string{"operation"}),
		LifecycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "operation_duration_seconds",
			Help:      "Duration of lifecycle operations",
			Buckets:   defaultBuckets,
		}, []string{"operation", "status"}),
		SideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "side_effect_failures_total",
			Help:      "History, alert, event or summary emissions that failed after a committed mutation",
		}, []string{"sink"}),
		AlertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Risk alerts raised, by type and severity",
		}, []string{"type", "severity"}),
		MonitorScans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "scans_total",
			Help:      "Margin monitor scan passes, by outcome",
		}, []string{"outcome"}),
		MonitorScanSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a full margin monitor pass",
			Buckets:   defaultBuckets,
		}),
		OwnersScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "owners_scanned_total",
			Help:      "Owners with live positions evaluated by the margin monitor",
		}),
		PositionsArchived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "positions_total",
			Help:      "Terminal positions moved to object storage",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Alert notifications, by channel and outcome (sent, failed, open)",
		}, []string{"channel", "outcome"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-identity rate limit",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   defaultBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordOpened counts a newly opened position.
func (m *Metrics) RecordOpened(positionType, side string) {
	if m == nil {
		return
	}
	m.PositionsOpened.WithLabelValues(positionType, side).Inc()
}

// RecordClosed counts a partial close, full close or liquidation.
func (m *Metrics) RecordClosed(action string) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(action).Inc()
}

// RecordDeleted counts a deleted position.
func (m *Metrics) RecordDeleted() {
	if m == nil {
		return
	}
	m.PositionsDeleted.Inc()
}

// RecordStaleWrite counts a compare-and-set rejection.
func (m *Metrics) RecordStaleWrite(operation string) {
	if m == nil {
		return
	}
	m.StaleWrites.WithLabelValues(operation).Inc()
}

// ObserveOperation records how long a lifecycle operation took.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LifecycleDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// RecordSideEffectFailure counts a failed post-commit emission.
func (m *Metrics) RecordSideEffectFailure(sink string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(sink).Inc()
}

// RecordAlert counts a raised alert.
func (m *Metrics) RecordAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// ObserveScan records a margin monitor pass.
func (m *Metrics) ObserveScan(outcome string, scanned int, start time.Time) {
	if m == nil {
		return
	}
	m.MonitorScans.WithLabelValues(outcome).Inc()
	m.MonitorScanSeconds.Observe(time.Since(start).Seconds())
	m.OwnersScanned.Add(float64(scanned))
}

// ObserveHTTP records a served HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordArchived counts positions moved to cold storage.
func (m *Metrics) RecordArchived(n int) {
	if m == nil {
		return
	}
	m.PositionsArchived.Add(float64(n))
}

// RecordNotification counts one delivery attempt on channel.
func (m *Metrics) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

// RecordRateLimited counts a throttled request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
