// Package metrics exposes sync engine counters on a caller-provided registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resource labels.
const (
	ResourceFeatureFlags      = "feature_flags"
	ResourceRuleBasedSegments = "rule_based_segments"
	ResourceMemberships       = "memberships"
	ResourceLargeMemberships  = "large_memberships"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics groups the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	pushStatus    *prometheus.CounterVec
	connected     prometheus.Gauge
	changeNumbers *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_fetch_total",
				Help: "Total number of control plane fetches",
			},
			[]string{"resource", "result"},
		),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flagsync_fetch_duration_seconds",
				Help:    "Duration of full fetch sequences in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_notifications_total",
				Help: "Total number of streaming notifications received",
			},
			[]string{"type"},
		),
		pushStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagsync_push_status_total",
				Help: "Total number of push status transitions",
			},
			[]string{"status"},
		),
		connected: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagsync_streaming_connected",
				Help: "1 while the streaming connection is healthy",
			},
		),
		changeNumbers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flagsync_change_number",
				Help: "Latest stored change number per resource",
			},
			[]string{"resource"},
		),
	}
}

func (m *Metrics) ObserveFetch(resource string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.fetches.WithLabelValues(resource, result).Inc()
	m.fetchDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

func (m *Metrics) IncNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPushStatus(status string) {
	if m == nil {
		return
	}
	m.pushStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) SetStreamingConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) SetChangeNumber(resource string, cn int64) {
	if m == nil {
		return
	}
	m.changeNumbers.WithLabelValues(resource).Set(float64(cn))
}
