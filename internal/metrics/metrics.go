// Package metrics provides the bus's counters and gauges (spec §4.9 /
// SPEC_FULL §3 domain stack), backed by prometheus/client_golang.
//
// Grounded on cuemby-warren/pkg/metrics/metrics.go (CounterVec/GaugeVec/
// HistogramVec shapes) and 99souls-ariadne/engine/telemetry/metrics/
// prometheus.go's injected-registry style: each bus instance gets its own
// *prometheus.Registry rather than registering against the global default
// registry, so a multi-bus manager never collides metric names across
// instances sharing one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bus holds every metric one bus instance emits.
type Bus struct {
	registry *prometheus.Registry
	enabled  bool

	EventsProcessedTotal   *prometheus.CounterVec // labels: topic
	EventsDroppedTotal     *prometheus.CounterVec // labels: subscription_id, reason
	EmitDuration           prometheus.Histogram
	SubscriptionQueueDepth *prometheus.GaugeVec // labels: subscription_id
	RuleMatchesTotal       *prometheus.CounterVec // labels: rule_id
	RateLimitedTotal       prometheus.Counter
	ActiveSubscriptions    prometheus.Gauge
	StorageEventCount      prometheus.Gauge
}

// New builds a Bus metric set registered against its own registry, scoped
// by instanceID so two buses in one process never collide. When enabled is
// false every collector is still constructed (callers never nil-check) but
// is not registered, matching spec's enable_metrics=false meaning "don't
// publish", not "don't track".
func New(instanceID string, enabled bool) *Bus {
	reg := prometheus.NewRegistry()

	constLabels := prometheus.Labels{"bus": instanceID}

	b := &Bus{
		registry: reg,
		enabled:  enabled,
		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventbus_events_processed_total",
			Help:        "Total events accepted and routed by the bus.",
			ConstLabels: constLabels,
		}, []string{"topic"}),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventbus_events_dropped_total",
			Help:        "Total events dropped for a specific subscription.",
			ConstLabels: constLabels,
		}, []string{"subscription_id", "reason"}),
		EmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "eventbus_emit_duration_seconds",
			Help:        "Emit call latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		SubscriptionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "eventbus_subscription_queue_depth",
			Help:        "Current buffered event count per subscription.",
			ConstLabels: constLabels,
		}, []string{"subscription_id"}),
		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventbus_rule_matches_total",
			Help:        "Total rule matches by rule id.",
			ConstLabels: constLabels,
		}, []string{"rule_id"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "eventbus_rate_limited_total",
			Help:        "Total emits rejected by the token bucket.",
			ConstLabels: constLabels,
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "eventbus_active_subscriptions",
			Help:        "Current number of active subscriptions.",
			ConstLabels: constLabels,
		}),
		StorageEventCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "eventbus_storage_event_count",
			Help:        "Current number of events retained in storage.",
			ConstLabels: constLabels,
		}),
	}

	if enabled {
		reg.MustRegister(
			b.EventsProcessedTotal,
			b.EventsDroppedTotal,
			b.EmitDuration,
			b.SubscriptionQueueDepth,
			b.RuleMatchesTotal,
			b.RateLimitedTotal,
			b.ActiveSubscriptions,
			b.StorageEventCount,
		)
	}

	return b
}

// Handler exposes /metrics for the (out-of-scope) transport to mount.
func (b *Bus) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// ObserveEmitDuration is a small convenience wrapper for timing Emit.
func (b *Bus) ObserveEmitDuration(start time.Time) {
	b.EmitDuration.Observe(time.Since(start).Seconds())
}
