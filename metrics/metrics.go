// Package metrics holds the service's Prometheus collectors. They register on
// the default registry and are served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "buildsync",
	Subsystem: "sync",
	Name:      "attempts_total",
	Help:      "Entity sync attempts by provider, entity type and outcome.",
}, []string{"provider", "entity_type", "outcome"})

var SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "buildsync",
	Subsystem: "sync",
	Name:      "duration_seconds",
	Help:      "Wall time of one SyncEntity call including counterpart syncs.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"provider", "entity_type"})

var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "buildsync",
	Subsystem: "gateway",
	Name:      "requests_total",
	Help:      "Outbound provider requests by provider, method and status class.",
}, []string{"provider", "method", "status"})

var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "buildsync",
	Subsystem: "gateway",
	Name:      "latency_ms",
	Help:      "Outbound provider request latency.",
	Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
}, []string{"provider"})

var TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "buildsync",
	Subsystem: "gateway",
	Name:      "token_refreshes_total",
	Help:      "OAuth refresh exchanges by outcome (committed, lost_race, reauth, error).",
}, []string{"provider", "outcome"})

var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "buildsync",
	Subsystem: "webhooks",
	Name:      "events_total",
	Help:      "Inbound webhook events by provider and final state.",
}, []string{"provider", "state"})

var PendingReferences = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "buildsync",
	Subsystem: "sweep",
	Name:      "stale_pending",
	Help:      "Stale pending references found by the last sweep.",
}, []string{"provider"})

// StatusClass buckets an HTTP status for label cardinality ("2xx", "4xx", "error").
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "error"
}
