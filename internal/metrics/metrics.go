// Package metrics provides Prometheus metrics for feed polling and the API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch results used as the "result" label.
const (
	ResultSuccess     = "success"
	ResultNotModified = "not_modified"
	ResultStatus      = "status_error"
	ResultTransport   = "transport_error"
	ResultParse       = "parse_error"
	ResultBreakerOpen = "breaker_open"
	ResultOther       = "other_error"
)

// Poll cycle outcomes used as the "outcome" label.
const (
	OutcomeDelivered  = "delivered"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"
)

var (
	// FeedFetchTotal counts feed refresh attempts by result.
	FeedFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorcal_feed_fetch_total",
			Help: "Total number of feed refresh attempts by result",
		},
		[]string{"result"},
	)

	// FeedFetchDuration measures network fetch plus normalization time.
	FeedFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirrorcal_feed_fetch_duration_seconds",
			Help:    "Feed fetch and normalize duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FeedCacheHits counts polls served from a fresh cache entry.
	FeedCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorcal_feed_cache_hits_total",
			Help: "Total number of feed lookups served from cache",
		},
	)

	// FeedFallbacks counts failed refreshes that fell back to cached events.
	FeedFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorcal_feed_fallbacks_total",
			Help: "Total number of failed refreshes served from the last good cache",
		},
	)

	// ComponentsSkipped counts malformed VEVENTs dropped during normalization.
	ComponentsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorcal_components_skipped_total",
			Help: "Total number of malformed calendar components skipped",
		},
	)

	// PollCycles counts poll cycles by outcome.
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorcal_poll_cycles_total",
			Help: "Total number of poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	// DeliveredEvents is the size of the last delivered batch per instance.
	DeliveredEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirrorcal_delivered_events",
			Help: "Number of events in the last delivered batch",
		},
		[]string{"instance"},
	)

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorcal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordFetch records one refresh attempt.
func RecordFetch(result string, duration time.Duration) {
	FeedFetchTotal.WithLabelValues(result).Inc()
	FeedFetchDuration.Observe(duration.Seconds())
}

func RecordCacheHit() {
	FeedCacheHits.Inc()
}

func RecordFallback() {
	FeedFallbacks.Inc()
}

func RecordSkipped(n int) {
	if n > 0 {
		ComponentsSkipped.Add(float64(n))
	}
}

func RecordPoll(outcome string) {
	PollCycles.WithLabelValues(outcome).Inc()
}

func RecordDelivered(instanceID string, count int) {
	DeliveredEvents.WithLabelValues(instanceID).Set(float64(count))
}

func RecordHTTP(method, route, status string) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}
