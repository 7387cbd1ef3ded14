package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adtrack_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// ads returned by the selector, labelled by placement code
	AdsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_ads_served_total",
			Help: "Total ads returned by the selector",
		},
		[]string{"placement"},
	)

	// selections that produced no ads
	EmptyServes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adtrack_empty_serves_total",
			Help: "Total ad selections returning no ads",
		},
	)

	// tracking events accepted, labelled by type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_events_total",
			Help: "Total tracking events accepted",
		},
		[]string{"type"},
	)

	// rate limiter checks per event kind
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_ratelimit_requests_total",
			Help: "Total rate limit checks per event kind",
		},
		[]string{"kind"},
	)

	// rate limiter denials per event kind
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_ratelimit_hits_total",
			Help: "Total rate limit denials per event kind",
		},
		[]string{"kind"},
	)

	// live rate limit windows after the last sweep
	RateLimitWindows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adtrack_ratelimit_windows",
			Help: "Number of tracked rate limit windows",
		},
	)

	// impressions waiting in the in-memory buffer
	BufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adtrack_impression_buffer_size",
			Help: "Impressions buffered and not yet persisted",
		},
	)

	// flush attempts labelled by outcome
	FlushCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_flush_total",
			Help: "Total impression buffer flushes",
		},
		[]string{"outcome"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adtrack_flush_duration_seconds",
			Help:    "Duration of impression buffer flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// impressions pushed back onto the buffer after a failed flush
	RequeuedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adtrack_requeued_impressions_total",
			Help: "Total impressions requeued after flush failure",
		},
	)

	// CTR recomputations labelled by outcome
	CTRRecomputes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtrack_ctr_recompute_total",
			Help: "Total CTR recomputations",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		AdsServed,
		EmptyServes,
		EventCount,
		RateLimitRequests,
		RateLimitHits,
		RateLimitWindows,
		BufferSize,
		FlushCount,
		FlushDuration,
		RequeuedEvents,
		CTRRecomputes,
	)
}
