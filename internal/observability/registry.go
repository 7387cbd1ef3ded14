package observability

import "time"

// MetricsRegistry records application metrics. Components receive it by
// injection instead of touching the Prometheus globals directly.
type MetricsRegistry interface {
	// HTTP request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Serving metrics
	AddAdsServed(placement string, n int)
	IncrementEmptyServes()

	// Tracking metrics
	IncrementEvent(eventType string)
	IncrementRateLimitRequests(kind string)
	IncrementRateLimitHits(kind string)
	SetRateLimitWindows(n int)

	// Buffer and flush metrics
	SetBufferSize(n int)
	IncrementFlush(outcome string)
	RecordFlushDuration(duration time.Duration)
	AddRequeued(n int)

	// Analytics metrics
	IncrementCTRRecompute(outcome string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) AddAdsServed(placement string, n int) {
	AdsServed.WithLabelValues(placement).Add(float64(n))
}

func (r *PrometheusRegistry) IncrementEmptyServes() {
	EmptyServes.Inc()
}

func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(kind string) {
	RateLimitRequests.WithLabelValues(kind).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(kind string) {
	RateLimitHits.WithLabelValues(kind).Inc()
}

func (r *PrometheusRegistry) SetRateLimitWindows(n int) {
	RateLimitWindows.Set(float64(n))
}

func (r *PrometheusRegistry) SetBufferSize(n int) {
	BufferSize.Set(float64(n))
}

func (r *PrometheusRegistry) IncrementFlush(outcome string) {
	FlushCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordFlushDuration(duration time.Duration) {
	FlushDuration.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) AddRequeued(n int) {
	RequeuedEvents.Add(float64(n))
}

func (r *PrometheusRegistry) IncrementCTRRecompute(outcome string) {
	CTRRecomputes.WithLabelValues(outcome).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) AddAdsServed(placement string, n int)                                 {}
func (r *NoOpRegistry) IncrementEmptyServes()                                                {}
func (r *NoOpRegistry) IncrementEvent(eventType string)                                      {}
func (r *NoOpRegistry) IncrementRateLimitRequests(kind string)                               {}
func (r *NoOpRegistry) IncrementRateLimitHits(kind string)                                   {}
func (r *NoOpRegistry) SetRateLimitWindows(n int)                                            {}
func (r *NoOpRegistry) SetBufferSize(n int)                                                  {}
func (r *NoOpRegistry) IncrementFlush(outcome string)                                        {}
func (r *NoOpRegistry) RecordFlushDuration(duration time.Duration)                           {}
func (r *NoOpRegistry) AddRequeued(n int)                                                    {}
func (r *NoOpRegistry) IncrementCTRRecompute(outcome string)                                 {}
