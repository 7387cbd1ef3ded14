package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/adtrack/internal/observability"
	"github.com/puzpuzpuz/xsync/v4"
)

// Config holds the configuration for rate limiting.
type Config struct {
	Enabled         bool
	ImpressionLimit int           // requests per window per IP
	ClickLimit      int           // requests per window per IP
	Window          time.Duration // window length, 60s by default
	// SweepGrace is how long past its reset time an entry is kept before
	// Sweep evicts it.
	SweepGrace time.Duration
}

// DefaultConfig returns 100 impressions and 20 clicks per IP per minute.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ImpressionLimit: 100,
		ClickLimit:      20,
		Window:          time.Minute,
	}
}

// Limiter tracks fixed windows keyed by (kind, ip).
//
// Example usage:
//
//	limiter := NewLimiter(DefaultConfig(), observability.NewPrometheusRegistry())
//	if !limiter.Allow(KindImpression, ip, 1) {
//	    // reject with 429
//	}
type Limiter struct {
	windows *xsync.Map[windowKey, Window]
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
	stats   map[Kind]*counters
}

type counters struct {
	total atomic.Int64
	hits  atomic.Int64
}

// NewLimiter creates a limiter. A zero window length falls back to one minute.
func NewLimiter(config Config, metrics observability.MetricsRegistry) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Limiter{
		windows: xsync.NewMap[windowKey, Window](),
		config:  config,
		metrics: metrics,
		now:     time.Now,
		stats: map[Kind]*counters{
			KindImpression: {},
			KindClick:      {},
		},
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Limit returns the per-window limit for kind, or 0 when kind is unknown.
func (l *Limiter) Limit(kind Kind) int {
	switch kind {
	case KindImpression:
		return l.config.ImpressionLimit
	case KindClick:
		return l.config.ClickLimit
	}
	return 0
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.config.Window
}

// Allow reports whether a request of the given weight from ip may proceed.
// Weights below one count as one. When the window for (kind, ip) is missing
// or expired a fresh window is opened with Count = weight, even if weight
// alone exceeds the limit. Otherwise the request is denied without changing
// state if it would push the count past the limit.
func (l *Limiter) Allow(kind Kind, ip string, weight int) bool {
	if !l.config.Enabled {
		return true
	}
	if weight < 1 {
		weight = 1
	}
	limit := l.Limit(kind)
	if limit <= 0 {
		return true
	}

	l.metrics.IncrementRateLimitRequests(string(kind))
	if c := l.stats[kind]; c != nil {
		c.total.Add(1)
	}

	now := l.now()
	allowed := false
	l.windows.Compute(windowKey{kind: kind, ip: ip}, func(old Window, loaded bool) (Window, xsync.ComputeOp) {
		if !loaded {
			old = Window{}
		}
		next, ok := old.admit(now, weight, limit, l.config.Window)
		allowed = ok
		if !ok {
			return old, xsync.CancelOp
		}
		return next, xsync.UpdateOp
	})

	if !allowed {
		l.metrics.IncrementRateLimitHits(string(kind))
		if c := l.stats[kind]; c != nil {
			c.hits.Add(1)
		}
	}
	return allowed
}

// Peek returns the current window for (kind, ip) without modifying it.
func (l *Limiter) Peek(kind Kind, ip string) (Window, bool) {
	return l.windows.Load(windowKey{kind: kind, ip: ip})
}

// Sweep evicts windows whose reset time is more than the configured grace
// in the past and returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.config.SweepGrace)
	removed := 0
	l.windows.Range(func(key windowKey, w Window) bool {
		if cutoff.Before(w.ResetTime) {
			return true
		}
		l.windows.Compute(key, func(current Window, loaded bool) (Window, xsync.ComputeOp) {
			if !loaded {
				return current, xsync.CancelOp
			}
			// renewed concurrently
			if cutoff.Before(current.ResetTime) {
				return current, xsync.CancelOp
			}
			removed++
			return current, xsync.DeleteOp
		})
		return true
	})
	l.metrics.SetRateLimitWindows(l.windows.Size())
	return removed
}

// Size returns the number of tracked windows.
func (l *Limiter) Size() int {
	return l.windows.Size()
}

// GetStats returns per-kind rate limiting statistics.
func (l *Limiter) GetStats() map[Kind]RateLimitStats {
	out := make(map[Kind]RateLimitStats, len(l.stats))
	for kind, c := range l.stats {
		total := c.total.Load()
		hits := c.hits.Load()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		out[kind] = RateLimitStats{Kind: kind, Hits: hits, Total: total, HitRate: hitRate}
	}
	return out
}

// RateLimitStats contains statistics about rate limiting for one event kind.
type RateLimitStats struct {
	Kind    Kind    `json:"kind"`
	Hits    int64   `json:"hits"`     // rejected requests
	Total   int64   `json:"total"`    // checked requests
	HitRate float64 `json:"hit_rate"` // 0.0-1.0
}

// String returns a human-readable representation of the rate limit statistics.
func (s RateLimitStats) String() string {
	return fmt.Sprintf("%s: %d/%d hits (%.2f%%)", s.Kind, s.Hits, s.Total, s.HitRate*100)
}
