// Package ratelimit implements per-IP fixed-window rate limiting for
// tracking events.
//
// Each (kind, ip) pair owns a window that counts requests until its reset
// time, then starts over wholesale. A fixed window accepts some burst at the
// boundary in exchange for O(1) memory and CPU per key.
package ratelimit

import "time"

// Kind names the class of event being limited.
type Kind string

const (
	KindImpression Kind = "impression"
	KindClick      Kind = "click"
)

// windowKey identifies one rate-limit window.
type windowKey struct {
	kind Kind
	ip   string
}

// Window is the in-memory counter for one (kind, ip) pair. It is never
// persisted and is lost on restart.
type Window struct {
	Count     int
	ResetTime time.Time
}

// Expired reports whether the window no longer applies at now.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.ResetTime)
}

// admit applies a request of the given weight against limit. It returns the
// window to store and whether the request is allowed. A denied request
// leaves the window unchanged.
func (w Window) admit(now time.Time, weight, limit int, length time.Duration) (Window, bool) {
	if w.Expired(now) {
		return Window{Count: weight, ResetTime: now.Add(length)}, true
	}
	if w.Count+weight > limit {
		return w, false
	}
	w.Count += weight
	return w, true
}
