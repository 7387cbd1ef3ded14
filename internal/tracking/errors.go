package tracking

import "errors"

var (
	// ErrRateLimitExceeded is returned when the caller's IP has used up its
	// window for the event kind. Callers must back off.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrDuplicateClick is returned when an identical click was already
	// recorded within the dedup window. The click is not stored again.
	ErrDuplicateClick = errors.New("duplicate click")
)
