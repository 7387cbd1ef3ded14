package models

// Placement is a named slot in the consuming application ("sidebar",
// "banner") where ads render. MaxAds caps how many ads show at once.
type Placement struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	MaxAds   int    `json:"max_ads"`
	IsActive bool   `json:"is_active"`
}
