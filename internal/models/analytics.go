package models

import "time"

// TimeRange optionally bounds an analytics query. Nil ends are open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// AdCounters are the cumulative counters stored on an ad row.
type AdCounters struct {
	Impressions int64
	Clicks      int64
	CTR         float64
}

// EventTotals summarises the raw event tables for one ad.
type EventTotals struct {
	Impressions int64
	Clicks      int64
	UniqueUsers int64
}

// DailyCount is one bucket of the daily impression series.
type DailyCount struct {
	Date        string `json:"date"`
	Impressions int64  `json:"impressions"`
}

// PlacementCount is the impression count of one placement for an ad.
// Impressions are grouped by placement id when it was resolved and by code
// otherwise, so either field may be empty.
type PlacementCount struct {
	PlacementID   *int64 `json:"placement_id,omitempty"`
	PlacementCode string `json:"placement_code,omitempty"`
	Impressions   int64  `json:"impressions"`
}

// AdAnalytics is the analytics view for a single ad.
type AdAnalytics struct {
	AdID          int64            `json:"ad_id"`
	Impressions   int64            `json:"impressions"`
	Clicks        int64            `json:"clicks"`
	CTR           float64          `json:"ctr"`
	UniqueUsers   int64            `json:"unique_users"`
	Daily         []DailyCount     `json:"daily"`
	TopPlacements []PlacementCount `json:"top_placements"`
}

// PlatformStatistics aggregates counters across all ads.
type PlatformStatistics struct {
	PendingAds       int64   `json:"pending_ads"`
	ActiveAds        int64   `json:"active_ads"`
	TotalImpressions int64   `json:"total_impressions"`
	TotalClicks      int64   `json:"total_clicks"`
	AverageCTR       float64 `json:"average_ctr"`
}
