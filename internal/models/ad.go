package models

import "time"

// AdStatus is the review/serving state of an ad.
type AdStatus string

const (
	AdStatusDraft    AdStatus = "draft"
	AdStatusPending  AdStatus = "pending"
	AdStatusActive   AdStatus = "active"
	AdStatusPaused   AdStatus = "paused"
	AdStatusRejected AdStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s AdStatus) Valid() bool {
	switch s {
	case AdStatusDraft, AdStatusPending, AdStatusActive, AdStatusPaused, AdStatusRejected:
		return true
	}
	return false
}

// Ad is a servable advertisement as held by the ad catalog.
// Impressions, Clicks and CTR are cumulative counters maintained by the
// tracking pipeline; CTR is always derived from the other two.
type Ad struct {
	ID         int64  `json:"id"`
	CampaignID int64  `json:"campaign_id"`
	// PlacementType is informational; serving does not filter on it.
	PlacementType  string `json:"placement_type"`
	Title          string `json:"title,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	DestinationURL string `json:"destination_url,omitempty"`
	// Priority orders ads within a placement; higher serves first.
	Priority  int        `json:"priority"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"` // nil means open-ended
	Status    AdStatus   `json:"status"`

	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	CTR         float64 `json:"ctr"`

	CreatedAt time.Time `json:"created_at"`
}

// IsServable reports whether the ad is active and now falls inside its
// [StartDate, EndDate] window.
func (a *Ad) IsServable(now time.Time) bool {
	if a.Status != AdStatusActive {
		return false
	}
	if now.Before(a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	return true
}
