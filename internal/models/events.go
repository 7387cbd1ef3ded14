package models

import "time"

// ImpressionEvent records one view of an ad. It is buffered by the tracking
// pipeline and persisted in bulk; once persisted it is never modified.
type ImpressionEvent struct {
	ID     string `json:"id"`
	AdID   int64  `json:"ad_id"`
	UserID string `json:"user_id,omitempty"`
	// SessionID groups events for dedup and analytics; required.
	SessionID     string `json:"session_id"`
	PlacementCode string `json:"placement_code,omitempty"`
	// PlacementID is resolved from PlacementCode; nil when unknown.
	PlacementID *int64            `json:"placement_id,omitempty"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"user_agent"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ViewedAt    time.Time         `json:"viewed_at"`
}

// ClickEvent records a click on an ad. Clicks are persisted synchronously.
type ClickEvent struct {
	ID             string            `json:"id"`
	AdID           int64             `json:"ad_id"`
	ImpressionID   string            `json:"impression_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	SessionID      string            `json:"session_id"`
	Referrer       string            `json:"referrer,omitempty"`
	DestinationURL string            `json:"destination_url,omitempty"`
	IP             string            `json:"ip"`
	UserAgent      string            `json:"user_agent"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ClickedAt      time.Time         `json:"clicked_at"`
}
