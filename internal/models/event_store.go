package models

import (
	"context"
	"sort"
	"sync"
)

// EventStore persists raw tracking events.
type EventStore interface {
	BulkInsertImpressions(ctx context.Context, events []ImpressionEvent) error
	InsertClick(ctx context.Context, event *ClickEvent) (string, error)
}

// CounterStore maintains the cumulative counters on each ad row.
// IncrementAdCounters must apply count = count + delta atomically so that
// concurrent flushes never lose updates.
type CounterStore interface {
	IncrementAdCounters(ctx context.Context, adID int64, impressionDelta, clickDelta int64) error
	GetAdCounters(ctx context.Context, adID int64) (AdCounters, error)
	SetAdCTR(ctx context.Context, adID int64, ctr float64) error
	// PlatformTotals returns ad status counts and summed counters.
	// AverageCTR is left for the caller to derive.
	PlatformTotals(ctx context.Context) (PlatformStatistics, error)
}

// EventQuerier answers range queries over the raw event tables.
type EventQuerier interface {
	EventTotals(ctx context.Context, adID int64, tr TimeRange) (EventTotals, error)
	// DailyImpressions returns at most limit most recent day buckets, oldest first.
	DailyImpressions(ctx context.Context, adID int64, tr TimeRange, limit int) ([]DailyCount, error)
	// TopPlacements returns at most limit placements by impression count, descending.
	TopPlacements(ctx context.Context, adID int64, tr TimeRange, limit int) ([]PlacementCount, error)
}

// PersistenceStore is the full storage contract used by the tracking and
// analytics components.
type PersistenceStore interface {
	EventStore
	CounterStore
	EventQuerier
}

// InMemoryStore implements PersistenceStore in process memory. It backs
// tests and local runs without databases.
type InMemoryStore struct {
	mu          sync.Mutex
	ads         map[int64]*Ad
	impressions []ImpressionEvent
	clicks      []ClickEvent
}

// NewInMemoryStore returns a store with counters for the given ads.
func NewInMemoryStore(ads ...Ad) *InMemoryStore {
	s := &InMemoryStore{ads: make(map[int64]*Ad)}
	for _, a := range ads {
		s.PutAd(a)
	}
	return s
}

// PutAd inserts or replaces an ad row.
func (s *InMemoryStore) PutAd(a Ad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.ads[a.ID] = &cp
}

func (s *InMemoryStore) BulkInsertImpressions(ctx context.Context, events []ImpressionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impressions = append(s.impressions, events...)
	return nil
}

func (s *InMemoryStore) InsertClick(ctx context.Context, event *ClickEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, *event)
	return event.ID, nil
}

func (s *InMemoryStore) IncrementAdCounters(_ context.Context, adID int64, impressionDelta, clickDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ads[adID]
	if !ok {
		return ErrNotFound
	}
	a.Impressions += impressionDelta
	a.Clicks += clickDelta
	return nil
}

func (s *InMemoryStore) GetAdCounters(_ context.Context, adID int64) (AdCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ads[adID]
	if !ok {
		return AdCounters{}, ErrNotFound
	}
	return AdCounters{Impressions: a.Impressions, Clicks: a.Clicks, CTR: a.CTR}, nil
}

func (s *InMemoryStore) SetAdCTR(_ context.Context, adID int64, ctr float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ads[adID]
	if !ok {
		return ErrNotFound
	}
	a.CTR = ctr
	return nil
}

func (s *InMemoryStore) PlatformTotals(_ context.Context) (PlatformStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st PlatformStatistics
	for _, a := range s.ads {
		switch a.Status {
		case AdStatusPending:
			st.PendingAds++
		case AdStatusActive:
			st.ActiveAds++
		}
		st.TotalImpressions += a.Impressions
		st.TotalClicks += a.Clicks
	}
	return st, nil
}

func (s *InMemoryStore) EventTotals(_ context.Context, adID int64, tr TimeRange) (EventTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t EventTotals
	users := make(map[string]struct{})
	for _, e := range s.impressions {
		if e.AdID != adID || !tr.Contains(e.ViewedAt) {
			continue
		}
		t.Impressions++
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	for _, c := range s.clicks {
		if c.AdID == adID && tr.Contains(c.ClickedAt) {
			t.Clicks++
		}
	}
	t.UniqueUsers = int64(len(users))
	return t, nil
}

func (s *InMemoryStore) DailyImpressions(_ context.Context, adID int64, tr TimeRange, limit int) ([]DailyCount, error) {
	s.mu.Lock()
	counts := make(map[string]int64)
	for _, e := range s.impressions {
		if e.AdID == adID && tr.Contains(e.ViewedAt) {
			counts[e.ViewedAt.UTC().Format("2006-01-02")]++
		}
	}
	s.mu.Unlock()

	out := make([]DailyCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, DailyCount{Date: d, Impressions: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) TopPlacements(_ context.Context, adID int64, tr TimeRange, limit int) ([]PlacementCount, error) {
	type key struct {
		id   int64
		code string
	}
	s.mu.Lock()
	counts := make(map[key]*PlacementCount)
	for _, e := range s.impressions {
		if e.AdID != adID || !tr.Contains(e.ViewedAt) {
			continue
		}
		var k key
		switch {
		case e.PlacementID != nil:
			k.id = *e.PlacementID
		case e.PlacementCode != "":
			k.code = e.PlacementCode
		default:
			continue
		}
		pc, ok := counts[k]
		if !ok {
			pc = &PlacementCount{}
			if e.PlacementID != nil {
				id := *e.PlacementID
				pc.PlacementID = &id
			}
			counts[k] = pc
		}
		if pc.PlacementCode == "" {
			pc.PlacementCode = e.PlacementCode
		}
		pc.Impressions++
	}
	s.mu.Unlock()

	out := make([]PlacementCount, 0, len(counts))
	for _, pc := range counts {
		out = append(out, *pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Impressions != out[j].Impressions {
			return out[i].Impressions > out[j].Impressions
		}
		if out[i].PlacementCode != out[j].PlacementCode {
			return out[i].PlacementCode < out[j].PlacementCode
		}
		return placementIDOrZero(out[i].PlacementID) < placementIDOrZero(out[j].PlacementID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func placementIDOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// Impressions returns a copy of every persisted impression.
func (s *InMemoryStore) Impressions() []ImpressionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ImpressionEvent, len(s.impressions))
	copy(out, s.impressions)
	return out
}

// Clicks returns a copy of every persisted click.
func (s *InMemoryStore) Clicks() []ClickEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClickEvent, len(s.clicks))
	copy(out, s.clicks)
	return out
}
