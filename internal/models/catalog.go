package models

import (
	"sort"
	"sync/atomic"
	"time"
)

// AdCatalog provides read access to ads, their targeting rules and
// placements. Reads are on the serving hot path and never block on I/O.
type AdCatalog interface {
	// ListActiveAds returns the ads servable at now.
	ListActiveAds(now time.Time) []Ad
	GetTargetingRule(adID int64) *TargetingRule
	GetPlacement(code string) *Placement
	GetAd(adID int64) *Ad
	GetAllAds() []Ad
	GetAllPlacements() []Placement
}

// catalogSnapshot is an immutable view of the catalog.
type catalogSnapshot struct {
	ads            []Ad
	adIndex        map[int64]*Ad
	rules          map[int64]*TargetingRule
	placements     []Placement
	placementIndex map[string]*Placement
}

// InMemoryAdCatalog implements AdCatalog over an atomically swapped snapshot.
// Readers never observe a partially applied reload.
type InMemoryAdCatalog struct {
	data atomic.Pointer[catalogSnapshot]
}

// NewInMemoryAdCatalog returns an empty catalog.
func NewInMemoryAdCatalog() *InMemoryAdCatalog {
	c := &InMemoryAdCatalog{}
	c.data.Store(buildSnapshot(nil, nil, nil))
	return c
}

func buildSnapshot(ads []Ad, rules []TargetingRule, placements []Placement) *catalogSnapshot {
	snap := &catalogSnapshot{
		ads:            make([]Ad, len(ads)),
		adIndex:        make(map[int64]*Ad, len(ads)),
		rules:          make(map[int64]*TargetingRule, len(rules)),
		placements:     make([]Placement, len(placements)),
		placementIndex: make(map[string]*Placement, len(placements)),
	}
	copy(snap.ads, ads)
	for i := range snap.ads {
		snap.adIndex[snap.ads[i].ID] = &snap.ads[i]
	}
	for i := range rules {
		r := rules[i]
		snap.rules[r.AdID] = &r
	}
	copy(snap.placements, placements)
	for i := range snap.placements {
		snap.placementIndex[snap.placements[i].Code] = &snap.placements[i]
	}
	return snap
}

// ReloadAll atomically replaces every ad, rule and placement.
func (c *InMemoryAdCatalog) ReloadAll(ads []Ad, rules []TargetingRule, placements []Placement) error {
	c.data.Store(buildSnapshot(ads, rules, placements))
	return nil
}

// ListActiveAds returns copies of the ads servable at now, in catalog order.
func (c *InMemoryAdCatalog) ListActiveAds(now time.Time) []Ad {
	data := c.data.Load()
	out := make([]Ad, 0, len(data.ads))
	for i := range data.ads {
		if data.ads[i].IsServable(now) {
			out = append(out, data.ads[i])
		}
	}
	return out
}

// GetTargetingRule returns the rule for adID, or nil when the ad is untargeted.
func (c *InMemoryAdCatalog) GetTargetingRule(adID int64) *TargetingRule {
	if r, ok := c.data.Load().rules[adID]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// GetPlacement returns the placement registered under code, or nil.
func (c *InMemoryAdCatalog) GetPlacement(code string) *Placement {
	if p, ok := c.data.Load().placementIndex[code]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// GetAd returns the ad with the given id, or nil.
func (c *InMemoryAdCatalog) GetAd(adID int64) *Ad {
	if a, ok := c.data.Load().adIndex[adID]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// GetAllAds returns every ad regardless of status, ordered by id.
func (c *InMemoryAdCatalog) GetAllAds() []Ad {
	data := c.data.Load()
	out := make([]Ad, len(data.ads))
	copy(out, data.ads)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAllPlacements returns every placement.
func (c *InMemoryAdCatalog) GetAllPlacements() []Placement {
	data := c.data.Load()
	out := make([]Placement, len(data.placements))
	copy(out, data.placements)
	return out
}
