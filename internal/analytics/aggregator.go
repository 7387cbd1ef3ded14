// Package analytics derives CTR and read-side analytics from the persisted
// impression and click data.
package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

const (
	// DailySeriesDays bounds the daily impression series.
	DailySeriesDays = 30
	// TopPlacementsLimit bounds the placement breakdown.
	TopPlacementsLimit = 10
)

var hundred = decimal.NewFromInt(100)

// CalculateCTR returns clicks / impressions * 100 rounded half away from zero
// to two decimals. Zero impressions yield 0.
func CalculateCTR(impressions, clicks int64) float64 {
	if impressions <= 0 {
		return 0
	}
	ctr := decimal.NewFromInt(clicks).
		Mul(hundred).
		Div(decimal.NewFromInt(impressions)).
		Round(2)
	return ctr.InexactFloat64()
}

// Aggregator serves CTR maintenance and analytics queries.
type Aggregator struct {
	store   models.PersistenceStore
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store models.PersistenceStore, logger *zap.Logger, metrics observability.MetricsRegistry) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Aggregator{store: store, logger: logger, metrics: metrics}
}

// RecomputeCTR derives the ad's CTR from its stored counters and writes it
// back. It returns the new value.
func (a *Aggregator) RecomputeCTR(ctx context.Context, adID int64) (float64, error) {
	counters, err := a.store.GetAdCounters(ctx, adID)
	if err != nil {
		a.metrics.IncrementCTRRecompute("error")
		if errors.Is(err, models.ErrNotFound) {
			return 0, err
		}
		return 0, models.NewPersistenceError("get ad counters", err)
	}
	ctr := CalculateCTR(counters.Impressions, counters.Clicks)
	if err := a.store.SetAdCTR(ctx, adID, ctr); err != nil {
		a.metrics.IncrementCTRRecompute("error")
		return 0, models.NewPersistenceError("set ad ctr", err)
	}
	a.metrics.IncrementCTRRecompute("ok")
	return ctr, nil
}

// GetAdAnalytics returns totals, CTR, unique users, the most recent daily
// impression buckets and the top placements for adID within tr.
// An unknown ad yields models.ErrNotFound.
func (a *Aggregator) GetAdAnalytics(ctx context.Context, adID int64, tr models.TimeRange) (*models.AdAnalytics, error) {
	if tr.Start != nil && tr.End != nil && tr.End.Before(*tr.Start) {
		return nil, &models.ValidationError{Field: "end", Reason: "end precedes start"}
	}
	if _, err := a.store.GetAdCounters(ctx, adID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("ad %d: %w", adID, models.ErrNotFound)
		}
		return nil, models.NewPersistenceError("get ad counters", err)
	}

	totals, err := a.store.EventTotals(ctx, adID, tr)
	if err != nil {
		return nil, models.NewPersistenceError("event totals", err)
	}
	daily, err := a.store.DailyImpressions(ctx, adID, tr, DailySeriesDays)
	if err != nil {
		return nil, models.NewPersistenceError("daily impressions", err)
	}
	top, err := a.store.TopPlacements(ctx, adID, tr, TopPlacementsLimit)
	if err != nil {
		return nil, models.NewPersistenceError("top placements", err)
	}

	if daily == nil {
		daily = []models.DailyCount{}
	}
	if top == nil {
		top = []models.PlacementCount{}
	}
	return &models.AdAnalytics{
		AdID:          adID,
		Impressions:   totals.Impressions,
		Clicks:        totals.Clicks,
		CTR:           CalculateCTR(totals.Impressions, totals.Clicks),
		UniqueUsers:   totals.UniqueUsers,
		Daily:         daily,
		TopPlacements: top,
	}, nil
}

// GetPlatformStatistics returns ad status counts, summed counters and the
// platform-wide CTR (total clicks over total impressions).
func (a *Aggregator) GetPlatformStatistics(ctx context.Context) (*models.PlatformStatistics, error) {
	st, err := a.store.PlatformTotals(ctx)
	if err != nil {
		return nil, models.NewPersistenceError("platform totals", err)
	}
	st.AverageCTR = CalculateCTR(st.TotalImpressions, st.TotalClicks)
	return &st, nil
}
