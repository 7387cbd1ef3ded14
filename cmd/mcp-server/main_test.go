package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/models"
)

func newTestAnalyticsServer(t *testing.T) (*analyticsServer, *models.InMemoryStore) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ads := []models.Ad{
		{ID: 1, PlacementType: "sidebar", Status: models.AdStatusActive, Priority: 2, StartDate: now.Add(-time.Hour)},
		{ID: 2, PlacementType: "banner", Status: models.AdStatusActive, Priority: 1, StartDate: now.Add(-time.Hour)},
		{ID: 3, PlacementType: "sidebar", Status: models.AdStatusPending, StartDate: now.Add(-time.Hour)},
	}
	catalog := models.NewInMemoryAdCatalog()
	require.NoError(t, catalog.ReloadAll(ads, nil, nil))
	store := models.NewInMemoryStore(ads...)
	return &analyticsServer{
		catalog:    catalog,
		aggregator: analytics.NewAggregator(store, nil, nil),
		logger:     zaptest.NewLogger(t),
		now:        func() time.Time { return now },
	}, store
}

func TestGetActiveAds(t *testing.T) {
	s, _ := newTestAnalyticsServer(t)

	_, out, err := s.GetActiveAds(context.Background(), nil, GetActiveAdsInput{})
	require.NoError(t, err)
	assert.Len(t, out.Ads, 2)

	_, out, err = s.GetActiveAds(context.Background(), nil, GetActiveAdsInput{PlacementType: "sidebar"})
	require.NoError(t, err)
	require.Len(t, out.Ads, 1)
	assert.Equal(t, int64(1), out.Ads[0].ID)
}

func TestGetAdAnalytics(t *testing.T) {
	s, store := newTestAnalyticsServer(t)
	ctx := context.Background()
	require.NoError(t, store.BulkInsertImpressions(ctx, []models.ImpressionEvent{
		{ID: "a", AdID: 1, SessionID: "s", ViewedAt: time.Now()},
		{ID: "b", AdID: 1, SessionID: "s", ViewedAt: time.Now()},
	}))
	_, err := store.InsertClick(ctx, &models.ClickEvent{AdID: 1, SessionID: "s", ClickedAt: time.Now()})
	require.NoError(t, err)

	_, out, err := s.GetAdAnalytics(ctx, nil, GetAdAnalyticsInput{AdID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Impressions)
	assert.Equal(t, 50.0, out.CTR)

	_, _, err = s.GetAdAnalytics(ctx, nil, GetAdAnalyticsInput{AdID: 99})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, _, err = s.GetAdAnalytics(ctx, nil, GetAdAnalyticsInput{AdID: 1, Start: "last week"})
	assert.Error(t, err)
}

func TestGetPlatformStatistics(t *testing.T) {
	s, _ := newTestAnalyticsServer(t)

	_, st, err := s.GetPlatformStatistics(context.Background(), nil, GetPlatformStatisticsInput{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ActiveAds)
	assert.Equal(t, int64(1), st.PendingAds)
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	s, _ := newTestAnalyticsServer(t)
	assert.NotNil(t, newMCPServer(s))
}
