package selectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adtrack/internal/models"
)

var selectNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func activeAd(id int64, priority int, created time.Time) models.Ad {
	return models.Ad{
		ID:        id,
		Priority:  priority,
		Status:    models.AdStatusActive,
		StartDate: selectNow.Add(-24 * time.Hour),
		CreatedAt: created,
	}
}

func newSelector(t *testing.T, ads []models.Ad, rules []models.TargetingRule, placements []models.Placement) *RuleBasedSelector {
	t.Helper()
	catalog := models.NewInMemoryAdCatalog()
	require.NoError(t, catalog.ReloadAll(ads, rules, placements))
	s := NewRuleBasedSelector(catalog, zaptest.NewLogger(t), 0)
	s.SetClock(func() time.Time { return selectNow })
	return s
}

func ids(ads []models.Ad) []int64 {
	out := make([]int64, 0, len(ads))
	for _, a := range ads {
		out = append(out, a.ID)
	}
	return out
}

func TestSelect_SidebarScenario(t *testing.T) {
	older := selectNow.Add(-48 * time.Hour)
	newer := selectNow.Add(-24 * time.Hour)
	s := newSelector(t,
		[]models.Ad{
			activeAd(1, 5, older),
			activeAd(2, 5, newer),
			activeAd(3, 3, selectNow.Add(-time.Hour)),
		},
		nil,
		[]models.Placement{{ID: 1, Code: "sidebar", MaxAds: 2, IsActive: true}},
	)

	got := s.Select("sidebar", nil, 3)
	assert.Equal(t, []int64{2, 1}, ids(got))
}

func TestSelect_TieBreakIsDeterministic(t *testing.T) {
	same := selectNow.Add(-time.Hour)
	s := newSelector(t,
		[]models.Ad{activeAd(10, 1, same), activeAd(12, 1, same), activeAd(11, 1, same)},
		nil,
		[]models.Placement{{ID: 1, Code: "banner", MaxAds: 5, IsActive: true}},
	)
	for i := 0; i < 5; i++ {
		assert.Equal(t, []int64{12, 11, 10}, ids(s.Select("banner", nil, 5)))
	}
}

func TestSelect_UnknownOrInactivePlacement(t *testing.T) {
	s := newSelector(t,
		[]models.Ad{activeAd(1, 1, selectNow)},
		nil,
		[]models.Placement{{ID: 1, Code: "footer", MaxAds: 2, IsActive: false}},
	)
	got := s.Select("nowhere", nil, 3)
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, s.Select("footer", nil, 3))
}

func TestSelect_TargetingAndAnonymousViewers(t *testing.T) {
	s := newSelector(t,
		[]models.Ad{
			activeAd(1, 9, selectNow),
			activeAd(2, 8, selectNow),
			activeAd(3, 7, selectNow),
		},
		[]models.TargetingRule{
			{AdID: 1, Roles: []string{"instructor"}},
			{AdID: 2},
		},
		[]models.Placement{{ID: 1, Code: "banner", MaxAds: 10, IsActive: true}},
	)

	assert.Equal(t, []int64{2, 3}, ids(s.Select("banner", nil, 10)), "anonymous sees unconstrained ads only")
	assert.Equal(t, []int64{2, 3}, ids(s.Select("banner", &models.AudienceProfile{Role: "student"}, 10)))
	assert.Equal(t, []int64{1, 2, 3}, ids(s.Select("banner", &models.AudienceProfile{Role: "instructor"}, 10)))
}

func TestSelect_SkipsUnservableAds(t *testing.T) {
	ended := selectNow.Add(-time.Hour)
	expired := activeAd(1, 9, selectNow)
	expired.EndDate = &ended
	paused := activeAd(2, 9, selectNow)
	paused.Status = models.AdStatusPaused
	future := activeAd(3, 9, selectNow)
	future.StartDate = selectNow.Add(time.Hour)

	s := newSelector(t,
		[]models.Ad{expired, paused, future, activeAd(4, 1, selectNow)},
		nil,
		[]models.Placement{{ID: 1, Code: "banner", MaxAds: 10, IsActive: true}},
	)
	assert.Equal(t, []int64{4}, ids(s.Select("banner", nil, 10)))
}

func TestSelect_DefaultLimit(t *testing.T) {
	var ads []models.Ad
	for i := int64(1); i <= 6; i++ {
		ads = append(ads, activeAd(i, int(i), selectNow))
	}
	s := newSelector(t, ads, nil, []models.Placement{{ID: 1, Code: "feed", MaxAds: 10, IsActive: true}})

	assert.Len(t, s.Select("feed", nil, 0), DefaultLimit)
	assert.Len(t, s.Select("feed", nil, -1), DefaultLimit)
	assert.Len(t, s.Select("feed", nil, 5), 5)
}

func TestRecommend_RanksByScore(t *testing.T) {
	s := newSelector(t,
		[]models.Ad{
			activeAd(1, 9, selectNow),
			activeAd(2, 5, selectNow),
			activeAd(3, 1, selectNow),
		},
		[]models.TargetingRule{
			{AdID: 2, Interests: []string{"go", "sql"}},
			{AdID: 3, Roles: []string{"student"}, Interests: []string{"go"}},
		},
		[]models.Placement{{ID: 1, Code: "feed", MaxAds: 3, IsActive: true}},
	)
	profile := &models.AudienceProfile{Role: "student", Interests: []string{"go", "sql"}}

	assert.Equal(t, []int64{1, 2, 3}, ids(s.Select("feed", profile, 3)))
	// ad 3 scores 15, ad 2 scores 10, ad 1 scores 0
	assert.Equal(t, []int64{3, 2, 1}, ids(s.Recommend("feed", profile, 3)))
}

func TestSelectWithTrace(t *testing.T) {
	s := newSelector(t,
		[]models.Ad{activeAd(1, 2, selectNow), activeAd(2, 1, selectNow)},
		[]models.TargetingRule{{AdID: 1, Roles: []string{"admin"}}},
		[]models.Placement{{ID: 1, Code: "banner", MaxAds: 1, IsActive: true}},
	)
	ads, trace := s.SelectWithTrace("banner", nil, 3)
	require.Len(t, ads, 1)
	require.Len(t, trace.Steps, 3)
	assert.Equal(t, "active", trace.Steps[0].Stage)
	assert.Equal(t, []int64{1, 2}, trace.Steps[0].AdIDs)
	assert.Equal(t, "targeting", trace.Steps[1].Stage)
	assert.Equal(t, []int64{2}, trace.Steps[1].AdIDs)
	assert.Equal(t, "1", trace.Steps[2].Details["limit"])
}
