package selectors

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/logic/targeting"
	"github.com/patrickwarner/adtrack/internal/models"
)

// RuleBasedSelector filters the active ads of the catalog through their
// targeting rules and orders them by priority, then recency.
type RuleBasedSelector struct {
	catalog      models.AdCatalog
	logger       *zap.Logger
	defaultLimit int
	now          func() time.Time
}

// NewRuleBasedSelector creates a selector over catalog. A non-positive
// defaultLimit falls back to DefaultLimit.
func NewRuleBasedSelector(catalog models.AdCatalog, logger *zap.Logger, defaultLimit int) *RuleBasedSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &RuleBasedSelector{
		catalog:      catalog,
		logger:       logger,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *RuleBasedSelector) SetClock(now func() time.Time) {
	s.now = now
}

// Select implements Selector.
func (s *RuleBasedSelector) Select(placementCode string, profile *models.AudienceProfile, limit int) []models.Ad {
	ads, _ := s.run(placementCode, profile, limit, false, nil)
	return ads
}

// SelectWithTrace is Select that also records the candidates surviving each stage.
func (s *RuleBasedSelector) SelectWithTrace(placementCode string, profile *models.AudienceProfile, limit int) ([]models.Ad, *SelectionTrace) {
	trace := &SelectionTrace{}
	return s.run(placementCode, profile, limit, false, trace)
}

// Recommend applies the same eligibility as Select but ranks the survivors
// by targeting score, keeping serving order among equal scores.
func (s *RuleBasedSelector) Recommend(placementCode string, profile *models.AudienceProfile, limit int) []models.Ad {
	ads, _ := s.run(placementCode, profile, limit, true, nil)
	return ads
}

func (s *RuleBasedSelector) run(placementCode string, profile *models.AudienceProfile, limit int, byScore bool, trace *SelectionTrace) ([]models.Ad, *SelectionTrace) {
	placement := s.catalog.GetPlacement(placementCode)
	if placement == nil || !placement.IsActive {
		trace.AddStepWithDetails("placement", nil, map[string]string{"placement": placementCode, "result": "unknown or inactive"})
		return []models.Ad{}, trace
	}

	now := s.now()
	candidates := s.catalog.ListActiveAds(now)
	SortForServing(candidates)
	trace.AddStep("active", candidates)

	eligible := make([]models.Ad, 0, len(candidates))
	var scores map[int64]int
	if byScore {
		scores = make(map[int64]int, len(candidates))
	}
	for _, ad := range candidates {
		rule := s.catalog.GetTargetingRule(ad.ID)
		if !targeting.MatchesAt(rule, profile, now) {
			continue
		}
		eligible = append(eligible, ad)
		if byScore {
			scores[ad.ID] = targeting.ScoreAt(rule, profile, now)
		}
	}
	trace.AddStep("targeting", eligible)

	if byScore {
		sort.SliceStable(eligible, func(i, j int) bool {
			return scores[eligible[i].ID] > scores[eligible[j].ID]
		})
		trace.AddStep("score", eligible)
	}

	n := s.effectiveLimit(limit, placement)
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	trace.AddStepWithDetails("limit", eligible, map[string]string{
		"limit":   strconv.Itoa(n),
		"max_ads": strconv.Itoa(placement.MaxAds),
	})

	s.logger.Debug("ads selected",
		zap.String("placement", placementCode),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(eligible)),
		zap.Bool("anonymous", profile == nil),
	)
	return eligible, trace
}

func (s *RuleBasedSelector) effectiveLimit(limit int, p *models.Placement) int {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if p.MaxAds > 0 && p.MaxAds < limit {
		limit = p.MaxAds
	}
	return limit
}

// SortForServing orders ads by priority descending, then creation time
// descending, then id descending so ties are deterministic.
func SortForServing(ads []models.Ad) {
	sort.SliceStable(ads, func(i, j int) bool {
		a, b := ads[i], ads[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
