// Package targeting evaluates ad targeting rules against audience profiles.
//
// Evaluation never fails: a missing rule serves to everyone, and each empty
// field of a rule means "do not filter on this dimension".
package targeting

import (
	"strings"
	"time"

	"github.com/patrickwarner/adtrack/internal/models"
)

// Score weights for recommendation ranking.
const (
	ScoreRole     = 10
	ScorePlan     = 10
	ScoreInterest = 5
	ScoreBehavior = 15
)

// Matches reports whether profile satisfies rule at the current time.
func Matches(rule *models.TargetingRule, profile *models.AudienceProfile) bool {
	return MatchesAt(rule, profile, time.Now())
}

// MatchesAt reports whether profile satisfies rule, evaluating recency
// predicates against now.
//
// A nil rule matches everyone. A nil profile only matches a rule with no
// constraints. Otherwise every configured constraint must hold, and a
// constraint whose profile field is missing does not hold.
func MatchesAt(rule *models.TargetingRule, profile *models.AudienceProfile, now time.Time) bool {
	if rule == nil {
		return true
	}
	if profile == nil {
		return rule.IsEmpty()
	}

	if len(rule.Roles) > 0 && !containsFold(rule.Roles, profile.Role) {
		return false
	}
	if len(rule.Plans) > 0 && !containsFold(rule.Plans, profile.SubscriptionPlanID) {
		return false
	}
	if !ageMatches(rule.Age, profile.Age) {
		return false
	}
	if len(rule.Locations) > 0 && !containsFold(rule.Locations, profile.Location) {
		return false
	}
	if len(rule.Interests) > 0 && countShared(rule.Interests, profile.Interests) == 0 {
		return false
	}
	if !rule.Behavior.IsEmpty() && !behaviorMatches(rule.Behavior, profile, now) {
		return false
	}
	return true
}

// Score ranks how well profile fits rule. It never gates eligibility.
func Score(rule *models.TargetingRule, profile *models.AudienceProfile) int {
	return ScoreAt(rule, profile, time.Now())
}

// ScoreAt is Score evaluated at now.
func ScoreAt(rule *models.TargetingRule, profile *models.AudienceProfile, now time.Time) int {
	if rule == nil || profile == nil {
		return 0
	}
	score := 0
	if len(rule.Roles) > 0 && containsFold(rule.Roles, profile.Role) {
		score += ScoreRole
	}
	if len(rule.Plans) > 0 && containsFold(rule.Plans, profile.SubscriptionPlanID) {
		score += ScorePlan
	}
	score += ScoreInterest * countShared(rule.Interests, profile.Interests)
	if !rule.Behavior.IsEmpty() && behaviorMatches(rule.Behavior, profile, now) {
		score += ScoreBehavior
	}
	return score
}

func ageMatches(r *models.AgeRange, age *int) bool {
	if r == nil || (r.Min == nil && r.Max == nil) {
		return true
	}
	if age == nil {
		return false
	}
	if r.Min != nil && *age < *r.Min {
		return false
	}
	if r.Max != nil && *age > *r.Max {
		return false
	}
	return true
}

func behaviorMatches(b *models.BehaviorRule, p *models.AudienceProfile, now time.Time) bool {
	if b.EnrolledCourses != nil {
		enrolled := len(p.EnrolledCourses) > 0
		if enrolled != *b.EnrolledCourses {
			return false
		}
	}
	if b.ActiveInDays != nil {
		if p.LastActiveAt == nil {
			return false
		}
		if now.Sub(*p.LastActiveAt) > time.Duration(*b.ActiveInDays)*24*time.Hour {
			return false
		}
	}
	if b.MinCourseEnrollments != nil && len(p.EnrolledCourses) < *b.MinCourseEnrollments {
		return false
	}
	return true
}

func containsFold(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// countShared counts entries of want present in have, ignoring case.
func countShared(want, have []string) int {
	if len(want) == 0 || len(have) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(have))
	for _, h := range have {
		seen[strings.ToLower(h)] = struct{}{}
	}
	n := 0
	for _, w := range want {
		if _, ok := seen[strings.ToLower(w)]; ok {
			n++
		}
	}
	return n
}
