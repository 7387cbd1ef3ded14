package models

import "time"

// AgeRange bounds an audience age. A nil bound is open-ended.
type AgeRange struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// BehaviorRule is a set of behavioral predicates that must all hold.
type BehaviorRule struct {
	// EnrolledCourses true requires at least one enrolled course; false
	// requires none.
	EnrolledCourses *bool `json:"enrolledCourses,omitempty"`
	// ActiveInDays requires the viewer to have been active within N days.
	ActiveInDays *int `json:"activeInDays,omitempty"`
	// MinCourseEnrollments requires at least K enrolled courses.
	MinCourseEnrollments *int `json:"minCourseEnrollments,omitempty"`
}

// IsEmpty reports whether no behavior predicate is configured.
func (b *BehaviorRule) IsEmpty() bool {
	return b == nil || (b.EnrolledCourses == nil && b.ActiveInDays == nil && b.MinCourseEnrollments == nil)
}

// TargetingRule holds the optional audience constraints attached to an ad.
// Each empty field means "do not filter on this dimension". An ad without a
// rule serves to everyone.
type TargetingRule struct {
	AdID      int64         `json:"ad_id"`
	Roles     []string      `json:"roles,omitempty"`
	Plans     []string      `json:"subscriptionPlans,omitempty"`
	Age       *AgeRange     `json:"ageRange,omitempty"`
	Locations []string      `json:"locations,omitempty"`
	Interests []string      `json:"interests,omitempty"`
	Behavior  *BehaviorRule `json:"behavior,omitempty"`
}

// IsEmpty reports whether the rule sets no constraint at all.
func (r *TargetingRule) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.Roles) == 0 &&
		len(r.Plans) == 0 &&
		(r.Age == nil || (r.Age.Min == nil && r.Age.Max == nil)) &&
		len(r.Locations) == 0 &&
		len(r.Interests) == 0 &&
		r.Behavior.IsEmpty()
}

// AudienceProfile describes the viewer of a page for targeting purposes.
// It is supplied per request and never persisted.
type AudienceProfile struct {
	UserID             string     `json:"userId,omitempty"`
	Role               string     `json:"role,omitempty"`
	SubscriptionPlanID string     `json:"subscriptionPlanId,omitempty"`
	Age                *int       `json:"age,omitempty"`
	Location           string     `json:"location,omitempty"`
	Interests          []string   `json:"interests,omitempty"`
	EnrolledCourses    []string   `json:"enrolledCourses,omitempty"`
	LastActiveAt       *time.Time `json:"lastActiveAt,omitempty"`
}
