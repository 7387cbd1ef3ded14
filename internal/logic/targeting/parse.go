package targeting

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/patrickwarner/adtrack/internal/models"
)

// ParseRule decodes a stored targeting rule document for adID.
//
// Fields are decoded independently. A field of the wrong shape is dropped,
// which widens the rule on that dimension, and reported as a
// *models.ValidationError in the returned error. The returned rule is never
// nil, so callers may log the error and keep serving.
func ParseRule(adID int64, raw []byte) (*models.TargetingRule, error) {
	rule := &models.TargetingRule{AdID: adID}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return rule, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return rule, &models.ValidationError{Reason: "rule is not a JSON object"}
	}

	var errs []error
	stringList := func(key string, dst *[]string) {
		v, ok := fields[key]
		if !ok || isNull(v) {
			return
		}
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			errs = append(errs, &models.ValidationError{Field: key, Reason: "expected array of strings"})
			return
		}
		*dst = compact(list)
	}
	stringList("roles", &rule.Roles)
	stringList("subscriptionPlans", &rule.Plans)
	stringList("locations", &rule.Locations)
	stringList("interests", &rule.Interests)

	if v, ok := fields["ageRange"]; ok && !isNull(v) {
		var age models.AgeRange
		switch {
		case json.Unmarshal(v, &age) != nil:
			errs = append(errs, &models.ValidationError{Field: "ageRange", Reason: "expected {min, max} integers"})
		case (age.Min != nil && *age.Min < 0) || (age.Max != nil && *age.Max < 0):
			errs = append(errs, &models.ValidationError{Field: "ageRange", Reason: "bounds must be non-negative"})
		case age.Min != nil && age.Max != nil && *age.Min > *age.Max:
			errs = append(errs, &models.ValidationError{Field: "ageRange", Reason: "min exceeds max"})
		default:
			rule.Age = &age
		}
	}

	if v, ok := fields["behavior"]; ok && !isNull(v) {
		var b models.BehaviorRule
		switch {
		case json.Unmarshal(v, &b) != nil:
			errs = append(errs, &models.ValidationError{Field: "behavior", Reason: "malformed predicates"})
		case (b.ActiveInDays != nil && *b.ActiveInDays < 0) || (b.MinCourseEnrollments != nil && *b.MinCourseEnrollments < 0):
			errs = append(errs, &models.ValidationError{Field: "behavior", Reason: "thresholds must be non-negative"})
		default:
			rule.Behavior = &b
		}
	}

	return rule, errors.Join(errs...)
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

func compact(list []string) []string {
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
