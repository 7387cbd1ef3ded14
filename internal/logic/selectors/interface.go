package selectors

import "github.com/patrickwarner/adtrack/internal/models"

// DefaultLimit is the number of ads returned when the caller does not ask
// for a positive limit.
const DefaultLimit = 3

// Selector picks ads for a placement.
type Selector interface {
	// Select returns at most min(limit, placement.MaxAds) eligible ads in
	// serving order. Unknown or inactive placements yield an empty slice.
	Select(placementCode string, profile *models.AudienceProfile, limit int) []models.Ad
}
