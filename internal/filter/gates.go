package filter

import (
	"fmt"

	"carminepf/internal/model"
)

// Gates are the optional thresholds a candidate must pass before purchase.
// A nil threshold or false flag never rejects.
type Gates struct {
	MinStarRating      *float64
	MinReviewCount     *int64
	PlatformSellerOnly bool
	FulfilledOnly      bool
}

// GatesFromConfig builds the gates configured for the active monitor.
func GatesFromConfig(cfg *model.MonitorConfig) Gates {
	if cfg == nil {
		return Gates{}
	}
	return Gates{
		MinStarRating:      cfg.MinStarRating,
		MinReviewCount:     cfg.MinReviewCount,
		PlatformSellerOnly: cfg.IsAmazonOnly,
		FulfilledOnly:      cfg.IsFBAOnly,
	}
}

// Check applies every gate to c. It returns an empty reason when c passes.
// A configured rating threshold rejects a candidate with no rating at all.
func (g Gates) Check(c model.Candidate) (bool, string) {
	if !c.IsInStock {
		return false, "out of stock"
	}

	if g.MinStarRating != nil && *g.MinStarRating > 0 {
		if c.StarRating == nil {
			return false, "star rating unavailable"
		}
		if *c.StarRating < *g.MinStarRating {
			return false, fmt.Sprintf("star rating %.1f below minimum %.1f", *c.StarRating, *g.MinStarRating)
		}
	}

	if g.MinReviewCount != nil && *g.MinReviewCount > 0 {
		if c.ReviewCount == nil {
			return false, "review count unavailable"
		}
		if *c.ReviewCount < *g.MinReviewCount {
			return false, fmt.Sprintf("review count %d below minimum %d", *c.ReviewCount, *g.MinReviewCount)
		}
	}

	if g.PlatformSellerOnly && !c.IsPlatformSeller {
		return false, "not sold by the platform"
	}

	if g.FulfilledOnly && !c.IsFulfilledByPlatform {
		return false, "not fulfilled by the platform"
	}

	return true, ""
}
