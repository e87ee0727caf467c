// Package model defines the domain types used across the application.
package model

import (
	"net/url"
	"time"
)

// MonitorConfig is the single authoritative monitoring configuration.
type MonitorConfig struct {
	ID              int64
	URL             string
	APIKey          string
	DeleteAfterDays int
	IsAmazonOnly    bool
	IsFBAOnly       bool
	MinStarRating   *float64
	MinReviewCount  *int64
	MinProfitRate   *float64
	IsActive        bool
	IsFirstRun      bool
	CreatedAt       time.Time
}

// RedactedURL returns the feed URL with its key parameter masked.
func (c *MonitorConfig) RedactedURL() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	q := u.Query()
	if q.Get("key") == "" {
		return c.URL
	}
	q.Set("key", "***")
	u.RawQuery = q.Encode()
	return u.String()
}

// ConfigUpdate holds the administrator-supplied fields of a new configuration.
type ConfigUpdate struct {
	URL             string
	APIKey          string
	DeleteAfterDays int
	IsAmazonOnly    bool
	IsFBAOnly       bool
	MinStarRating   *float64
	MinReviewCount  *int64
	MinProfitRate   *float64
}

// BaselineEntry records an identifier the first time it is observed.
type BaselineEntry struct {
	ID          int64
	ASIN        string
	FirstSeenAt time.Time
}

// Item is an acquisition candidate tied to a baseline entry.
// ProcessedAt == nil marks it unconsumed.
type Item struct {
	ID             int64
	BaselineID     int64
	ASIN           string
	SellerID       *string
	PurchasePrice  *float64
	ReferencePrice *float64
	FeeRatePercent *float64
	FixedFees      *float64
	ProfitAmount   *float64
	ProfitRate     *float64
	IsFBA          bool
	IsPrime        bool
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

// OfferInfo is the enrichment result for a single identifier.
type OfferInfo struct {
	ASIN                  string
	Title                 string
	SellerID              *string
	PurchasePrice         *float64
	ReferencePrice90d     *float64
	FeeRatePercent        *float64
	FixedFees             *float64
	IsFulfilledByPlatform bool
	IsExpeditedEligible   bool
}

// NewItem holds the fields of an Item to be created alongside its baseline entry.
type NewItem struct {
	ASIN           string
	SellerID       *string
	PurchasePrice  *float64
	ReferencePrice *float64
	FeeRatePercent *float64
	FixedFees      *float64
	ProfitAmount   *float64
	ProfitRate     *float64
	IsFBA          bool
	IsPrime        bool
}

// Candidate is what the acquisition automaton observes on a product page.
type Candidate struct {
	ASIN                  string
	Title                 string
	Price                 *float64
	StarRating            *float64
	ReviewCount           *int64
	Availability          string
	IsInStock             bool
	IsPlatformSeller      bool
	IsFulfilledByPlatform bool
}
