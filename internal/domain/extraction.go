package domain

import "time"

// ExtractedFields is the structured data the AI provider pulled out of a
// post. Pointers distinguish "absent" from zero values; everything here is
// validated again by the normalizer before it reaches a Listing.
type ExtractedFields struct {
	District    *string  `json:"district,omitempty"`
	Address     *string  `json:"address,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	PriceMin    *float64 `json:"price_min,omitempty"`
	PriceMax    *float64 `json:"price_max,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Bedrooms    *int     `json:"bedrooms,omitempty"`
	AreaSqm     *float64 `json:"area_sqm,omitempty"`
	Furnished   *bool    `json:"furnished,omitempty"`
	PetsAllowed *bool    `json:"pets_allowed,omitempty"`
	Amenities   []string `json:"amenities,omitempty"`
	Contact     *string  `json:"contact,omitempty"`
}

// ExtractionResult is the AI provider's verdict for one post text.
type ExtractionResult struct {
	IsRental   bool
	Confidence float64
	Fields     ExtractedFields
	Language   string
	Reasoning  string
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
	CostUSD    float64
	FromCache  bool
}

// ExtractionCacheEntry stores a prior verdict keyed by the hash of the
// normalized post text. At most one entry exists per hash.
type ExtractionCacheEntry struct {
	TextHash   string
	IsRental   bool
	Confidence float64
	Fields     ExtractedFields
	Language   string
	Reasoning  string
	Provider   string
	Model      string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

// Fresh reports whether the entry is still valid at t. Expiry is lazy:
// checked on lookup, never swept in the background.
func (e *ExtractionCacheEntry) Fresh(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// Result converts a cache entry back into an extraction result.
func (e *ExtractionCacheEntry) Result() *ExtractionResult {
	return &ExtractionResult{
		IsRental:   e.IsRental,
		Confidence: e.Confidence,
		Fields:     e.Fields,
		Language:   e.Language,
		Reasoning:  e.Reasoning,
		Provider:   e.Provider,
		Model:      e.Model,
		FromCache:  true,
	}
}
