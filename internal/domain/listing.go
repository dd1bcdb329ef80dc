package domain

import "time"

// ListingStatus enumerates the lifecycle states of a listing.
type ListingStatus string

const (
	StatusActive        ListingStatus = "ACTIVE"
	StatusInactive      ListingStatus = "INACTIVE"
	StatusExpired       ListingStatus = "EXPIRED"
	StatusRented        ListingStatus = "RENTED"
	StatusPendingReview ListingStatus = "PENDING_REVIEW"
)

// Listing is the canonical rental record derived from one RawPost.
// Either Price or the (PriceMin, PriceMax) pair is set, never both.
// Coordinates are nil when geocoding failed; such listings are valid
// but unmapped.
type Listing struct {
	ID          int64
	PostID      *int64
	Price       *float64
	PriceMin    *float64
	PriceMax    *float64
	Currency    string
	District    *string
	Address     *string
	Latitude    *float64
	Longitude   *float64
	Bedrooms    *int
	AreaSqm     *float64
	Furnished   *bool
	PetsAllowed *bool
	Amenities   []string
	Description string
	Contact     *string
	SourceURL   string
	Status      ListingStatus
	Confidence  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPrice reports whether any pricing mode is present.
func (l *Listing) HasPrice() bool {
	return l.Price != nil || (l.PriceMin != nil && l.PriceMax != nil)
}
