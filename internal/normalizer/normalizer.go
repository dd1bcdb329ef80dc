// Package normalizer merges an extraction verdict, a geocode result and
// post metadata into a canonical listing.
package normalizer

import (
	"strings"

	"rentfeed/internal/domain"
)

type Normalizer struct {
	acceptanceThreshold float64
}

func New(acceptanceThreshold float64) *Normalizer {
	return &Normalizer{acceptanceThreshold: acceptanceThreshold}
}

// Normalize builds a listing from one post's pipeline results. Returns nil
// when the extraction says the post is not a rental. geocode may be nil:
// a listing with unknown coordinates is still valid, just unmapped.
func (n *Normalizer) Normalize(post *domain.RawPost, extraction *domain.ExtractionResult, geocode *domain.GeocodeResult) *domain.Listing {
	if extraction == nil || !extraction.IsRental {
		return nil
	}

	fields := extraction.Fields

	listing := &domain.Listing{
		PostID:      &post.ID,
		Currency:    strings.ToUpper(strings.TrimSpace(fields.Currency)),
		Address:     cleanString(fields.Address),
		Bedrooms:    positiveInt(fields.Bedrooms),
		AreaSqm:     positiveFloat(fields.AreaSqm),
		Furnished:   fields.Furnished,
		PetsAllowed: fields.PetsAllowed,
		Amenities:   cleanAmenities(fields.Amenities),
		Description: strings.TrimSpace(post.Text),
		Contact:     cleanString(fields.Contact),
		SourceURL:   post.SourceURL(),
		Confidence:  extraction.Confidence,
	}

	applyPrice(listing, fields)

	// The geocoder is the source of truth for location: its district
	// overrides whatever the AI guessed from the text.
	district := fields.District
	if geocode != nil && geocode.Found {
		listing.Latitude = &geocode.Latitude
		listing.Longitude = &geocode.Longitude
		if geocode.District != "" {
			d := geocode.District
			district = &d
		}
	}
	listing.District = cleanString(district)

	if extraction.Confidence < n.acceptanceThreshold {
		listing.Status = domain.StatusPendingReview
	} else {
		listing.Status = domain.StatusActive
	}

	return listing
}

// applyPrice maps extracted pricing into exactly one mode: a single price
// or a (min, max) range, never both. A degenerate range collapses to a
// single price.
func applyPrice(l *domain.Listing, f domain.ExtractedFields) {
	price := positiveFloat(f.Price)
	min := positiveFloat(f.PriceMin)
	max := positiveFloat(f.PriceMax)

	switch {
	case price != nil:
		l.Price = price
	case min != nil && max != nil && *min < *max:
		l.PriceMin = min
		l.PriceMax = max
	case min != nil && max != nil:
		l.Price = min
	case min != nil:
		l.Price = min
	case max != nil:
		l.Price = max
	}
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func positiveInt(n *int) *int {
	if n == nil || *n <= 0 {
		return nil
	}
	return n
}

func positiveFloat(f *float64) *float64 {
	if f == nil || *f <= 0 {
		return nil
	}
	return f
}

func cleanAmenities(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, a := range raw {
		trimmed := strings.TrimSpace(a)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
