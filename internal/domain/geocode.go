package domain

import "time"

// GeocodeResult is a resolved address. Found=false means the provider had
// no answer (or the answer fell outside the operating area); such results
// are still cacheable, just with a shorter TTL.
type GeocodeResult struct {
	Found            bool
	Latitude         float64
	Longitude        float64
	District         string
	FormattedAddress string
	Confidence       float64
	FromCache        bool
}

// GeocodeCacheEntry stores a prior geocode verdict keyed by the normalized
// address string. Unique per address, lazily expired.
type GeocodeCacheEntry struct {
	Address          string
	Found            bool
	Latitude         float64
	Longitude        float64
	District         string
	FormattedAddress string
	Confidence       float64
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
}

func (e *GeocodeCacheEntry) Fresh(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

func (e *GeocodeCacheEntry) Result() *GeocodeResult {
	return &GeocodeResult{
		Found:            e.Found,
		Latitude:         e.Latitude,
		Longitude:        e.Longitude,
		District:         e.District,
		FormattedAddress: e.FormattedAddress,
		Confidence:       e.Confidence,
		FromCache:        true,
	}
}

// BoundingBox is the operating area. Geocodes outside it are treated as
// out-of-domain and rejected.
type BoundingBox struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLng float64 `yaml:"min_lng"`
	MaxLng float64 `yaml:"max_lng"`
}

func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}
