// Package geocoder resolves free-text addresses to coordinates and a
// district, cache-first. Unresolvable addresses are cached too, with a
// much shorter TTL, so known-bad addresses are not retried on every post.
package geocoder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"rentfeed/internal/domain"
	"rentfeed/internal/metrics"
)

type Provider interface {
	Geocode(ctx context.Context, address string) (*domain.GeocodeResult, error)
}

type CacheStore interface {
	Get(ctx context.Context, address string) (*domain.GeocodeCacheEntry, error)
	Put(ctx context.Context, entry *domain.GeocodeCacheEntry) error
	Touch(ctx context.Context, address string, at time.Time) error
	Delete(ctx context.Context, address string) error
}

type Service struct {
	provider    Provider
	cache       CacheStore
	bounds      domain.BoundingBox
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type Config struct {
	Bounds      domain.BoundingBox
	TTL         time.Duration
	NegativeTTL time.Duration
}

func NewService(provider Provider, cache CacheStore, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		provider:    provider,
		cache:       cache,
		bounds:      cfg.Bounds,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      logger.With("component", "geocoder"),
		now:         time.Now,
	}
}

// NormalizeAddress case-folds, trims and collapses whitespace so address
// variants share one cache key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

// Geocode resolves an address. The returned result has Found=false when
// the provider had no answer or the answer fell outside the operating
// bounding box; both verdicts are cached negatively.
func (s *Service) Geocode(ctx context.Context, address string) (*domain.GeocodeResult, error) {
	normalized := NormalizeAddress(address)
	if normalized == "" {
		return &domain.GeocodeResult{Found: false}, nil
	}

	now := s.now()

	entry, err := s.cache.Get(ctx, normalized)
	switch {
	case err == nil && entry.Fresh(now):
		if terr := s.cache.Touch(ctx, normalized, now); terr != nil {
			s.logger.Warn("failed to touch geocode cache", "address", normalized, "error", terr)
		}
		metrics.RecordCacheHit("geocode")
		return entry.Result(), nil
	case err == nil:
		if derr := s.cache.Delete(ctx, normalized); derr != nil {
			s.logger.Warn("failed to evict geocode cache", "address", normalized, "error", derr)
		}
	case !errors.Is(err, domain.ErrNotFound):
		s.logger.Warn("geocode cache lookup failed", "address", normalized, "error", err)
	}
	metrics.RecordCacheMiss("geocode")

	result, err := s.provider.Geocode(ctx, normalized)
	if err != nil {
		metrics.RecordGeocode("error")
		if !domain.IsTransient(err) && !domain.IsPermanent(err) {
			err = domain.Transient(err)
		}
		return nil, err
	}

	if result.Found && !s.bounds.Contains(result.Latitude, result.Longitude) {
		// Out-of-domain hit: the address resolved somewhere outside the
		// operating city. Never cached as valid.
		s.logger.Debug("geocode outside bounding box",
			"address", normalized,
			"lat", result.Latitude,
			"lng", result.Longitude,
		)
		result = &domain.GeocodeResult{Found: false}
	}

	if result.Found {
		metrics.RecordGeocode("found")
	} else {
		metrics.RecordGeocode("not_found")
	}

	ttl := s.ttl
	if !result.Found {
		ttl = s.negativeTTL
	}
	cacheEntry := &domain.GeocodeCacheEntry{
		Address:          normalized,
		Found:            result.Found,
		Latitude:         result.Latitude,
		Longitude:        result.Longitude,
		District:         result.District,
		FormattedAddress: result.FormattedAddress,
		Confidence:       result.Confidence,
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := s.cache.Put(ctx, cacheEntry); err != nil {
		s.logger.Warn("failed to write geocode cache", "address", normalized, "error", err)
	}

	return result, nil
}
