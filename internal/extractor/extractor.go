// Package extractor classifies post text as rental listings and pulls out
// structured fields, caching provider verdicts by content hash so identical
// text never re-bills the AI provider.
package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"rentfeed/internal/domain"
	"rentfeed/internal/metrics"
)

// Provider calls the AI backend. Implementations classify their own
// errors as transient or permanent.
type Provider interface {
	Extract(ctx context.Context, text, language string) (*domain.ExtractionResult, error)
}

// CacheStore persists prior verdicts keyed by text hash.
type CacheStore interface {
	Get(ctx context.Context, textHash string) (*domain.ExtractionCacheEntry, error)
	Put(ctx context.Context, entry *domain.ExtractionCacheEntry) error
	Touch(ctx context.Context, textHash string, at time.Time) error
	Delete(ctx context.Context, textHash string) error
}

type Service struct {
	provider Provider
	cache    CacheStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(provider Provider, cache CacheStore, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With("component", "extractor"),
		now:      time.Now,
	}
}

// NormalizeText trims and collapses all whitespace runs to single spaces.
// Two posts differing only in formatting hash to the same cache key.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TextHash returns the cache key for normalized text.
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Extract returns the verdict for a post text, consulting the cache first.
// Empty or whitespace-only text short-circuits to a non-rental verdict
// without touching the provider.
func (s *Service) Extract(ctx context.Context, text, language string) (*domain.ExtractionResult, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return &domain.ExtractionResult{IsRental: false, Confidence: 0}, nil
	}

	hash := TextHash(normalized)
	now := s.now()

	entry, err := s.cache.Get(ctx, hash)
	switch {
	case err == nil && entry.Fresh(now):
		if terr := s.cache.Touch(ctx, hash, now); terr != nil {
			s.logger.Warn("failed to touch cache entry", "hash", hash, "error", terr)
		}
		metrics.RecordCacheHit("extraction")
		return entry.Result(), nil
	case err == nil:
		// Lazy eviction: the entry outlived its TTL, drop it and re-bill.
		if derr := s.cache.Delete(ctx, hash); derr != nil {
			s.logger.Warn("failed to evict expired cache entry", "hash", hash, "error", derr)
		}
	case !errors.Is(err, domain.ErrNotFound):
		// A broken cache degrades to a provider call; it never fails the job.
		s.logger.Warn("extraction cache lookup failed", "hash", hash, "error", err)
	}
	metrics.RecordCacheMiss("extraction")

	result, err := s.provider.Extract(ctx, normalized, language)
	if err != nil {
		metrics.RecordAICall("error", 0, 0, 0)
		if !domain.IsTransient(err) && !domain.IsPermanent(err) {
			err = domain.Transient(err)
		}
		return nil, err
	}
	metrics.RecordAICall("success", result.TokensIn, result.TokensOut, result.CostUSD)

	// Concurrent extractions of the same text race to the same value; the
	// store upserts so neither writer errors. Failures are not cached.
	cacheEntry := &domain.ExtractionCacheEntry{
		TextHash:   hash,
		IsRental:   result.IsRental,
		Confidence: result.Confidence,
		Fields:     result.Fields,
		Language:   result.Language,
		Reasoning:  result.Reasoning,
		Provider:   result.Provider,
		Model:      result.Model,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.cache.Put(ctx, cacheEntry); err != nil {
		s.logger.Warn("failed to write extraction cache", "hash", hash, "error", err)
	}

	return result, nil
}
