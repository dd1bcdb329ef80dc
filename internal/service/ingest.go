package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rentfeed/internal/domain"
	"rentfeed/internal/metrics"
	"rentfeed/internal/normalizer"
)

// Config tunes the feed sync and the deferred geocode path.
type Config struct {
	Channels        []string
	MaxPagesPerSync int
	EnqueueBatch    int
	// RegeocodeDelay holds back re-geocode jobs for listings whose address
	// did not resolve, so they run after the negative cache verdict expires.
	RegeocodeDelay time.Duration
}

// IngestService drives the pipeline: it pulls the scraper feed into the
// raw post store, enqueues parse jobs, and handles each job's journey
// extract -> geocode -> normalize -> upsert.
type IngestService struct {
	source     Source
	posts      PostStore
	listings   ListingStore
	cursors    CursorStore
	extractor  Extractor
	geocoder   Geocoder
	normalizer *normalizer.Normalizer
	jobs       JobQueue
	txManager  TransactionManager
	publisher  Publisher
	logger     *slog.Logger
	config     Config
}

func NewIngestService(
	source Source,
	posts PostStore,
	listings ListingStore,
	cursors CursorStore,
	extractor Extractor,
	geocoder Geocoder,
	norm *normalizer.Normalizer,
	jobs JobQueue,
	txManager TransactionManager,
	publisher Publisher,
	logger *slog.Logger,
	cfg Config,
) *IngestService {
	if cfg.MaxPagesPerSync == 0 {
		cfg.MaxPagesPerSync = 10
	}
	if cfg.EnqueueBatch == 0 {
		cfg.EnqueueBatch = 500
	}
	return &IngestService{
		source:     source,
		posts:      posts,
		listings:   listings,
		cursors:    cursors,
		extractor:  extractor,
		geocoder:   geocoder,
		normalizer: norm,
		jobs:       jobs,
		txManager:  txManager,
		publisher:  publisher,
		logger:     logger.With("component", "ingest"),
		config:     cfg,
	}
}

// SyncFeed pulls new posts from every configured channel, stores them and
// enqueues a parse job per unprocessed post. One channel failing does not
// stop the others.
func (s *IngestService) SyncFeed(ctx context.Context) (*domain.IngestStats, error) {
	start := time.Now()
	stats := &domain.IngestStats{Channels: len(s.config.Channels)}

	for _, channel := range s.config.Channels {
		if err := s.syncChannel(ctx, channel, stats); err != nil {
			stats.Errors++
			s.logger.Error("channel sync failed", "channel", channel, "error", err)
		}
	}

	if err := s.enqueueUnprocessed(ctx, stats); err != nil {
		s.logger.Error("failed to enqueue parse jobs", "error", err)
		stats.Errors++
	}

	stats.Duration = time.Since(start)
	s.logger.Info("feed sync completed",
		"channels", stats.Channels,
		"fetched", stats.Fetched,
		"inserted", stats.Inserted,
		"enqueued", stats.Enqueued,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)

	return stats, nil
}

func (s *IngestService) syncChannel(ctx context.Context, channel string, stats *domain.IngestStats) error {
	cursor, err := s.cursors.Get(ctx, channel)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	posts, err := s.source.FetchPosts(ctx, channel, cursor.LastMessageID, s.config.MaxPagesPerSync)
	if err != nil && len(posts) == 0 {
		return fmt.Errorf("fetch posts: %w", err)
	}
	if err != nil {
		// Partial page set: persist what we have, the cursor only advances
		// past persisted posts so the rest is picked up next run.
		s.logger.Warn("partial feed fetch", "channel", channel, "fetched", len(posts), "error", err)
	}

	stats.Fetched += len(posts)
	if len(posts) == 0 {
		return nil
	}

	inserted, err := s.posts.InsertBatch(ctx, posts)
	if err != nil {
		return fmt.Errorf("insert posts: %w", err)
	}
	stats.Inserted += inserted

	maxID := cursor.LastMessageID
	for _, p := range posts {
		if p.MessageID > maxID {
			maxID = p.MessageID
		}
	}

	cursor.Channel = channel
	cursor.LastMessageID = maxID
	cursor.LastSyncedAt = time.Now()
	cursor.TotalFetched += int64(inserted)

	if err := s.cursors.Update(ctx, cursor); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}

func (s *IngestService) enqueueUnprocessed(ctx context.Context, stats *domain.IngestStats) error {
	pending, err := s.posts.ListUnprocessed(ctx, s.config.EnqueueBatch)
	if err != nil {
		return err
	}

	for _, post := range pending {
		created, err := s.jobs.Enqueue(ctx,
			domain.JobParsePost,
			strconv.FormatInt(post.ID, 10),
			domain.ParsePostPayload{PostID: post.ID},
			0,
		)
		if err != nil {
			return err
		}
		if created {
			stats.Enqueued++
		}
	}
	return nil
}

// HandleParsePost processes one post end to end. The extraction cache
// makes retries cheap: a transient geocode failure re-runs the AI step as
// a cache hit, not a new provider call.
func (s *IngestService) HandleParsePost(ctx context.Context, job *domain.ParseJob) (json.RawMessage, error) {
	var payload domain.ParsePostPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	post, err := s.posts.Get(ctx, payload.PostID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("post %d: %w", payload.PostID, err))
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load post: %w", err))
	}

	extraction, err := s.extractor.Extract(ctx, post.Text, "")
	if err != nil {
		return nil, fmt.Errorf("extract post %d: %w", post.ID, err)
	}

	if !extraction.IsRental {
		if err := s.posts.MarkProcessed(ctx, post.ID, nil); err != nil {
			return nil, domain.Transient(fmt.Errorf("mark processed: %w", err))
		}
		s.logger.Debug("post is not a rental", "post_id", post.ID, "confidence", extraction.Confidence)
		return json.RawMessage(`{"is_rental":false}`), nil
	}

	address := extractionAddress(extraction.Fields)
	var geocode *domain.GeocodeResult
	if address != "" {
		geocode, err = s.geocoder.Geocode(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("geocode %q: %w", address, err)
		}
	}

	listing := s.normalizer.Normalize(post, extraction, geocode)
	if listing == nil {
		if err := s.posts.MarkProcessed(ctx, post.ID, nil); err != nil {
			return nil, domain.Transient(fmt.Errorf("mark processed: %w", err))
		}
		return json.RawMessage(`{"is_rental":false}`), nil
	}

	_, err = s.listings.GetIDByPostID(ctx, post.ID)
	created := errors.Is(err, domain.ErrNotFound)
	if err != nil && !created {
		return nil, domain.Transient(fmt.Errorf("lookup listing: %w", err))
	}

	var listingID int64
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		id, err := s.listings.UpsertByPost(txCtx, listing)
		if err != nil {
			return fmt.Errorf("upsert listing: %w", err)
		}
		listingID = id
		return s.posts.MarkProcessed(txCtx, post.ID, &id)
	})
	if err != nil {
		return nil, domain.Transient(err)
	}
	listing.ID = listingID
	metrics.RecordListingUpsert(created)

	// Notification delivery is best effort; a broker outage never fails
	// the pipeline.
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, listing, created); err != nil {
			s.logger.Warn("failed to publish listing event", "listing_id", listingID, "error", err)
		}
	}

	// An address that did not resolve gets another shot once the negative
	// cache verdict has expired.
	if address != "" && (geocode == nil || !geocode.Found) {
		if _, err := s.jobs.Enqueue(ctx,
			domain.JobGeocodeListing,
			strconv.FormatInt(listingID, 10),
			domain.GeocodeListingPayload{ListingID: listingID, Address: address},
			s.config.RegeocodeDelay,
		); err != nil {
			s.logger.Warn("failed to enqueue re-geocode job", "listing_id", listingID, "error", err)
		}
	}

	s.logger.Info("post ingested",
		"post_id", post.ID,
		"listing_id", listingID,
		"created", created,
		"status", listing.Status,
		"confidence", listing.Confidence,
		"cached_extraction", extraction.FromCache,
	)

	result, _ := json.Marshal(map[string]any{"listing_id": listingID, "created": created})
	return result, nil
}

// HandleGeocodeListing retries location resolution for a listing created
// without coordinates.
func (s *IngestService) HandleGeocodeListing(ctx context.Context, job *domain.ParseJob) (json.RawMessage, error) {
	var payload domain.GeocodeListingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if payload.Address == "" {
		return nil, domain.Permanent(errors.New("empty address"))
	}

	geocode, err := s.geocoder.Geocode(ctx, payload.Address)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", payload.Address, err)
	}

	if !geocode.Found {
		// Still unresolvable; the listing stays unmapped.
		return json.RawMessage(`{"found":false}`), nil
	}

	err = s.listings.UpdateCoordinates(ctx, payload.ListingID, geocode.Latitude, geocode.Longitude, geocode.District)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("listing %d: %w", payload.ListingID, err))
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("update coordinates: %w", err))
	}

	return json.RawMessage(`{"found":true}`), nil
}

// extractionAddress picks the geocoding query: the explicit address when
// the AI found one, otherwise the district.
func extractionAddress(fields domain.ExtractedFields) string {
	if fields.Address != nil && *fields.Address != "" {
		return *fields.Address
	}
	if fields.District != nil && *fields.District != "" {
		return *fields.District
	}
	return ""
}
