package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"rentfeed/internal/domain"
)

type PostStore interface {
	InsertBatch(ctx context.Context, posts []domain.RawPost) (int, error)
	Get(ctx context.Context, id int64) (*domain.RawPost, error)
	ListUnprocessed(ctx context.Context, limit int) ([]domain.RawPost, error)
	MarkProcessed(ctx context.Context, id int64, listingID *int64) error
}

type ListingStore interface {
	GetIDByPostID(ctx context.Context, postID int64) (int64, error)
	UpsertByPost(ctx context.Context, listing *domain.Listing) (int64, error)
	UpdateCoordinates(ctx context.Context, id int64, lat, lng float64, district string) error
}

type Extractor interface {
	Extract(ctx context.Context, text, language string) (*domain.ExtractionResult, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (*domain.GeocodeResult, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, key string, payload any, delay time.Duration) (bool, error)
}

type Source interface {
	FetchPosts(ctx context.Context, channel string, sinceMessageID int64, maxPages int) ([]domain.RawPost, error)
}

type CursorStore interface {
	Get(ctx context.Context, channel string) (*domain.ChannelCursor, error)
	Update(ctx context.Context, cursor *domain.ChannelCursor) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, listing *domain.Listing, created bool) error
	Close() error
}
