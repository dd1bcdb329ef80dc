package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"rentfeed/internal/domain"
	"rentfeed/internal/normalizer"
	"rentfeed/internal/service/mocks"
)

func ptr[T any](v T) *T { return &v }

type IngestSuite struct {
	suite.Suite

	ctrl      *gomock.Controller
	source    *mocks.MockSource
	posts     *mocks.MockPostStore
	listings  *mocks.MockListingStore
	cursors   *mocks.MockCursorStore
	extractor *mocks.MockExtractor
	geocoder  *mocks.MockGeocoder
	jobs      *mocks.MockJobQueue
	tx        *mocks.MockTransactionManager
	publisher *mocks.MockPublisher

	svc *IngestService
}

func (s *IngestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.source = mocks.NewMockSource(s.ctrl)
	s.posts = mocks.NewMockPostStore(s.ctrl)
	s.listings = mocks.NewMockListingStore(s.ctrl)
	s.cursors = mocks.NewMockCursorStore(s.ctrl)
	s.extractor = mocks.NewMockExtractor(s.ctrl)
	s.geocoder = mocks.NewMockGeocoder(s.ctrl)
	s.jobs = mocks.NewMockJobQueue(s.ctrl)
	s.tx = mocks.NewMockTransactionManager(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.svc = NewIngestService(
		s.source, s.posts, s.listings, s.cursors,
		s.extractor, s.geocoder, normalizer.New(0.5),
		s.jobs, s.tx, s.publisher, logger,
		Config{
			Channels:       []string{"tbilisi_rent"},
			RegeocodeDelay: 72 * time.Hour,
		},
	)
}

func (s *IngestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestSuite))
}

// passthroughTx runs the transaction body on the caller's context.
func (s *IngestSuite) passthroughTx() {
	s.tx.EXPECT().
		WithTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		})
}

func testPost(id int64) *domain.RawPost {
	return &domain.RawPost{
		ID:        id,
		Channel:   "tbilisi_rent",
		MessageID: 1000 + id,
		Text:      "2 bedroom apartment in Vake, 800 USD/month",
		PostedAt:  time.Now(),
	}
}

func rentalExtraction() *domain.ExtractionResult {
	return &domain.ExtractionResult{
		IsRental:   true,
		Confidence: 0.92,
		Fields: domain.ExtractedFields{
			Address:  ptr("Chavchavadze Ave 10"),
			District: ptr("Vake"),
			Price:    ptr(800.0),
			Currency: "USD",
			Bedrooms: ptr(2),
		},
	}
}

func parseJob(postID int64) *domain.ParseJob {
	payload, _ := json.Marshal(domain.ParsePostPayload{PostID: postID})
	return &domain.ParseJob{
		Type:        domain.JobParsePost,
		Payload:     payload,
		MaxAttempts: 5,
	}
}

func (s *IngestSuite) TestSyncFeed_FetchesAndEnqueues() {
	ctx := context.Background()
	posts := []domain.RawPost{*testPost(1), *testPost(2)}

	s.cursors.EXPECT().
		Get(ctx, "tbilisi_rent").
		Return(&domain.ChannelCursor{Channel: "tbilisi_rent", LastMessageID: 1000}, nil)
	s.source.EXPECT().
		FetchPosts(ctx, "tbilisi_rent", int64(1000), 10).
		Return(posts, nil)
	s.posts.EXPECT().
		InsertBatch(ctx, posts).
		Return(2, nil)
	s.cursors.EXPECT().
		Update(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, cursor *domain.ChannelCursor) error {
			s.Equal(int64(1002), cursor.LastMessageID)
			return nil
		})
	s.posts.EXPECT().
		ListUnprocessed(ctx, 500).
		Return(posts, nil)
	s.jobs.EXPECT().
		Enqueue(ctx, domain.JobParsePost, "1", domain.ParsePostPayload{PostID: 1}, time.Duration(0)).
		Return(true, nil)
	s.jobs.EXPECT().
		Enqueue(ctx, domain.JobParsePost, "2", domain.ParsePostPayload{PostID: 2}, time.Duration(0)).
		Return(true, nil)

	stats, err := s.svc.SyncFeed(ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Fetched)
	s.Equal(2, stats.Inserted)
	s.Equal(2, stats.Enqueued)
	s.Zero(stats.Errors)
}

func (s *IngestSuite) TestSyncFeed_EmptyFeedLeavesCursorAlone() {
	ctx := context.Background()

	s.cursors.EXPECT().
		Get(ctx, "tbilisi_rent").
		Return(&domain.ChannelCursor{Channel: "tbilisi_rent", LastMessageID: 1000}, nil)
	s.source.EXPECT().
		FetchPosts(ctx, "tbilisi_rent", int64(1000), 10).
		Return(nil, nil)
	s.posts.EXPECT().
		ListUnprocessed(ctx, 500).
		Return(nil, nil)

	stats, err := s.svc.SyncFeed(ctx)
	s.Require().NoError(err)
	s.Zero(stats.Fetched)
	s.Zero(stats.Errors)
}

func (s *IngestSuite) TestSyncFeed_ChannelFailureDoesNotAbort() {
	ctx := context.Background()

	s.cursors.EXPECT().
		Get(ctx, "tbilisi_rent").
		Return(nil, errors.New("connection refused"))
	s.posts.EXPECT().
		ListUnprocessed(ctx, 500).
		Return(nil, nil)

	stats, err := s.svc.SyncFeed(ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Errors)
}

func (s *IngestSuite) TestHandleParsePost_CreatesListing() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().Extract(ctx, post.Text, "").Return(rentalExtraction(), nil)
	s.geocoder.EXPECT().
		Geocode(ctx, "Chavchavadze Ave 10").
		Return(&domain.GeocodeResult{Found: true, Latitude: 41.71, Longitude: 44.75, District: "Vake"}, nil)
	s.listings.EXPECT().GetIDByPostID(ctx, int64(42)).Return(int64(0), domain.ErrNotFound)
	s.passthroughTx()
	s.listings.EXPECT().
		UpsertByPost(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, listing *domain.Listing) (int64, error) {
			s.Equal(domain.StatusActive, listing.Status)
			s.Require().NotNil(listing.Latitude)
			s.Equal(41.71, *listing.Latitude)
			return 7, nil
		})
	s.posts.EXPECT().MarkProcessed(ctx, int64(42), ptr(int64(7))).Return(nil)
	s.publisher.EXPECT().
		Publish(ctx, gomock.Any(), true).
		Return(nil)

	result, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().NoError(err)
	s.JSONEq(`{"listing_id":7,"created":true}`, string(result))
}

func (s *IngestSuite) TestHandleParsePost_SecondRunUpdates() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().Extract(ctx, post.Text, "").Return(rentalExtraction(), nil)
	s.geocoder.EXPECT().
		Geocode(ctx, "Chavchavadze Ave 10").
		Return(&domain.GeocodeResult{Found: true, Latitude: 41.71, Longitude: 44.75, District: "Vake"}, nil)
	s.listings.EXPECT().GetIDByPostID(ctx, int64(42)).Return(int64(7), nil)
	s.passthroughTx()
	s.listings.EXPECT().UpsertByPost(ctx, gomock.Any()).Return(int64(7), nil)
	s.posts.EXPECT().MarkProcessed(ctx, int64(42), ptr(int64(7))).Return(nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any(), false).Return(nil)

	result, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().NoError(err)
	s.JSONEq(`{"listing_id":7,"created":false}`, string(result))
}

func (s *IngestSuite) TestHandleParsePost_NonRental() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().
		Extract(ctx, post.Text, "").
		Return(&domain.ExtractionResult{IsRental: false, Confidence: 0.97}, nil)
	s.posts.EXPECT().MarkProcessed(ctx, int64(42), nil).Return(nil)

	result, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().NoError(err)
	s.JSONEq(`{"is_rental":false}`, string(result))
}

func (s *IngestSuite) TestHandleParsePost_MissingPostIsPermanent() {
	ctx := context.Background()

	s.posts.EXPECT().Get(ctx, int64(42)).Return(nil, domain.ErrNotFound)

	_, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().Error(err)
	s.True(domain.IsPermanent(err))
}

func (s *IngestSuite) TestHandleParsePost_MalformedPayloadIsPermanent() {
	job := &domain.ParseJob{Type: domain.JobParsePost, Payload: json.RawMessage(`{"post_id":`)}

	_, err := s.svc.HandleParsePost(context.Background(), job)
	s.Require().Error(err)
	s.True(domain.IsPermanent(err))
}

func (s *IngestSuite) TestHandleParsePost_ExtractionFailureBubblesUp() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().
		Extract(ctx, post.Text, "").
		Return(nil, domain.Transient(errors.New("provider unavailable")))

	_, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().Error(err)
	s.True(domain.IsTransient(err))
}

func (s *IngestSuite) TestHandleParsePost_UnresolvedAddressDefersRegeocode() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().Extract(ctx, post.Text, "").Return(rentalExtraction(), nil)
	s.geocoder.EXPECT().
		Geocode(ctx, "Chavchavadze Ave 10").
		Return(&domain.GeocodeResult{Found: false}, nil)
	s.listings.EXPECT().GetIDByPostID(ctx, int64(42)).Return(int64(0), domain.ErrNotFound)
	s.passthroughTx()
	s.listings.EXPECT().UpsertByPost(ctx, gomock.Any()).Return(int64(7), nil)
	s.posts.EXPECT().MarkProcessed(ctx, int64(42), ptr(int64(7))).Return(nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any(), true).Return(nil)
	s.jobs.EXPECT().
		Enqueue(ctx, domain.JobGeocodeListing, "7",
			domain.GeocodeListingPayload{ListingID: 7, Address: "Chavchavadze Ave 10"},
			72*time.Hour).
		Return(true, nil)

	_, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().NoError(err)
}

func (s *IngestSuite) TestHandleParsePost_PublishFailureIsNotFatal() {
	ctx := context.Background()
	post := testPost(42)

	s.posts.EXPECT().Get(ctx, int64(42)).Return(post, nil)
	s.extractor.EXPECT().Extract(ctx, post.Text, "").Return(rentalExtraction(), nil)
	s.geocoder.EXPECT().
		Geocode(ctx, "Chavchavadze Ave 10").
		Return(&domain.GeocodeResult{Found: true, Latitude: 41.71, Longitude: 44.75}, nil)
	s.listings.EXPECT().GetIDByPostID(ctx, int64(42)).Return(int64(0), domain.ErrNotFound)
	s.passthroughTx()
	s.listings.EXPECT().UpsertByPost(ctx, gomock.Any()).Return(int64(7), nil)
	s.posts.EXPECT().MarkProcessed(ctx, int64(42), ptr(int64(7))).Return(nil)
	s.publisher.EXPECT().
		Publish(ctx, gomock.Any(), true).
		Return(errors.New("broker unreachable"))

	_, err := s.svc.HandleParsePost(ctx, parseJob(42))
	s.Require().NoError(err)
}

func (s *IngestSuite) TestHandleGeocodeListing_UpdatesCoordinates() {
	ctx := context.Background()
	payload, _ := json.Marshal(domain.GeocodeListingPayload{ListingID: 7, Address: "new street 5"})
	job := &domain.ParseJob{Type: domain.JobGeocodeListing, Payload: payload}

	s.geocoder.EXPECT().
		Geocode(ctx, "new street 5").
		Return(&domain.GeocodeResult{Found: true, Latitude: 41.70, Longitude: 44.80, District: "Vera"}, nil)
	s.listings.EXPECT().
		UpdateCoordinates(ctx, int64(7), 41.70, 44.80, "Vera").
		Return(nil)

	result, err := s.svc.HandleGeocodeListing(ctx, job)
	s.Require().NoError(err)
	s.JSONEq(`{"found":true}`, string(result))
}

func (s *IngestSuite) TestHandleGeocodeListing_StillUnresolved() {
	ctx := context.Background()
	payload, _ := json.Marshal(domain.GeocodeListingPayload{ListingID: 7, Address: "new street 5"})
	job := &domain.ParseJob{Type: domain.JobGeocodeListing, Payload: payload}

	s.geocoder.EXPECT().
		Geocode(ctx, "new street 5").
		Return(&domain.GeocodeResult{Found: false}, nil)

	result, err := s.svc.HandleGeocodeListing(ctx, job)
	s.Require().NoError(err)
	s.JSONEq(`{"found":false}`, string(result))
}

func (s *IngestSuite) TestHandleGeocodeListing_MissingListingIsPermanent() {
	ctx := context.Background()
	payload, _ := json.Marshal(domain.GeocodeListingPayload{ListingID: 7, Address: "new street 5"})
	job := &domain.ParseJob{Type: domain.JobGeocodeListing, Payload: payload}

	s.geocoder.EXPECT().
		Geocode(ctx, "new street 5").
		Return(&domain.GeocodeResult{Found: true, Latitude: 41.70, Longitude: 44.80}, nil)
	s.listings.EXPECT().
		UpdateCoordinates(ctx, int64(7), 41.70, 44.80, "").
		Return(domain.ErrNotFound)

	_, err := s.svc.HandleGeocodeListing(ctx, job)
	s.Require().Error(err)
	s.True(domain.IsPermanent(err))
}
