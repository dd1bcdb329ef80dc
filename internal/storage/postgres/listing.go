package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"rentfeed/internal/domain"
)

type ListingStore struct {
	db *sqlx.DB
}

func NewListingStore(db *sqlx.DB) *ListingStore {
	return &ListingStore{db: db}
}

// GetIDByPostID returns the id of the listing linked to a post, or
// domain.ErrNotFound when the post has no listing yet.
func (s *ListingStore) GetIDByPostID(ctx context.Context, postID int64) (int64, error) {
	exec := GetExecutor(ctx, s.db)

	var id int64
	err := exec.QueryRowxContext(ctx,
		`SELECT id FROM listings WHERE post_id = $1`, postID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertByPost inserts or updates the listing linked to its originating
// post. Running the pipeline twice against the same post updates the same
// row; it never creates a duplicate.
func (s *ListingStore) UpsertByPost(ctx context.Context, l *domain.Listing) (int64, error) {
	exec := GetExecutor(ctx, s.db)

	query := `
		INSERT INTO listings (
			post_id, price, price_min, price_max, currency, district, address,
			latitude, longitude, bedrooms, area_sqm, furnished, pets_allowed,
			amenities, description, contact, source_url, status, confidence
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		ON CONFLICT (post_id) DO UPDATE SET
			price = EXCLUDED.price,
			price_min = EXCLUDED.price_min,
			price_max = EXCLUDED.price_max,
			currency = EXCLUDED.currency,
			district = EXCLUDED.district,
			address = EXCLUDED.address,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			bedrooms = EXCLUDED.bedrooms,
			area_sqm = EXCLUDED.area_sqm,
			furnished = EXCLUDED.furnished,
			pets_allowed = EXCLUDED.pets_allowed,
			amenities = EXCLUDED.amenities,
			description = EXCLUDED.description,
			contact = EXCLUDED.contact,
			source_url = EXCLUDED.source_url,
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			updated_at = NOW()
		RETURNING id`

	var id int64
	err := exec.QueryRowxContext(ctx, query,
		l.PostID,
		l.Price,
		l.PriceMin,
		l.PriceMax,
		l.Currency,
		l.District,
		l.Address,
		l.Latitude,
		l.Longitude,
		l.Bedrooms,
		l.AreaSqm,
		l.Furnished,
		l.PetsAllowed,
		pq.Array(l.Amenities),
		l.Description,
		l.Contact,
		l.SourceURL,
		l.Status,
		l.Confidence,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// UpdateCoordinates fills in location fields resolved after the listing
// was created (the deferred geocode job path).
func (s *ListingStore) UpdateCoordinates(ctx context.Context, id int64, lat, lng float64, district string) error {
	query := `
		UPDATE listings SET
			latitude = $2,
			longitude = $3,
			district = COALESCE(NULLIF($4, ''), district),
			updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, lat, lng, district)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
