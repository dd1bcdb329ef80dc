package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"rentfeed/internal/domain"
)

type GeocodeCacheStore struct {
	db *sqlx.DB
}

func NewGeocodeCacheStore(db *sqlx.DB) *GeocodeCacheStore {
	return &GeocodeCacheStore{db: db}
}

type geocodeCacheRow struct {
	Address          string    `db:"address"`
	Found            bool      `db:"found"`
	Latitude         float64   `db:"latitude"`
	Longitude        float64   `db:"longitude"`
	District         string    `db:"district"`
	FormattedAddress string    `db:"formatted_address"`
	Confidence       float64   `db:"confidence"`
	CreatedAt        time.Time `db:"created_at"`
	LastUsedAt       time.Time `db:"last_used_at"`
	ExpiresAt        time.Time `db:"expires_at"`
}

func (s *GeocodeCacheStore) Get(ctx context.Context, address string) (*domain.GeocodeCacheEntry, error) {
	var row geocodeCacheRow
	query := `
		SELECT address, found, latitude, longitude, district, formatted_address,
		       confidence, created_at, last_used_at, expires_at
		FROM geocode_cache
		WHERE address = $1`

	err := s.db.GetContext(ctx, &row, query, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &domain.GeocodeCacheEntry{
		Address:          row.Address,
		Found:            row.Found,
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		District:         row.District,
		FormattedAddress: row.FormattedAddress,
		Confidence:       row.Confidence,
		CreatedAt:        row.CreatedAt,
		LastUsedAt:       row.LastUsedAt,
		ExpiresAt:        row.ExpiresAt,
	}, nil
}

func (s *GeocodeCacheStore) Put(ctx context.Context, entry *domain.GeocodeCacheEntry) error {
	query := `
		INSERT INTO geocode_cache (
			address, found, latitude, longitude, district, formatted_address,
			confidence, created_at, last_used_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			found = EXCLUDED.found,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			district = EXCLUDED.district,
			formatted_address = EXCLUDED.formatted_address,
			confidence = EXCLUDED.confidence,
			last_used_at = EXCLUDED.last_used_at,
			expires_at = EXCLUDED.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		entry.Address,
		entry.Found,
		entry.Latitude,
		entry.Longitude,
		entry.District,
		entry.FormattedAddress,
		entry.Confidence,
		entry.CreatedAt,
		entry.LastUsedAt,
		entry.ExpiresAt,
	)
	return err
}

func (s *GeocodeCacheStore) Touch(ctx context.Context, address string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE geocode_cache SET last_used_at = $2 WHERE address = $1`,
		address, at,
	)
	return err
}

func (s *GeocodeCacheStore) Delete(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM geocode_cache WHERE address = $1`,
		address,
	)
	return err
}
