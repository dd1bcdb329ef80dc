package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"rentfeed/internal/domain"
)

type ExtractionCacheStore struct {
	db *sqlx.DB
}

func NewExtractionCacheStore(db *sqlx.DB) *ExtractionCacheStore {
	return &ExtractionCacheStore{db: db}
}

type extractionCacheRow struct {
	TextHash   string    `db:"text_hash"`
	IsRental   bool      `db:"is_rental"`
	Confidence float64   `db:"confidence"`
	Fields     []byte    `db:"fields"`
	Language   string    `db:"language"`
	Reasoning  string    `db:"reasoning"`
	Provider   string    `db:"provider"`
	Model      string    `db:"model"`
	CreatedAt  time.Time `db:"created_at"`
	LastUsedAt time.Time `db:"last_used_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

func (s *ExtractionCacheStore) Get(ctx context.Context, textHash string) (*domain.ExtractionCacheEntry, error) {
	var row extractionCacheRow
	query := `
		SELECT text_hash, is_rental, confidence, fields, language, reasoning,
		       provider, model, created_at, last_used_at, expires_at
		FROM extraction_cache
		WHERE text_hash = $1`

	err := s.db.GetContext(ctx, &row, query, textHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry := domain.ExtractionCacheEntry{
		TextHash:   row.TextHash,
		IsRental:   row.IsRental,
		Confidence: row.Confidence,
		Language:   row.Language,
		Reasoning:  row.Reasoning,
		Provider:   row.Provider,
		Model:      row.Model,
		CreatedAt:  row.CreatedAt,
		LastUsedAt: row.LastUsedAt,
		ExpiresAt:  row.ExpiresAt,
	}
	if err := json.Unmarshal(row.Fields, &entry.Fields); err != nil {
		return nil, fmt.Errorf("decode cached fields: %w", err)
	}

	return &entry, nil
}

// Put writes a verdict for a text hash. Concurrent first-writers of the
// same hash race harmlessly: last write wins, no duplicate-key error.
func (s *ExtractionCacheStore) Put(ctx context.Context, entry *domain.ExtractionCacheEntry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	query := `
		INSERT INTO extraction_cache (
			text_hash, is_rental, confidence, fields, language, reasoning,
			provider, model, created_at, last_used_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (text_hash) DO UPDATE SET
			is_rental = EXCLUDED.is_rental,
			confidence = EXCLUDED.confidence,
			fields = EXCLUDED.fields,
			language = EXCLUDED.language,
			reasoning = EXCLUDED.reasoning,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			last_used_at = EXCLUDED.last_used_at,
			expires_at = EXCLUDED.expires_at`

	_, err = s.db.ExecContext(ctx, query,
		entry.TextHash,
		entry.IsRental,
		entry.Confidence,
		fields,
		entry.Language,
		entry.Reasoning,
		entry.Provider,
		entry.Model,
		entry.CreatedAt,
		entry.LastUsedAt,
		entry.ExpiresAt,
	)
	return err
}

func (s *ExtractionCacheStore) Touch(ctx context.Context, textHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE extraction_cache SET last_used_at = $2 WHERE text_hash = $1`,
		textHash, at,
	)
	return err
}

func (s *ExtractionCacheStore) Delete(ctx context.Context, textHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM extraction_cache WHERE text_hash = $1`,
		textHash,
	)
	return err
}
