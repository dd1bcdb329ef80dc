package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"rentfeed/internal/domain"
)

type PostStore struct {
	db *sqlx.DB
}

func NewPostStore(db *sqlx.DB) *PostStore {
	return &PostStore{db: db}
}

type postRow struct {
	ID         int64          `db:"id"`
	Channel    string         `db:"channel"`
	MessageID  int64          `db:"message_id"`
	Text       string         `db:"text"`
	MediaURLs  pq.StringArray `db:"media_urls"`
	PostedAt   time.Time      `db:"posted_at"`
	RawPayload []byte         `db:"raw_payload"`
	Processed  bool           `db:"processed"`
	ListingID  *int64         `db:"listing_id"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r postRow) toDomain() domain.RawPost {
	return domain.RawPost{
		ID:         r.ID,
		Channel:    r.Channel,
		MessageID:  r.MessageID,
		Text:       r.Text,
		MediaURLs:  r.MediaURLs,
		PostedAt:   r.PostedAt,
		RawPayload: json.RawMessage(r.RawPayload),
		Processed:  r.Processed,
		ListingID:  r.ListingID,
		CreatedAt:  r.CreatedAt,
	}
}

const postColumns = `id, channel, message_id, text, media_urls, posted_at, raw_payload, processed, listing_id, created_at`

// InsertBatch writes scraped posts, skipping any (channel, message_id)
// pair already present. Returns the number of rows actually inserted.
func (s *PostStore) InsertBatch(ctx context.Context, posts []domain.RawPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO telegram_posts (channel, message_id, text, media_urls, posted_at, raw_payload) VALUES `)
	args := make([]interface{}, 0, len(posts)*6)

	for i, p := range posts {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		sb.WriteString("($" + strconv.Itoa(base+1))
		for j := 2; j <= 6; j++ {
			sb.WriteString(", $" + strconv.Itoa(base+j))
		}
		sb.WriteString(")")

		payload := []byte(p.RawPayload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		args = append(args,
			p.Channel,
			p.MessageID,
			p.Text,
			pq.Array(p.MediaURLs),
			p.PostedAt,
			payload,
		)
	}
	sb.WriteString(" ON CONFLICT (channel, message_id) DO NOTHING")

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

func (s *PostStore) Get(ctx context.Context, id int64) (*domain.RawPost, error) {
	var row postRow
	query := `SELECT ` + postColumns + ` FROM telegram_posts WHERE id = $1`

	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	post := row.toDomain()
	return &post, nil
}

func (s *PostStore) ListUnprocessed(ctx context.Context, limit int) ([]domain.RawPost, error) {
	query := `SELECT ` + postColumns + ` FROM telegram_posts WHERE NOT processed ORDER BY posted_at LIMIT $1`

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, err
	}

	posts := make([]domain.RawPost, 0, len(rows))
	for _, r := range rows {
		posts = append(posts, r.toDomain())
	}
	return posts, nil
}

// MarkProcessed flips the processed flag and links the resulting listing.
// A nil listingID is valid: posts classified as non-rentals are processed
// without producing a listing. Participates in an ambient transaction.
func (s *PostStore) MarkProcessed(ctx context.Context, id int64, listingID *int64) error {
	exec := GetExecutor(ctx, s.db)
	_, err := exec.ExecContext(ctx,
		`UPDATE telegram_posts SET processed = TRUE, listing_id = $2 WHERE id = $1`,
		id, listingID,
	)
	return err
}
