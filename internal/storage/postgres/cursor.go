package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"rentfeed/internal/domain"
)

type ChannelCursorStore struct {
	db *sqlx.DB
}

func NewChannelCursorStore(db *sqlx.DB) *ChannelCursorStore {
	return &ChannelCursorStore{db: db}
}

func (s *ChannelCursorStore) Get(ctx context.Context, channel string) (*domain.ChannelCursor, error) {
	var cursor domain.ChannelCursor
	query := `
		SELECT id, channel, last_message_id, last_synced_at, total_fetched
		FROM channel_cursors
		WHERE channel = $1`

	err := s.db.GetContext(ctx, &cursor, query, channel)
	if errors.Is(err, sql.ErrNoRows) {
		// A channel never synced before starts from message id 0.
		return &domain.ChannelCursor{
			Channel:      channel,
			LastSyncedAt: time.Time{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (s *ChannelCursorStore) Update(ctx context.Context, cursor *domain.ChannelCursor) error {
	query := `
		INSERT INTO channel_cursors (channel, last_message_id, last_synced_at, total_fetched)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel) DO UPDATE SET
			last_message_id = EXCLUDED.last_message_id,
			last_synced_at = EXCLUDED.last_synced_at,
			total_fetched = EXCLUDED.total_fetched`

	_, err := s.db.ExecContext(ctx, query,
		cursor.Channel,
		cursor.LastMessageID,
		cursor.LastSyncedAt,
		cursor.TotalFetched,
	)
	return err
}
