package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// RawPost is a scraped Telegram message, unique per (channel, message id).
// The scraper creates it; the pipeline only flips Processed and attaches
// the resulting listing id.
type RawPost struct {
	ID         int64
	Channel    string
	MessageID  int64
	Text       string
	MediaURLs  []string
	PostedAt   time.Time
	RawPayload json.RawMessage
	Processed  bool
	ListingID  *int64
	CreatedAt  time.Time
}

// SourceURL is the public link back to the originating message.
func (p *RawPost) SourceURL() string {
	if p.Channel == "" || p.MessageID == 0 {
		return ""
	}
	return "https://t.me/" + p.Channel + "/" + strconv.FormatInt(p.MessageID, 10)
}

// ChannelCursor tracks how far the feed sync has read a channel.
type ChannelCursor struct {
	ID            int64     `db:"id"`
	Channel       string    `db:"channel"`
	LastMessageID int64     `db:"last_message_id"`
	LastSyncedAt  time.Time `db:"last_synced_at"`
	TotalFetched  int64     `db:"total_fetched"`
}

// IngestStats holds statistics about one feed sync run.
type IngestStats struct {
	Channels int
	Fetched  int
	Inserted int
	Enqueued int
	Errors   int
	Duration time.Duration
}
