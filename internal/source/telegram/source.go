// Package telegram reads raw posts from the scraper actor's dataset API.
// The actor's crawling schedule and retry policy are its own business;
// this client only pages through what the actor has already collected.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"rentfeed/internal/domain"
)

// Config holds scraper feed configuration.
type Config struct {
	BaseURL        string
	Token          string
	PageSize       int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Source struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	pageSize       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Source {
	return &Source{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		baseURL:        cfg.BaseURL,
		token:          cfg.Token,
		pageSize:       cfg.PageSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", "telegram"),
	}
}

// FetchPosts pages through a channel's posts newer than sinceMessageID.
// On a mid-run error the posts collected so far are returned along with
// the error so the caller can persist partial progress.
func (s *Source) FetchPosts(ctx context.Context, channel string, sinceMessageID int64, maxPages int) ([]domain.RawPost, error) {
	var all []domain.RawPost
	cursor := sinceMessageID

	for page := 0; page < maxPages; page++ {
		resp, err := s.fetchPage(ctx, channel, cursor)
		if err != nil {
			return all, fmt.Errorf("fetch %s page %d: %w", channel, page, err)
		}

		posts := s.transform(channel, resp.Posts)
		all = append(all, posts...)

		s.logger.Debug("fetched feed page",
			"channel", channel,
			"page", page,
			"posts", len(posts),
			"total", len(all),
		)

		if !resp.HasMore || len(resp.Posts) == 0 {
			break
		}
		cursor = resp.Posts[len(resp.Posts)-1].MessageID
	}

	return all, nil
}

func (s *Source) fetchPage(ctx context.Context, channel string, sinceMessageID int64) (*feedResponse, error) {
	u := fmt.Sprintf("%s/channels/%s/posts?since_id=%d&limit=%d",
		s.baseURL, url.PathEscape(channel), sinceMessageID, s.pageSize)

	var resp *feedResponse
	var err error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		resp, err = s.doRequest(ctx, u)
		if err == nil {
			return resp, nil
		}

		if attempt == s.maxAttempts {
			break
		}

		backoff := s.calculateBackoff(attempt)
		s.logger.Warn("feed request failed, retrying",
			"channel", channel,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", s.maxAttempts, err)
}

func (s *Source) doRequest(ctx context.Context, url string) (*feedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &feed, nil
}

func (s *Source) calculateBackoff(attempt int) time.Duration {
	backoff := s.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}

func (s *Source) transform(channel string, posts []feedPost) []domain.RawPost {
	out := make([]domain.RawPost, 0, len(posts))

	for _, p := range posts {
		postedAt, err := time.Parse(time.RFC3339, p.PostedAt)
		if err != nil {
			s.logger.Warn("failed to parse post timestamp",
				"channel", channel,
				"message_id", p.MessageID,
				"posted_at", p.PostedAt,
			)
			continue
		}

		ch := p.Channel
		if ch == "" {
			ch = channel
		}

		out = append(out, domain.RawPost{
			Channel:    ch,
			MessageID:  p.MessageID,
			Text:       p.Text,
			MediaURLs:  p.MediaURLs,
			PostedAt:   postedAt,
			RawPayload: p.Raw,
		})
	}

	return out
}
