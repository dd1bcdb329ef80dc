package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New(Config{
		BaseURL:        server.URL,
		Token:          "test-token",
		PageSize:       2,
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, testLogger())
}

func feedPage(hasMore bool, posts ...feedPost) feedResponse {
	return feedResponse{Posts: posts, HasMore: hasMore}
}

func post(messageID int64, text string) feedPost {
	return feedPost{
		MessageID: messageID,
		Text:      text,
		PostedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

func TestFetchPosts_PagesUntilExhausted(t *testing.T) {
	var sinceIDs []string
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/tbilisi_rent/posts", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		since := r.URL.Query().Get("since_id")
		sinceIDs = append(sinceIDs, since)

		var page feedResponse
		switch since {
		case "100":
			page = feedPage(true, post(101, "first"), post(102, "second"))
		case "102":
			page = feedPage(false, post(103, "third"))
		default:
			t.Fatalf("unexpected since_id %q", since)
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	posts, err := source.FetchPosts(context.Background(), "tbilisi_rent", 100, 10)
	require.NoError(t, err)

	require.Len(t, posts, 3)
	assert.Equal(t, []string{"100", "102"}, sinceIDs)
	assert.Equal(t, int64(101), posts[0].MessageID)
	assert.Equal(t, "tbilisi_rent", posts[0].Channel)
	assert.Equal(t, int64(103), posts[2].MessageID)
}

func TestFetchPosts_RespectsMaxPages(t *testing.T) {
	var pages int
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		since, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
		_ = json.NewEncoder(w).Encode(feedPage(true, post(since+1, "post")))
	})

	posts, err := source.FetchPosts(context.Background(), "tbilisi_rent", 0, 3)
	require.NoError(t, err)
	assert.Len(t, posts, 3)
	assert.Equal(t, 3, pages)
}

func TestFetchPosts_RetriesTransientFailures(t *testing.T) {
	var attempts int
	source := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(feedPage(false, post(101, "recovered")))
	})

	posts, err := source.FetchPosts(context.Background(), "tbilisi_rent", 100, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, 3, attempts)
}

func TestFetchPosts_ReturnsPartialProgressOnFailure(t *testing.T) {
	var calls int
	source := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(feedPage(true, post(101, "first")))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	posts, err := source.FetchPosts(context.Background(), "tbilisi_rent", 100, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 1")
	require.Len(t, posts, 1, "already-fetched posts survive a later page failure")
	assert.Equal(t, int64(101), posts[0].MessageID)
}

func TestFetchPosts_SkipsPostsWithBadTimestamps(t *testing.T) {
	source := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		broken := post(102, "broken")
		broken.PostedAt = "yesterday"
		_ = json.NewEncoder(w).Encode(feedPage(false, post(101, "good"), broken))
	})

	posts, err := source.FetchPosts(context.Background(), "tbilisi_rent", 100, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(101), posts[0].MessageID)
}

func TestFetchPosts_ContextCancelStopsRetryLoop(t *testing.T) {
	source := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	source.initialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := source.FetchPosts(ctx, "tbilisi_rent", 100, 10)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	source := New(Config{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	}, testLogger())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, source.calculateBackoff(tt.attempt))
		})
	}
}
