package telegram

import "encoding/json"

// feedResponse is the scraper actor's dataset API response.
type feedResponse struct {
	Posts   []feedPost `json:"posts"`
	HasMore bool       `json:"hasMore"`
}

type feedPost struct {
	Channel   string          `json:"channel"`
	MessageID int64           `json:"messageId"`
	Text      string          `json:"text"`
	MediaURLs []string        `json:"mediaUrls"`
	PostedAt  string          `json:"postedAt"`
	Raw       json.RawMessage `json:"raw"`
}
