package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"rentfeed/internal/domain"
)

const systemPrompt = `You analyze Telegram posts from real estate channels.
Decide whether the post advertises a long-term apartment rental and extract
structured data. Respond with a single JSON object with these keys:
is_rental (bool), confidence (0-1), language (ISO 639-1), reasoning (short),
district, address, price, price_min, price_max, currency, bedrooms,
area_sqm, furnished, pets_allowed, amenities (array of strings), contact.
Omit keys you cannot determine. Prices are monthly.`

// OpenAIConfig configures the chat-completions provider client.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxTokens         int
	RequestsPerSecond float64
	Burst             int
	PriceInPer1K      float64
	PriceOutPer1K     float64
}

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint.
// A shared token bucket gates outgoing calls and a circuit breaker stops
// hammering the provider while it is down.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	priceIn    float64
	priceOut   float64
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*chatResponse]
	logger     *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	breaker := gobreaker.NewCircuitBreaker[*chatResponse](gobreaker.Settings{
		Name:    "ai-provider",
		Timeout: 30 * time.Second,
	})

	return &OpenAIClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		priceIn:    cfg.PriceInPer1K,
		priceOut:   cfg.PriceOutPer1K,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    breaker,
		logger:     logger.With("component", "openai"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// verdict is the JSON object the model is instructed to produce.
type verdict struct {
	IsRental   bool    `json:"is_rental"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Reasoning  string  `json:"reasoning"`
	domain.ExtractedFields
}

func (c *OpenAIClient) Extract(ctx context.Context, text, language string) (*domain.ExtractionResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.breaker.Execute(func() (*chatResponse, error) {
		return c.doRequest(ctx, text, language)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.Transient(err)
		}
		return nil, err
	}

	return c.parse(resp)
}

func (c *OpenAIClient) doRequest(ctx context.Context, text, language string) (*chatResponse, error) {
	userContent := text
	if language != "" {
		userContent = "Post language hint: " + language + "\n\n" + text
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature:    0,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transient(fmt.Errorf("provider status %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, domain.Permanent(fmt.Errorf("provider status %d: %s", resp.StatusCode, msg))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, domain.Transient(fmt.Errorf("decode response: %w", err))
	}
	return &chat, nil
}

func (c *OpenAIClient) parse(resp *chatResponse) (*domain.ExtractionResult, error) {
	result := &domain.ExtractionResult{
		Provider:  "openai",
		Model:     c.model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		CostUSD: float64(resp.Usage.PromptTokens)/1000*c.priceIn +
			float64(resp.Usage.CompletionTokens)/1000*c.priceOut,
	}

	if len(resp.Choices) == 0 {
		return nil, domain.Transient(errors.New("provider returned no choices"))
	}

	var v verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &v); err != nil {
		// The model occasionally emits broken JSON; a retry usually fixes it.
		return nil, domain.Transient(fmt.Errorf("malformed verdict: %w", err))
	}

	result.IsRental = v.IsRental
	result.Confidence = clamp01(v.Confidence)
	result.Language = v.Language
	result.Reasoning = v.Reasoning
	result.Fields = v.ExtractedFields

	return result, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
