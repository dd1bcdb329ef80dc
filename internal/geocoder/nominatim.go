package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"rentfeed/internal/domain"
)

// NominatimConfig configures the OSM geocoding client.
type NominatimConfig struct {
	BaseURL           string
	UserAgent         string
	City              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NominatimClient queries a Nominatim-compatible search endpoint. The
// public OSM instance allows one request per second, enforced here with a
// token bucket rather than by rejecting calls.
type NominatimClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	city       string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewNominatimClient(cfg NominatimConfig, logger *slog.Logger) *NominatimClient {
	return &NominatimClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		city:       cfg.City,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.With("component", "nominatim"),
	}
}

type nominatimPlace struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Importance  float64 `json:"importance"`
	Address     struct {
		Suburb       string `json:"suburb"`
		CityDistrict string `json:"city_district"`
		Neighbourhood string `json:"neighbourhood"`
	} `json:"address"`
}

func (c *NominatimClient) Geocode(ctx context.Context, address string) (*domain.GeocodeResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := address
	if c.city != "" {
		query = address + ", " + c.city
	}

	u := fmt.Sprintf("%s/search?q=%s&format=json&addressdetails=1&limit=1",
		c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transient(fmt.Errorf("geocoder status %d", resp.StatusCode))
	default:
		return nil, domain.Permanent(fmt.Errorf("geocoder status %d", resp.StatusCode))
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, domain.Transient(fmt.Errorf("decode response: %w", err))
	}

	if len(places) == 0 {
		return &domain.GeocodeResult{Found: false}, nil
	}

	place := places[0]
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("parse latitude %q: %w", place.Lat, err))
	}
	lng, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("parse longitude %q: %w", place.Lon, err))
	}

	district := place.Address.Suburb
	if district == "" {
		district = place.Address.CityDistrict
	}
	if district == "" {
		district = place.Address.Neighbourhood
	}

	return &domain.GeocodeResult{
		Found:            true,
		Latitude:         lat,
		Longitude:        lng,
		District:         district,
		FormattedAddress: place.DisplayName,
		Confidence:       place.Importance,
	}, nil
}
