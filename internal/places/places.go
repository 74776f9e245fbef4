// Package places queries the Google Places web service for nearby pubs and
// name suggestions.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
)

const (
	defaultBaseURL = "https://maps.googleapis.com/maps/api/place"
	nearbyKeyword  = "bar pub restaurant"
)

var ErrNotConfigured = errors.New("places not configured")

type Config struct {
	APIKey       string
	BaseURL      string
	RadiusMeters int
	CacheTTL     time.Duration
	Timeout      time.Duration
}

type cacheEntry struct {
	pubs      []model.Pub
	fetchedAt time.Time
}

// Client is a Places provider client. Nearby results are cached per rounded
// location; a failed refresh serves the stale entry.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RadiusMeters == 0 {
		cfg.RadiusMeters = 8047 // 5 miles
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}
}

func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

type nearbyResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		PlaceID  string `json:"place_id"`
		Name     string `json:"name"`
		Vicinity string `json:"vicinity"`
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Nearby returns pubs around the point as uncharted directory entries.
func (c *Client) Nearby(ctx context.Context, at model.Coordinates) ([]model.Pub, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	key := cacheKey(at)
	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.cfg.CacheTTL {
		return entry.pubs, nil
	}

	pubs, err := c.fetchNearby(ctx, at)
	if err != nil {
		if ok {
			// Return stale data on error rather than failing.
			return entry.pubs, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{pubs: pubs, fetchedAt: c.now()}
	c.mu.Unlock()
	return pubs, nil
}

func (c *Client) fetchNearby(ctx context.Context, at model.Coordinates) ([]model.Pub, error) {
	q := url.Values{}
	q.Set("location", formatLatLng(at))
	q.Set("radius", strconv.Itoa(c.cfg.RadiusMeters))
	q.Set("keyword", nearbyKeyword)
	q.Set("key", c.cfg.APIKey)

	var r nearbyResponse
	if err := c.get(ctx, "/nearbysearch/json", q, &r); err != nil {
		return nil, err
	}
	switch r.Status {
	case "OK":
	case "ZERO_RESULTS":
		return []model.Pub{}, nil
	default:
		return nil, apiError(r.Status, r.ErrorMessage)
	}

	pubs := make([]model.Pub, 0, len(r.Results))
	for _, res := range r.Results {
		name := res.Name
		if name == "" {
			name = "Unknown Pub"
		}
		pubs = append(pubs, model.Pub{
			PlaceID:     res.PlaceID,
			Name:        name,
			Address:     res.Vicinity,
			Lat:         res.Geometry.Location.Lat,
			Lng:         res.Geometry.Location.Lng,
			Leaderboard: []model.LeaderboardEntry{},
			Source:      model.PubSourcePlaces,
		})
	}
	return pubs, nil
}

type autocompleteResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Predictions  []struct {
		PlaceID              string `json:"place_id"`
		Description          string `json:"description"`
		StructuredFormatting struct {
			MainText string `json:"main_text"`
		} `json:"structured_formatting"`
	} `json:"predictions"`
}

// Autocomplete suggests establishments matching input, biased toward near
// when it is given.
func (c *Client) Autocomplete(ctx context.Context, input string, near *model.Coordinates) ([]model.Place, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return []model.Place{}, nil
	}

	q := url.Values{}
	q.Set("input", input)
	q.Set("types", "establishment")
	q.Set("key", c.cfg.APIKey)
	if near != nil {
		q.Set("location", formatLatLng(*near))
		q.Set("radius", strconv.Itoa(c.cfg.RadiusMeters))
	}

	var r autocompleteResponse
	if err := c.get(ctx, "/autocomplete/json", q, &r); err != nil {
		return nil, err
	}
	switch r.Status {
	case "OK":
	case "ZERO_RESULTS":
		return []model.Place{}, nil
	default:
		return nil, apiError(r.Status, r.ErrorMessage)
	}

	out := make([]model.Place, 0, len(r.Predictions))
	for _, p := range r.Predictions {
		out = append(out, model.Place{
			PlaceID:     p.PlaceID,
			Description: p.Description,
			MainText:    p.StructuredFormatting.MainText,
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("places API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("places API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode places response: %w", err)
	}
	return nil
}

func apiError(status, msg string) error {
	if msg != "" {
		return fmt.Errorf("places API error: %s: %s", status, msg)
	}
	return fmt.Errorf("places API error: %s", status)
}

func formatLatLng(at model.Coordinates) string {
	return strconv.FormatFloat(at.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(at.Lng, 'f', 6, 64)
}

// cacheKey rounds to three decimals, roughly a city block.
func cacheKey(at model.Coordinates) string {
	return fmt.Sprintf("%.3f,%.3f", at.Lat, at.Lng)
}
